package relay

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/metrics"
)

// Registry tracks live sessions by their stable identity. It is touched only
// on connect and disconnect.
type Registry struct {
	maxSessions int
	metrics     *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry. maxSessions <= 0 means unlimited.
func NewRegistry(maxSessions int, m *metrics.Metrics) *Registry {
	return &Registry{
		maxSessions: maxSessions,
		metrics:     m,
		sessions:    make(map[string]*Session),
	}
}

func (r *Registry) Metrics() *metrics.Metrics { return r.metrics }

// Add registers s. The session removes itself when it closes.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	if _, exists := r.sessions[s.ID()]; exists {
		r.mu.Unlock()
		return ErrSessionAlreadyActive
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return ErrTooManySessions
	}
	r.sessions[s.ID()] = s
	r.metrics.SetActiveSessions(len(r.sessions))
	r.mu.Unlock()

	s.AddOnClose(func() {
		r.remove(s)
	})
	return nil
}

// remove deletes s only if it is still the session registered under its id.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID()]; ok && cur == s {
		delete(r.sessions, s.ID())
		r.metrics.SetActiveSessions(len(r.sessions))
	}
}

// Remove deletes the session registered under id without closing it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		r.metrics.SetActiveSessions(len(r.sessions))
	}
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Full reports whether another session would exceed the cap.
func (r *Registry) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxSessions > 0 && len(r.sessions) >= r.maxSessions
}

// CloseAll closes every live session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}
