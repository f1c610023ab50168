package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/origin"
)

const (
	// Subprotocol is the WebSocket subprotocol for SIP (RFC 7118).
	Subprotocol = "sip"

	wsCloseWait           = 1 * time.Second
	defaultResolveTimeout = 5 * time.Second
)

// Resolver yields the upstream SIP server address for a new connection.
type Resolver interface {
	Resolve(ctx context.Context) (*net.UDPAddr, error)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Relay          Config
	AllowedOrigins []string
	ResolveTimeout time.Duration
	Logger         *slog.Logger
}

// Server accepts SIP WebSocket connections and runs one Session per
// connection.
type Server struct {
	cfg            Config
	origins        origin.Policy
	resolveTimeout time.Duration
	resolver       Resolver
	registry       *Registry
	metrics        *metrics.Metrics
	log            *slog.Logger

	upgrader websocket.Upgrader
	dial     func(remote *net.UDPAddr, opts ChannelOptions) (*DatagramChannel, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

func NewServer(resolver Resolver, registry *Registry, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if registry == nil {
		registry = NewRegistry(0, nil)
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = defaultResolveTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            opts.Relay.withDefaults(),
		origins:        origin.NewPolicy(opts.AllowedOrigins),
		resolveTimeout: opts.ResolveTimeout,
		resolver:       resolver,
		registry:       registry,
		metrics:        registry.Metrics(),
		log:            logger,
		dial:           DialChannel,
		ctx:            ctx,
		cancel:         cancel,
	}
	s.upgrader = websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin:  s.checkOrigin,
	}
	return s
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) checkOrigin(r *http.Request) bool {
	if _, ok := s.origins.Check(r.Header.Get("Origin"), r.Host); ok {
		return true
	}
	s.metrics.Inc(metrics.SIPWSRejectedOrigin)
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.metrics.Inc(metrics.SIPWSConnections)

	closeConn := func(code int, reason string) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsCloseWait))
		_ = conn.Close()
	}

	if !s.begin() {
		closeConn(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.wg.Done()

	if s.registry.Full() {
		s.metrics.Inc(metrics.SIPWSRejectedFull)
		closeConn(websocket.CloseTryAgainLater, "too many sessions")
		return
	}

	ch, err := s.openChannel(r)
	if err != nil {
		closeConn(websocket.CloseInternalServerErr, "upstream unavailable")
		return
	}

	sess := NewSession(r.RemoteAddr, newWSEndpoint(conn, s.cfg), ch, s.cfg, s.metrics, s.log)
	if err := s.registry.Add(sess); err != nil {
		_ = ch.Close()
		switch {
		case errors.Is(err, ErrTooManySessions):
			s.metrics.Inc(metrics.SIPWSRejectedFull)
			closeConn(websocket.CloseTryAgainLater, "too many sessions")
		default:
			closeConn(websocket.ClosePolicyViolation, "session already active")
		}
		return
	}

	local := ch.LocalAddrPort()
	s.log.Info("sip_ws_connected",
		"session_id", sess.ID(),
		"subprotocol", conn.Subprotocol(),
		"local_addr", local.String(),
		"upstream", ch.RemoteAddr().String(),
	)
	start := time.Now()

	runErr := sess.Run(s.ctx)

	stats := sess.Stats()
	attrs := []any{
		"session_id", sess.ID(),
		"duration", time.Since(start).Round(time.Millisecond),
		"messages_to_upstream", stats.MessagesToUpstream,
		"bytes_to_upstream", humanize.Bytes(stats.BytesToUpstream),
		"messages_to_client", stats.MessagesToClient,
		"bytes_to_client", humanize.Bytes(stats.BytesToClient),
	}
	if runErr != nil {
		attrs = append(attrs, "err", runErr)
	}
	s.log.Info("sip_ws_disconnected", attrs...)
}

// openChannel resolves the upstream and binds this connection's socket.
func (s *Server) openChannel(r *http.Request) (*DatagramChannel, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.resolveTimeout)
	defer cancel()

	remote, err := s.resolver.Resolve(ctx)
	if err != nil {
		err = newError(KindResolve, "resolve upstream", err)
		s.metrics.Inc(metrics.ResolveFailures)
		s.log.Warn("sip_upstream_resolve_failed", "remote_addr", r.RemoteAddr, "kind", KindResolve.String(), "err", err)
		return nil, err
	}

	ch, err := s.dial(remote, ChannelOptions{
		AdvertiseHost:   s.cfg.AdvertiseHost,
		ReadBufferBytes: s.cfg.UDPReadBufferBytes,
	})
	if err != nil {
		if KindOf(err) == KindUnknown {
			err = newError(KindBind, "dial udp", err)
		}
		s.metrics.Inc(metrics.BindFailures)
		s.log.Warn("sip_udp_bind_failed", "remote_addr", r.RemoteAddr, "kind", KindBind.String(), "err", err)
		return nil, err
	}
	return ch, nil
}

func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.wg.Add(1)
	return true
}

// Shutdown closes every live session and waits for their handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.cancel()
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
