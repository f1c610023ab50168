package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/sipmsg"
)

// SessionStats are the per-session traffic counters.
type SessionStats struct {
	MessagesToUpstream uint64
	BytesToUpstream    uint64
	MessagesToClient   uint64
	BytesToClient      uint64
}

// Session relays one WebSocket client to its own DatagramChannel.
type Session struct {
	id       string
	endpoint Endpoint
	channel  *DatagramChannel
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics

	queue   *messageQueue
	limiter *rate.Limiter

	lastActivity atomic.Int64

	msgsUp, bytesUp     atomic.Uint64
	msgsDown, bytesDown atomic.Uint64
	failures            [KindRewrite + 1]atomic.Uint64

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	onClose func()
}

// NewSession wires endpoint to channel. The session owns both and closes them
// when it ends.
func NewSession(id string, endpoint Endpoint, channel *DatagramChannel, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Session {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Session{
		id:       id,
		endpoint: endpoint,
		channel:  channel,
		cfg:      cfg,
		log:      logger.With("session_id", id),
		metrics:  m,
		done:     make(chan struct{}),
	}
	s.queue = newMessageQueue(cfg.SendQueueBytes, cfg.MaxMessageBytes, func() {
		m.Inc(metrics.SIPWSDroppedBackpress)
	})
	if cfg.MaxMessagesPerSecond > 0 {
		burst := int(cfg.MaxMessagesPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSecond), burst)
	}
	s.touch()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Channel() *DatagramChannel { return s.channel }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Stats() SessionStats {
	return SessionStats{
		MessagesToUpstream: s.msgsUp.Load(),
		BytesToUpstream:    s.bytesUp.Load(),
		MessagesToClient:   s.msgsDown.Load(),
		BytesToClient:      s.bytesDown.Load(),
	}
}

// Failures returns how many failures of kind the session has recorded.
func (s *Session) Failures(kind Kind) uint64 {
	if kind < 0 || int(kind) >= len(s.failures) {
		return 0
	}
	return s.failures[kind].Load()
}

// AddOnClose registers an additional callback to run when the session closes.
//
// It is safe to call multiple times. If the session is already closed, fn is
// invoked synchronously.
func (s *Session) AddOnClose(fn func()) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}

	prev := s.onClose
	s.onClose = func() {
		if prev != nil {
			prev()
		}
		fn()
	}
	s.mu.Unlock()
}

// Close ends the session. The channel, the queue and the endpoint are closed
// exactly once, then close callbacks run.
func (s *Session) Close() {
	s.closeWith(websocket.CloseNormalClosure, "")
}

func (s *Session) closeWith(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	onClose := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	_ = s.channel.Close()
	s.queue.Close()
	if ws, ok := s.endpoint.(*wsEndpoint); ok {
		_ = ws.closeWithCode(code, reason)
	} else {
		_ = s.endpoint.Close()
	}

	if onClose != nil {
		onClose()
	}
}

// Run pumps messages in both directions until the session ends. It returns
// nil for orderly endings (client close, Close, ctx cancellation, idle
// timeout).
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer s.Close()
		return s.outbound()
	})
	g.Go(func() error {
		defer s.Close()
		return s.inbound()
	})
	g.Go(func() error {
		defer s.Close()
		return s.writeLoop()
	})
	if ka, ok := s.endpoint.(keepaliver); ok {
		g.Go(func() error {
			defer s.Close()
			return ka.keepalive(s.done)
		})
	}
	g.Go(func() error {
		return s.watch(gctx)
	})

	err := g.Wait()
	s.Close()
	if isNormalClosure(err) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// watch ends the session when ctx is cancelled or the session goes idle.
func (s *Session) watch(ctx context.Context) error {
	var tick <-chan time.Time
	if s.cfg.IdleTimeout > 0 {
		interval := s.cfg.IdleTimeout / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			s.closeWith(websocket.CloseGoingAway, "server shutting down")
			return nil
		case now := <-tick:
			if s.idleFor(now) >= s.cfg.IdleTimeout {
				s.metrics.Inc(metrics.SIPWSIdleTimeouts)
				s.log.Info("sip_ws_idle_timeout", "idle_timeout", s.cfg.IdleTimeout)
				s.closeWith(websocket.CloseGoingAway, "idle timeout")
				return nil
			}
		}
	}
}

// outbound forwards client messages to the upstream, rewriting Via and
// Contact to this session's datagram address.
func (s *Session) outbound() error {
	for {
		msg, err := s.endpoint.ReadMessage()
		if err != nil {
			if s.Closed() {
				return nil
			}
			return err
		}
		s.touch()
		s.metrics.Inc(metrics.SIPWSMessagesIn)

		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.Inc(metrics.SIPWSDroppedRateLimit)
			continue
		}

		host, port, ok := s.channel.AdvertisedAddr()
		if !ok {
			s.fail(newError(KindRewrite, "rewrite headers", errors.New("local address not routable")))
			continue
		}
		out, n := sipmsg.RewriteCount(string(msg), host, port)
		s.metrics.Add(metrics.SIPHeadersRewritten, uint64(n))

		if err := s.channel.Send([]byte(out)); err != nil {
			if s.channel.Closed() {
				return nil
			}
			s.fail(err)
			continue
		}
		s.msgsUp.Add(1)
		s.bytesUp.Add(uint64(len(out)))
		s.metrics.Inc(metrics.UDPDatagramsOut)
		s.logMessage("sip_to_upstream", out, n)
	}
}

// inbound reads upstream datagrams and queues them for the client.
func (s *Session) inbound() error {
	buf := make([]byte, s.cfg.MaxMessageBytes+1)
	for {
		n, err := s.channel.Receive(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.Closed() {
				return nil
			}
			// Transient, e.g. ICMP port unreachable on a connected socket.
			s.log.Debug("udp_receive_error", "err", err)
			continue
		}
		s.touch()
		s.metrics.Inc(metrics.UDPDatagramsIn)

		data := buf[:n]
		if n > s.cfg.MaxMessageBytes {
			s.fail(newError(KindDecode, "decode datagram", errors.New("datagram exceeds max message size")))
			continue
		}
		if sipmsg.IsKeepalive(data) {
			s.metrics.Inc(metrics.UDPKeepalivesIn)
			continue
		}
		if !sipmsg.ValidStartLine(data) {
			s.fail(newError(KindDecode, "decode datagram", errors.New("not a sip message")))
			continue
		}

		msg := make([]byte, n)
		copy(msg, data)
		_ = s.queue.Enqueue(msg)
	}
}

// writeLoop delivers queued datagrams to the client, verbatim and in order.
func (s *Session) writeLoop() error {
	for {
		msg, ok := s.queue.Dequeue()
		if !ok || s.Closed() {
			return nil
		}
		if err := s.endpoint.WriteMessage(msg); err != nil {
			if s.Closed() {
				return nil
			}
			return err
		}
		s.msgsDown.Add(1)
		s.bytesDown.Add(uint64(len(msg)))
		s.metrics.Inc(metrics.SIPWSMessagesOut)
		s.logMessage("sip_to_client", string(msg), 0)
	}
}

func (s *Session) fail(err error) {
	kind := KindOf(err)
	if kind >= 0 && int(kind) < len(s.failures) {
		s.failures[kind].Add(1)
	}
	switch kind {
	case KindSend:
		s.metrics.Inc(metrics.UDPSendErrors)
	case KindDecode:
		s.metrics.Inc(metrics.UDPDroppedDecode)
	case KindRewrite:
		s.metrics.Inc(metrics.SIPRewriteFailures)
	}
	s.log.Warn("sip_relay_error", "kind", kind.String(), "err", err)
}

func (s *Session) logMessage(event, msg string, rewritten int) {
	if !s.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := []any{"bytes", len(msg), "start_line", sipmsg.StartLine(msg)}
	if rewritten > 0 {
		attrs = append(attrs, "headers_rewritten", rewritten)
	}
	if sum, err := sipmsg.Summarize([]byte(msg)); err == nil {
		attrs = append(attrs, "call_id", sum.CallID, "cseq", sum.CSeq)
	}
	s.log.Debug(event, attrs...)
}
