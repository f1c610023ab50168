package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aero_sip_ws_relay"

// Event names. Every name is exported as a value of the `event` label of
// aero_sip_ws_relay_events_total.
const (
	SIPWSConnections      = "sip_ws_connections"
	SIPWSRejectedFull     = "sip_ws_rejected_too_many_sessions"
	SIPWSRejectedOrigin   = "sip_ws_rejected_origin"
	SIPWSMessagesIn       = "sip_ws_messages_in"
	SIPWSMessagesOut      = "sip_ws_messages_out"
	SIPWSDroppedRateLimit = "sip_ws_dropped_rate_limited"
	SIPWSDroppedBackpress = "sip_ws_dropped_backpressure"
	SIPWSIdleTimeouts     = "sip_ws_idle_timeouts"
	SIPHeadersRewritten   = "sip_headers_rewritten"
	SIPRewriteFailures    = "sip_rewrite_failures"
	UDPDatagramsOut       = "udp_datagrams_out"
	UDPDatagramsIn        = "udp_datagrams_in"
	UDPSendErrors         = "udp_send_errors"
	UDPDroppedDecode      = "udp_dropped_decode"
	UDPKeepalivesIn       = "udp_keepalives_in"
	BindFailures          = "bind_failures"
	ResolveFailures       = "resolve_failures"
	JanusRequests         = "janus_requests"
	JanusErrors           = "janus_errors"
	ConfigRequests        = "config_requests"
	AuthFailure           = "auth_failure"
	AccountFetchErrors    = "account_fetch_errors"
	AccountCacheHits      = "account_cache_hits"
	TURNCredentialsIssued = "turn_credentials_issued"
)

// Metrics is a concurrency-safe counter registry backed by a private
// Prometheus registry.
//
// A nil *Metrics is valid and drops every update, so components can be built
// without metrics in tests.
type Metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec
	active prometheus.Gauge

	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Internal event counters.",
		}, []string{"event"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live SIP WebSocket sessions.",
		}),
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
	m.events.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// SetActiveSessions records the current number of live sessions.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

// Registry exposes the underlying Prometheus registry, e.g. for adding Go
// runtime collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}
