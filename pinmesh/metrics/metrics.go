// Package metrics defines the Prometheus collectors of a pinmesh node.
//
// A nil *Metrics is valid and records nothing, so packages can call it
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pinmesh"

// Handshake results.
const (
	ResultOK        = "ok"
	ResultUntrusted = "untrusted"
	ResultTimeout   = "timeout"
	ResultError     = "error"
)

type Metrics struct {
	Handshakes        *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	StreamsOpened     *prometheus.CounterVec
	OversizeFrames    prometheus.Counter
	KeepaliveTimeouts prometheus.Counter
	DialAttempts      *prometheus.CounterVec
	DuplicateSessions prometheus.Counter
	RateLimited       prometheus.Counter
	Envelopes         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed session handshakes by role and result.",
		}, []string{"role", "result"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Established sessions.",
		}),
		StreamsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Application streams by kind and direction.",
		}, []string{"kind", "direction"}),
		OversizeFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_oversize_total",
			Help:      "Frames rejected for exceeding the frame size bound.",
		}),
		KeepaliveTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_timeouts_total",
			Help:      "Sessions closed after missed pongs.",
		}),
		DialAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Outbound dial attempts by result.",
		}, []string{"result"}),
		DuplicateSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_duplicate_total",
			Help:      "Sessions closed by the simultaneous-dial tie-break.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_rate_limited_total",
			Help:      "Inbound connections refused by the per-address rate limit.",
		}),
		Envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Envelope operations by operation and result.",
		}, []string{"op", "result"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Handshakes, m.ActiveSessions, m.StreamsOpened, m.OversizeFrames,
		m.KeepaliveTimeouts, m.DialAttempts, m.DuplicateSessions, m.RateLimited, m.Envelopes,
	}
}

func (m *Metrics) Handshake(role, result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(role, result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) StreamOpened(kind, direction string) {
	if m == nil {
		return
	}
	m.StreamsOpened.WithLabelValues(kind, direction).Inc()
}

func (m *Metrics) OversizeFrame() {
	if m == nil {
		return
	}
	m.OversizeFrames.Inc()
}

func (m *Metrics) KeepaliveTimeout() {
	if m == nil {
		return
	}
	m.KeepaliveTimeouts.Inc()
}

func (m *Metrics) DialAttempt(result string) {
	if m == nil {
		return
	}
	m.DialAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) DuplicateSession() {
	if m == nil {
		return
	}
	m.DuplicateSessions.Inc()
}

func (m *Metrics) RateLimit() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) Envelope(op, result string) {
	if m == nil {
		return
	}
	m.Envelopes.WithLabelValues(op, result).Inc()
}
