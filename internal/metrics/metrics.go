package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/plexsphere/relayd/internal/trust"
)

// Metrics holds the relayd collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	sessionDuration  prometheus.Histogram
	bytesTotal       *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	handshakesTotal  *prometheus.CounterVec
	registrySessions prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_sessions_active",
			Help: "Forwarding sessions currently streaming",
		}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_sessions_total",
			Help: "Forwarding sessions started, by topology",
		}, []string{"topology"}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relayd_session_duration_seconds",
			Help:    "Forwarding session lifetime",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 20),
		}),
		bytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_bytes_total",
			Help: "Bytes relayed, by direction",
		}, []string{"direction"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_errors_total",
			Help: "Per-connection errors, by kind",
		}, []string{"kind"}),
		handshakesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_handshakes_total",
			Help: "TLS handshakes, by side and result",
		}, []string{"side", "result"}),
		registrySessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_registry_sessions",
			Help: "Sessions listed by the session registry",
		}),
	}
}

// SessionStarted records a session entering the streaming state.
func (m *Metrics) SessionStarted(topology string) {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.WithLabelValues(topology).Inc()
}

// SessionEnded records the end of a session started with SessionStarted.
func (m *Metrics) SessionEnded(_ string, d time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionDuration.Observe(d.Seconds())
}

// Bytes adds n relayed bytes in direction.
func (m *Metrics) Bytes(direction string, n int) {
	if m == nil {
		return
	}
	m.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// Error counts one per-connection error of kind.
func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// Handshake counts one TLS handshake on side ("client" or "server").
func (m *Metrics) Handshake(side string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, trust.ErrRejected):
		result = "rejected"
	default:
		result = "failed"
	}
	m.handshakesTotal.WithLabelValues(side, result).Inc()
}

// SetRegistrySessions records the session count reported by the registry.
func (m *Metrics) SetRegistrySessions(n int) {
	if m == nil {
		return
	}
	m.registrySessions.Set(float64(n))
}
