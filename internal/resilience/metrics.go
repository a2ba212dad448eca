package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the dispatcher's prometheus instruments.
type Metrics struct {
	attempts     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	fallbacks    *prometheus.CounterVec
}

// NewMetrics registers the dispatcher instruments on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payment_engine",
			Subsystem: "dispatcher",
			Name:      "attempts_total",
			Help:      "Downstream call attempts by service, tenant and outcome",
		}, []string{"service", "tenant", "outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "payment_engine",
			Subsystem: "dispatcher",
			Name:      "attempt_duration_seconds",
			Help:      "Downstream attempt latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"service", "tenant"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "payment_engine",
			Subsystem: "dispatcher",
			Name:      "circuit_state",
			Help:      "Circuit state per key: 0 closed, 1 half-open, 2 open",
		}, []string{"key"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payment_engine",
			Subsystem: "dispatcher",
			Name:      "fallbacks_total",
			Help:      "Fallback activations by service, tenant and policy",
		}, []string{"service", "tenant", "policy"}),
	}
}

func (m *Metrics) observeAttempt(service, tenant, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(service, tenant, outcome).Inc()
	m.latency.WithLabelValues(service, tenant).Observe(seconds)
}

func (m *Metrics) observeState(key string, state BreakerState) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(key).Set(v)
}

func (m *Metrics) observeFallback(service, tenant string, policy FallbackPolicy) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(service, tenant, string(policy)).Inc()
}
