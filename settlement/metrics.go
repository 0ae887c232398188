package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks settlement step outcomes and latency.
type Metrics struct {
	steps    *prometheus.CounterVec
	retries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers settlement metrics on reg. A nil registerer yields
// unregistered collectors, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "desk",
			Subsystem: "settlement",
			Name:      "steps_total",
			Help:      "Settlement steps by outcome.",
		}, []string{"step", "outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "desk",
			Subsystem: "settlement",
			Name:      "retries_total",
			Help:      "Transient chain errors retried, by step.",
		}, []string{"step"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "desk",
			Subsystem: "settlement",
			Name:      "step_duration_seconds",
			Help:      "Settlement step latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
	}
}

func (m *Metrics) observe(step string, seconds float64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.steps.WithLabelValues(step, outcome).Inc()
	m.duration.WithLabelValues(step).Observe(seconds)
}

func (m *Metrics) retried(step string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(step).Inc()
}
