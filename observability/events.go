package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type lifecycleMetrics struct {
	actions *prometheus.CounterVec
}

var (
	lifecycleOnce     sync.Once
	lifecycleRegistry *lifecycleMetrics
)

// Lifecycle returns the metrics registry tracking quote and deal lifecycle
// actions.
func Lifecycle() *lifecycleMetrics {
	lifecycleOnce.Do(func() {
		lifecycleRegistry = &lifecycleMetrics{
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "desk",
				Subsystem: "lifecycle",
				Name:      "actions_total",
				Help:      "Count of quote and deal lifecycle actions.",
			}, []string{"action"}),
		}
		prometheus.MustRegister(lifecycleRegistry.actions)
	})
	return lifecycleRegistry
}

// RecordAction increments the counter for a lifecycle action such as
// "deal.fulfilled" or "quote.approved".
func (m *lifecycleMetrics) RecordAction(action string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(action))
	if normalized == "" {
		normalized = "unknown"
	}
	m.actions.WithLabelValues(normalized).Inc()
}
