package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics
)

// APIMetrics returns the lazily-initialised registry recording desk HTTP API
// activity.
func APIMetrics() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "desk",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total HTTP API requests segmented by route, method and status.",
			}, []string{"route", "method", "status"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "desk",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total HTTP API error responses segmented by route and status.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "desk",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for desk API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
		)
	})
	return apiRegistry
}

// Observe records one request outcome. route should be the matched route
// pattern, not the raw URL, to bound label cardinality.
func (m *apiMetrics) Observe(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	code := strconv.Itoa(status)
	m.requests.WithLabelValues(route, method, code).Inc()
	if status >= http.StatusBadRequest {
		m.errors.WithLabelValues(route, code).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// Instrument measures every request passing through a chi router, labelling by
// the matched route pattern.
func Instrument(next http.Handler) http.Handler {
	metrics := APIMetrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		metrics.Observe(route, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
