// Package metrics exposes process-wide Prometheus collectors for the
// orchestration core. Counters are shared by every concurrent session.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveStreams tracks currently open event streams
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_active_streams",
			Help: "Number of open event streams",
		},
	)

	// ExecutionsTotal counts terminal execution outcomes
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_executions_total",
			Help: "Total executions by terminal outcome",
		},
		[]string{"outcome"},
	)

	// ExecutionDuration tracks how long executions run end to end
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_execution_duration_seconds",
			Help:    "Execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"},
	)

	// FallbackAttempts counts model fallback switches
	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_fallback_attempts_total",
			Help: "Total model fallback attempts",
		},
		[]string{"from_model", "to_model"},
	)

	// ContextRetries counts context-reduction retries
	ContextRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_context_retries_total",
			Help: "Total context-too-large retries",
		},
	)

	// EventsDropped counts events shed by the backpressure policy
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_events_dropped_total",
			Help: "Total events dropped under backpressure",
		},
		[]string{"kind"},
	)

	// TokensUsed counts tokens by direction and model
	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tokens_used_total",
			Help: "Total tokens consumed",
		},
		[]string{"direction", "model"},
	)

	// FirstTokenLatency tracks time to first content chunk
	FirstTokenLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_first_token_latency_seconds",
			Help:    "Latency to first content chunk",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// ChangesApplied counts persisted file mutations
	ChangesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_changes_applied_total",
			Help: "Total file changes applied",
		},
	)

	// ChangesBlocked counts mutations rejected by the destructive guard
	ChangesBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_changes_blocked_total",
			Help: "Total file changes rejected by the destructive-edit guard",
		},
	)

	// CheckpointsTotal counts executions handed off to the background worker
	CheckpointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_checkpoints_total",
			Help: "Total executions checkpointed for background continuation",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/healthz", "/metrics", "/v1/execute":
		return path
	default:
		if len(path) > 14 && path[:14] == "/v1/executions" {
			return "/v1/executions"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
