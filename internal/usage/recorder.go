// Package usage records token and latency telemetry for completed
// executions. Recording is fire-and-forget: it never blocks or fails the
// user-visible stream.
package usage

import (
	"time"

	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/metrics"
)

// Record is the telemetry for one terminal execution.
type Record struct {
	ExecutionID string
	ProjectID   string
	UserID      string
	Outcome     string
	Usage       executor.Usage
	Duration    time.Duration
}

// MetricsSink consumes usage records. Process-wide, already-synchronized;
// injected so the driver stays a pure function of its inputs.
type MetricsSink interface {
	Record(rec Record)
}

// PrometheusSink writes records into the process metrics registry.
type PrometheusSink struct{}

func (PrometheusSink) Record(rec Record) {
	metrics.ExecutionsTotal.WithLabelValues(rec.Outcome).Inc()
	metrics.ExecutionDuration.WithLabelValues(rec.Outcome).Observe(rec.Duration.Seconds())
	if rec.Usage.Model != "" {
		metrics.TokensUsed.WithLabelValues("input", rec.Usage.Model).Add(float64(rec.Usage.InputTokens))
		metrics.TokensUsed.WithLabelValues("output", rec.Usage.Model).Add(float64(rec.Usage.OutputTokens))
	}
	if rec.Usage.FirstTokenLatency > 0 {
		metrics.FirstTokenLatency.Observe(float64(rec.Usage.FirstTokenLatency) / 1000.0)
	}
}

// RecordAsync dispatches the record on its own goroutine. Panics in the
// sink are swallowed and logged; telemetry must never take down a stream.
func RecordAsync(sink MetricsSink, rec Record) {
	if sink == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("usage recording panicked", "panic", r, "execution_id", rec.ExecutionID)
			}
		}()
		sink.Record(rec)
	}()
}
