package executor

import "sync"

// UsageAccumulator aggregates usage records across the calls one executor
// instance makes. Value-scoped per attempt: each fallback attempt gets a
// fresh accumulator so per-attempt accounting stays isolated.
type UsageAccumulator struct {
	mu    sync.Mutex
	total Usage
}

// Add folds one usage record into the accumulator.
func (a *UsageAccumulator) Add(u Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total.InputTokens += u.InputTokens
	a.total.OutputTokens += u.OutputTokens
	a.total.DurationMs += u.DurationMs
	if a.total.FirstTokenLatency == 0 {
		a.total.FirstTokenLatency = u.FirstTokenLatency
	}
	if u.Model != "" {
		a.total.Model = u.Model
	}
}

// Total returns a snapshot of the accumulated usage.
func (a *UsageAccumulator) Total() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Merge sums two usage records. Used when aggregating across fallback
// attempts; first-token latency keeps the earliest non-zero value.
func Merge(a, b Usage) Usage {
	out := a
	out.InputTokens += b.InputTokens
	out.OutputTokens += b.OutputTokens
	out.DurationMs += b.DurationMs
	if out.FirstTokenLatency == 0 {
		out.FirstTokenLatency = b.FirstTokenLatency
	}
	if b.Model != "" {
		out.Model = b.Model
	}
	return out
}
