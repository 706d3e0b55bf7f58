package stream

import (
	"fmt"
	"sync"
	"time"
)

// DefaultReplayBufferSize bounds per-execution replay memory.
const DefaultReplayBufferSize = 1000

// BufferedEvent wraps an event with metadata for index-based resumption.
type BufferedEvent struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Event     Event     `json:"event"`
}

// ReplayBuffer is a bounded ring of events for one checkpointed
// execution. The SSE stream ends at hand-off; clients poll the buffer to
// follow background progress, resuming from the last index they saw.
//
// Indices are logical and monotonically increasing: when the ring is
// full the oldest event is dropped and startIndex advances, so a client
// that falls too far behind gets an explicit purge error instead of a
// silent gap.
type ReplayBuffer struct {
	executionID string
	events      []*BufferedEvent
	maxSize     int
	startIndex  int
	dropped     int64
	mu          sync.RWMutex
}

// NewReplayBuffer creates a buffer for the given execution.
func NewReplayBuffer(executionID string, maxSize int) *ReplayBuffer {
	if maxSize <= 0 {
		maxSize = DefaultReplayBufferSize
	}
	return &ReplayBuffer{
		executionID: executionID,
		events:      make([]*BufferedEvent, 0, maxSize),
		maxSize:     maxSize,
	}
}

// Append adds an event and returns its logical index.
func (b *ReplayBuffer) Append(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	index := b.startIndex + len(b.events)
	be := &BufferedEvent{Index: index, Timestamp: time.Now(), Event: ev}

	if len(b.events) >= b.maxSize {
		b.events = b.events[1:]
		b.startIndex++
		b.dropped++
	}
	b.events = append(b.events, be)
	return index
}

// After returns events after the given index (exclusive). index -1 means
// all buffered events. Requesting an index before the buffer window
// returns a purge error.
func (b *ReplayBuffer) After(index int) ([]*BufferedEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if index == -1 {
		result := make([]*BufferedEvent, len(b.events))
		copy(result, b.events)
		return result, nil
	}

	if index < b.startIndex-1 {
		return nil, fmt.Errorf("events before index %d have been purged (oldest available: %d)", index, b.startIndex)
	}

	start := index - b.startIndex + 1
	if start < 0 {
		start = 0
	}
	if start >= len(b.events) {
		return []*BufferedEvent{}, nil
	}

	result := make([]*BufferedEvent, len(b.events)-start)
	copy(result, b.events[start:])
	return result, nil
}

// LastIndex returns the index of the newest event, or -1 if empty.
func (b *ReplayBuffer) LastIndex() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return -1
	}
	return b.startIndex + len(b.events) - 1
}

// Len returns the number of buffered events.
func (b *ReplayBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// Dropped returns the count of events lost to ring overflow.
func (b *ReplayBuffer) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// ExecutionID returns the execution this buffer belongs to.
func (b *ReplayBuffer) ExecutionID() string { return b.executionID }
