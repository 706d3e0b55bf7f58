// Package background continues checkpointed executions outside the
// request lifetime and runs periodic maintenance jobs.
package background

import (
	"sync"

	"github.com/loomworks/loom/internal/stream"
)

// Continuations tracks the replay buffer of every execution that was
// handed off to the background worker. Clients poll these buffers to
// follow progress after their stream ended with a checkpointed frame.
type Continuations struct {
	mu      sync.RWMutex
	buffers map[string]*stream.ReplayBuffer
}

// NewContinuations creates an empty registry.
func NewContinuations() *Continuations {
	return &Continuations{buffers: make(map[string]*stream.ReplayBuffer)}
}

// Buffer returns the replay buffer for an execution, creating it on
// first use.
func (c *Continuations) Buffer(executionID string) *stream.ReplayBuffer {
	c.mu.RLock()
	buf, ok := c.buffers[executionID]
	c.mu.RUnlock()
	if ok {
		return buf
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok = c.buffers[executionID]; ok {
		return buf
	}
	buf = stream.NewReplayBuffer(executionID, stream.DefaultReplayBufferSize)
	c.buffers[executionID] = buf
	return buf
}

// Lookup returns the buffer for an execution, or nil when unknown.
func (c *Continuations) Lookup(executionID string) *stream.ReplayBuffer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buffers[executionID]
}

// Remove drops an execution's buffer.
func (c *Continuations) Remove(executionID string) {
	c.mu.Lock()
	delete(c.buffers, executionID)
	c.mu.Unlock()
}
