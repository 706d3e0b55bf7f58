package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/metrics"
)

const (
	// HighWaterMark is the pending-byte threshold beyond which
	// non-critical events are shed.
	HighWaterMark = 64 * 1024

	// HeartbeatInterval keeps caller-side inactivity watchdogs quiet
	// during long upstream calls.
	HeartbeatInterval = 45 * time.Second
)

// Sink is the outbound byte sink of one session. The HTTP transport
// implements it over http.ResponseWriter + http.Flusher; tests implement
// it in memory.
type Sink interface {
	// Write appends bytes to the sink.
	Write(p []byte) (int, error)

	// Flush pushes buffered bytes toward the client. It returns false
	// when the sink could not drain (client not keeping up).
	Flush() bool
}

// Emitter serializes events onto one session's sink. It owns the
// backpressure byte counter and the heartbeat timer; both are local to
// the session.
type Emitter struct {
	sessionID string

	mu      sync.Mutex
	sink    Sink
	pending int
	closed  bool

	heartbeatStop chan struct{}
	heartbeatOnce sync.Once
	closeOnce     sync.Once
}

// NewEmitter wraps the sink for one session.
func NewEmitter(sessionID string, sink Sink) *Emitter {
	return &Emitter{
		sessionID:     sessionID,
		sink:          sink,
		heartbeatStop: make(chan struct{}),
	}
}

// Emit writes an already-framed payload chunk. Critical: never dropped.
// A write to a closed sink is a no-op, not a fault.
func (e *Emitter) Emit(raw string) {
	e.write([]byte(raw), true, KindContentChunk)
}

// EmitEvent encodes a structured event as an SSE frame. Non-critical
// kinds are silently shed while the sink is over the high-water mark.
func (e *Emitter) EmitEvent(ev Event) {
	if err := validateKind(ev); err != nil {
		logger.Error("refusing to emit event", "error", err)
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("event marshal failed", "kind", ev.Kind(), "error", err)
		return
	}

	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Kind(), data))
	e.write(frame, critical(ev), ev.Kind())
}

func (e *Emitter) write(frame []byte, crit bool, kind Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	if !crit && e.pending > HighWaterMark {
		metrics.EventsDropped.WithLabelValues(string(kind)).Inc()
		return
	}

	e.pending += len(frame)
	if _, err := e.sink.Write(frame); err != nil {
		// Client went away; every later write becomes a no-op.
		e.closed = true
		logger.Debug("sink write failed, closing emitter", "session_id", e.sessionID, "error", err)
		return
	}
	if e.sink.Flush() {
		e.pending = 0
	}
}

// StartHeartbeat begins the periodic keep-alive emission. It runs until
// Close and is safe to call once per emitter.
func (e *Emitter) StartHeartbeat() {
	e.heartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-e.heartbeatStop:
					return
				case <-ticker.C:
					e.EmitEvent(NewThinking("heartbeat", "still working", ""))
				}
			}
		}()
	})
}

// Close stops the heartbeat and marks the sink closed. Idempotent; must
// run on every exit path so the timer cannot outlive the stream.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		close(e.heartbeatStop)
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
	})
}

// Closed reports whether the emitter has stopped accepting writes.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// PendingBytes returns the unflushed byte count.
func (e *Emitter) PendingBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}
