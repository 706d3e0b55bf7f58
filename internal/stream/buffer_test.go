package stream

import (
	"fmt"
	"testing"
)

func TestReplayBufferAppendAndAfter(t *testing.T) {
	buf := NewReplayBuffer("exec-1", 10)

	for i := 0; i < 5; i++ {
		idx := buf.Append(NewContentChunk(fmt.Sprintf("chunk-%d", i)))
		if idx != i {
			t.Fatalf("Append #%d returned index %d, want %d", i, idx, i)
		}
	}

	all, err := buf.After(-1)
	if err != nil {
		t.Fatalf("After(-1) error: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("After(-1) returned %d events, want 5", len(all))
	}

	tail, err := buf.After(2)
	if err != nil {
		t.Fatalf("After(2) error: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("After(2) returned %d events, want 2", len(tail))
	}
	if tail[0].Index != 3 || tail[1].Index != 4 {
		t.Errorf("After(2) indices = %d, %d, want 3, 4", tail[0].Index, tail[1].Index)
	}

	if got := buf.LastIndex(); got != 4 {
		t.Errorf("LastIndex() = %d, want 4", got)
	}
}

func TestReplayBufferCaughtUp(t *testing.T) {
	buf := NewReplayBuffer("exec-1", 10)
	buf.Append(NewDone())

	events, err := buf.After(0)
	if err != nil {
		t.Fatalf("After(0) error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("After(last) returned %d events, want 0", len(events))
	}
}

func TestReplayBufferOverflowPurges(t *testing.T) {
	buf := NewReplayBuffer("exec-1", 3)

	for i := 0; i < 6; i++ {
		buf.Append(NewContentChunk(fmt.Sprintf("chunk-%d", i)))
	}

	if got := buf.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	if got := buf.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}

	// Indices keep climbing past the ring boundary.
	if got := buf.LastIndex(); got != 5 {
		t.Errorf("LastIndex() = %d, want 5", got)
	}

	if _, err := buf.After(0); err == nil {
		t.Error("After(purged index) error = nil, want purge error")
	}

	tail, err := buf.After(3)
	if err != nil {
		t.Fatalf("After(3) error: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("After(3) returned %d events, want 2", len(tail))
	}
}

func TestReplayBufferEmpty(t *testing.T) {
	buf := NewReplayBuffer("exec-1", 10)

	if got := buf.LastIndex(); got != -1 {
		t.Errorf("LastIndex() on empty buffer = %d, want -1", got)
	}
	events, err := buf.After(-1)
	if err != nil {
		t.Fatalf("After(-1) error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("After(-1) on empty buffer = %d events, want 0", len(events))
	}
}
