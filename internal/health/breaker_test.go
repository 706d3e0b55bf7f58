package health

import (
	"context"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if got := cb.GetState(); got != StateClosed {
			t.Fatalf("after %d failures state = %v, want %v", i+1, got, StateClosed)
		}
	}

	cb.RecordFailure()
	if got := cb.GetState(); got != StateOpen {
		t.Errorf("after threshold failures state = %v, want %v", got, StateOpen)
	}
	if cb.Allow() {
		t.Error("Allow() = true for open circuit, want false")
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()

	if cb.Allow() {
		t.Fatal("Allow() = true immediately after opening, want false")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("Allow() = false past reset timeout, want true (half-open probe)")
	}
	if got := cb.GetState(); got != StateHalfOpen {
		t.Errorf("state after probe admitted = %v, want %v", got, StateHalfOpen)
	}

	cb.RecordSuccess()
	if got := cb.GetState(); got != StateClosed {
		t.Errorf("state after successful probe = %v, want %v", got, StateClosed)
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("probe not admitted")
	}

	cb.RecordFailure()
	if got := cb.GetState(); got != StateOpen {
		t.Errorf("state after failed probe = %v, want %v", got, StateOpen)
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	if got := cb.GetState(); got != StateClosed {
		t.Errorf("state = %v, want %v (success should reset the count)", got, StateClosed)
	}
}

func TestRegistryIsolatesProviders(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(1, time.Minute)

	r.RecordFailure("openai")

	if !r.IsOpen(ctx, "openai") {
		t.Error("IsOpen(openai) = false after failure threshold, want true")
	}
	if r.IsOpen(ctx, "anthropic") {
		t.Error("IsOpen(anthropic) = true, want false (breakers must be per-provider)")
	}

	r.RecordSuccess("openai")
}

func TestProviderOf(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4", "anthropic"},
		{"gpt-4o", "openai"},
		{"o3-mini", "openai"},
		{"gemini-pro", "google"},
		{"llama3.1", "ollama"},
		{"qwen2.5-coder", "ollama"},
		{"mistral-large", "mistral"},
		{"ollama/llama3", "ollama"},
		{"anthropic/claude-sonnet-4", "anthropic"},
		{"SomethingElse", "somethingelse"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := ProviderOf(tt.model); got != tt.want {
				t.Errorf("ProviderOf(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}
}
