package stream

import (
	"encoding/json"
	"testing"
)

func TestEventCriticality(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{"thinking is droppable", NewThinking("p", "l", "d"), false},
		{"reasoning is droppable", NewReasoning("agent", "text"), false},
		{"content_chunk is critical", NewContentChunk("x"), true},
		{"tool_call is critical", NewToolCall("read", "t1", nil), true},
		{"tool_result is critical", NewToolResult("read", "t1", "ok", false), true},
		{"context_stats is critical", NewContextStats(1, 2, 3), true},
		{"execution_outcome is critical", NewExecutionOutcome("applied", nil, nil, ""), true},
		{"checkpointed is critical", NewCheckpointed("e1", "c1"), true},
		{"active_model is critical", NewActiveModel("gpt-4o"), true},
		{"rate_limited is critical", NewRateLimited("gpt-4o", "gemini-pro"), true},
		{"error is critical", NewError("UNKNOWN", "boom"), true},
		{"done is critical", NewDone(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := critical(tt.ev); got != tt.want {
				t.Errorf("critical(%s) = %v, want %v", tt.ev.Kind(), got, tt.want)
			}
		})
	}
}

func TestEventPayloadCarriesType(t *testing.T) {
	events := []Event{
		NewThinking("p", "l", "d"),
		NewContentChunk("x"),
		NewReasoning("agent", "text"),
		NewToolCall("read", "t1", map[string]any{"path": "a.go"}),
		NewToolResult("read", "t1", "ok", false),
		NewContextStats(1, 2, 3),
		NewExecutionOutcome("applied", []string{"a.go"}, nil, "done"),
		NewCheckpointed("e1", "c1"),
		NewActiveModel("gpt-4o"),
		NewRateLimited("gpt-4o", "gemini-pro"),
		NewError("TIMEOUT", "took too long"),
		NewDone(),
	}

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal %s: %v", ev.Kind(), err)
		}
		var decoded struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal %s: %v", ev.Kind(), err)
		}
		if decoded.Type != string(ev.Kind()) {
			t.Errorf("payload type = %q, want %q", decoded.Type, ev.Kind())
		}
	}
}

type bogusEvent struct{}

func (bogusEvent) Kind() Kind { return Kind("bogus") }

func TestValidateKindRejectsUnknown(t *testing.T) {
	if err := validateKind(bogusEvent{}); err == nil {
		t.Error("validateKind(bogus) = nil, want error")
	}
	if err := validateKind(NewDone()); err != nil {
		t.Errorf("validateKind(done) = %v, want nil", err)
	}
}
