package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, true)

	l.Log(&Event{
		Operation:   OpChangeReject,
		ExecutionID: "exec-1",
		ProjectID:   "proj-1",
		Success:     false,
		Details:     map[string]any{"file": "main.go"},
	})

	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("audit line missing newline terminator: %q", line)
	}
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("audit line is not valid JSON: %v", err)
	}
	if ev.Operation != OpChangeReject || ev.ExecutionID != "exec-1" {
		t.Errorf("decoded event = %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not defaulted")
	}
}

func TestLogMasksTokenID(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, true)

	l.Log(&Event{Operation: OpTokenRevoke, TokenID: "loom_abcdef0123456789", Success: true})

	if strings.Contains(buf.String(), "abcdef0123456789") {
		t.Errorf("token ID not masked: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "loom_abc...") {
		t.Errorf("masked prefix missing: %s", buf.String())
	}
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, false)
	l.Log(&Event{Operation: OpChangeApply, Success: true})
	if buf.Len() != 0 {
		t.Errorf("disabled logger wrote %q", buf.String())
	}

	l.SetEnabled(true)
	l.Log(&Event{Operation: OpChangeApply, Success: true})
	if buf.Len() == 0 {
		t.Error("re-enabled logger wrote nothing")
	}
}
