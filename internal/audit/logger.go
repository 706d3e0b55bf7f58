// Package audit records security-relevant operations as structured JSON
// lines: token lifecycle, auto-applied file mutations, and guard
// rejections. Audit output is append-only and separate from the normal
// log stream so it can be shipped or retained independently.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpTokenCreate  Operation = "token.create"
	OpTokenRevoke  Operation = "token.revoke"
	OpChangeApply  Operation = "change.apply"
	OpChangeReject Operation = "change.reject"
	OpCheckpoint   Operation = "execution.checkpoint"
)

// Event represents an audit log entry
type Event struct {
	Timestamp   time.Time      `json:"timestamp"`
	Operation   Operation      `json:"operation"`
	TokenID     string         `json:"token_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Logger appends audit events as JSON lines.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	enabled bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates an audit logger writing to stdout.
func New(enabled bool) *Logger {
	return &Logger{out: os.Stdout, enabled: enabled}
}

// NewWriter creates an audit logger writing to w.
func NewWriter(w io.Writer, enabled bool) *Logger {
	return &Logger{out: w, enabled: enabled}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event. Token IDs are masked before writing.
func (l *Logger) Log(event *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.TokenID != "" {
		event.TokenID = maskToken(event.TokenID)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = l.out.Write(append(line, '\n'))
}

func maskToken(tokenID string) string {
	if len(tokenID) <= 12 {
		return "***"
	}
	return tokenID[:8] + "..."
}
