// Package executor provides the agent executor abstraction layer.
//
// types.go - Shared types for executor invocation
//
// This file contains:
// - ErrorCode taxonomy for executor failures
// - Request for execution parameters
// - Result and ChangeRecord for executor output
//
// Result is a normalized shape that every executor implementation must
// produce. The driver only ever inspects this shape; the reasoning and
// tool use that produced it are opaque.
package executor

// ErrorCode classifies an executor failure.
type ErrorCode string

const (
	// Transient codes the driver retries transparently.
	CodeModelUnavailable ErrorCode = "MODEL_UNAVAILABLE"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeContextTooLarge  ErrorCode = "CONTEXT_TOO_LARGE"

	// Terminal codes surfaced to the caller as-is.
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeUnknown       ErrorCode = "UNKNOWN"
)

// Retryable reports whether the code triggers a model fallback attempt.
func (c ErrorCode) Retryable() bool {
	return c == CodeModelUnavailable || c == CodeRateLimited
}

// Error is a structured executor failure.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	AgentType string    `json:"agentType,omitempty"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Request contains parameters for one executor invocation.
type Request struct {
	// Required
	ExecutionID string
	Prompt      string
	Model       string

	// Session identity
	SessionID string
	ProjectID string
	UserID    string

	// Interaction shape
	IntentMode     string
	History        []HistoryTurn
	ActiveFilePath string
	ExplicitFiles  []string
	OpenTabs       []string
	SubagentCount  int

	// Mode flags
	Async bool // Force checkpointed/background execution
}

// HistoryTurn is one prior conversation turn.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChangeRecord is a file mutation proposed by the executor.
type ChangeRecord struct {
	FilePath        string `json:"filePath"`
	FileID          string `json:"fileId,omitempty"`
	OriginalContent string `json:"originalContent,omitempty"`
	ProposedContent string `json:"proposedContent"`
	Reasoning       string `json:"reasoning,omitempty"`
}

// Usage records token and latency accounting for one invocation.
type Usage struct {
	InputTokens       int64         `json:"inputTokens"`
	OutputTokens      int64         `json:"outputTokens"`
	FirstTokenLatency int64         `json:"firstTokenLatencyMs,omitempty"`
	DurationMs        int64         `json:"durationMs,omitempty"`
	Model             string        `json:"model,omitempty"`
}

// Result is the normalized output of one executor invocation. A retry
// produces a new, independent Result that replaces the prior one.
type Result struct {
	Success bool   `json:"success"`
	Err     *Error `json:"error,omitempty"`

	Changes            []ChangeRecord `json:"changes,omitempty"`
	Analysis           string         `json:"analysis,omitempty"`
	Usage              *Usage         `json:"usage,omitempty"`
	NeedsClarification bool           `json:"needsClarification,omitempty"`
	DirectStreamed     bool           `json:"directStreamed,omitempty"`
	PMUsedTools        bool           `json:"pmUsedTools,omitempty"`
	Checkpointed       bool           `json:"checkpointed,omitempty"`
	CheckpointID       string         `json:"checkpointId,omitempty"`
	FailureReason      string         `json:"failureReason,omitempty"`
	ValidationIssues   []string       `json:"validationIssues,omitempty"`
	RolledBack         bool           `json:"rolledBack,omitempty"`
}
