// Package stream owns the outbound event channel of one session: typed
// SSE events, their encoding, the backpressure drop policy, and the
// heartbeat that keeps idle connections alive.
package stream

import "fmt"

// Kind discriminates event payloads on the wire.
type Kind string

const (
	KindThinking         Kind = "thinking"
	KindContentChunk     Kind = "content_chunk"
	KindReasoning        Kind = "reasoning"
	KindToolCall         Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
	KindChangePreview    Kind = "change_preview"
	KindContextStats     Kind = "context_stats"
	KindExecutionOutcome Kind = "execution_outcome"
	KindCheckpointed     Kind = "checkpointed"
	KindActiveModel      Kind = "active_model"
	KindRateLimited      Kind = "rate_limited"
	KindError            Kind = "error"
	KindDone             Kind = "done"
)

// Event is one member of the closed event union. Concrete types carry
// their payload fields; the encoder matches exhaustively so a new kind
// is a compile-visible addition.
type Event interface {
	Kind() Kind
}

// Thinking is a low-priority progress note. Droppable under backpressure.
type Thinking struct {
	Type   Kind   `json:"type"`
	Phase  string `json:"phase"`
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

func NewThinking(phase, label, detail string) Thinking {
	return Thinking{Type: KindThinking, Phase: phase, Label: label, Detail: detail}
}

func (Thinking) Kind() Kind { return KindThinking }

// ContentChunk is a fragment of user-visible model output.
type ContentChunk struct {
	Type  Kind   `json:"type"`
	Chunk string `json:"chunk"`
}

func NewContentChunk(chunk string) ContentChunk {
	return ContentChunk{Type: KindContentChunk, Chunk: chunk}
}

func (ContentChunk) Kind() Kind { return KindContentChunk }

// Reasoning is intermediate reasoning text from a named agent.
// Droppable under backpressure.
type Reasoning struct {
	Type  Kind   `json:"type"`
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

func NewReasoning(agent, text string) Reasoning {
	return Reasoning{Type: KindReasoning, Agent: agent, Text: text}
}

func (Reasoning) Kind() Kind { return KindReasoning }

// ToolCall reports the start of a tool invocation.
type ToolCall struct {
	Type Kind           `json:"type"`
	Name string         `json:"name"`
	ID   string         `json:"id"`
	Args map[string]any `json:"args,omitempty"`
}

func NewToolCall(name, id string, args map[string]any) ToolCall {
	return ToolCall{Type: KindToolCall, Name: name, ID: id, Args: args}
}

func (ToolCall) Kind() Kind { return KindToolCall }

// ToolResult reports the completion of a tool invocation.
type ToolResult struct {
	Type    Kind   `json:"type"`
	Name    string `json:"name"`
	ID      string `json:"id"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

func NewToolResult(name, id, output string, isError bool) ToolResult {
	return ToolResult{Type: KindToolResult, Name: name, ID: id, Output: output, IsError: isError}
}

func (ToolResult) Kind() Kind { return KindToolResult }

// PreviewChange is one entry of a ChangePreview payload.
type PreviewChange struct {
	FilePath string `json:"filePath"`
	FileID   string `json:"fileId,omitempty"`
	Status   string `json:"status"` // applied | skipped | rejected | proposed
	Reason   string `json:"reason,omitempty"`
	Added    int    `json:"linesAdded,omitempty"`
	Removed  int    `json:"linesRemoved,omitempty"`
}

// ChangePreview carries the per-file outcome of proposed mutations.
type ChangePreview struct {
	Type        Kind            `json:"type"`
	ExecutionID string          `json:"executionId"`
	Changes     []PreviewChange `json:"changes"`
}

func NewChangePreview(executionID string, changes []PreviewChange) ChangePreview {
	return ChangePreview{Type: KindChangePreview, ExecutionID: executionID, Changes: changes}
}

func (ChangePreview) Kind() Kind { return KindChangePreview }

// ContextStats reports how much project context was loaded.
type ContextStats struct {
	Type         Kind `json:"type"`
	LoadedFiles  int  `json:"loadedFiles"`
	LoadedTokens int  `json:"loadedTokens"`
	TotalFiles   int  `json:"totalFiles"`
}

func NewContextStats(loadedFiles, loadedTokens, totalFiles int) ContextStats {
	return ContextStats{Type: KindContextStats, LoadedFiles: loadedFiles, LoadedTokens: loadedTokens, TotalFiles: totalFiles}
}

func (ContextStats) Kind() Kind { return KindContextStats }

// ExecutionOutcome is the terminal classification of one execution.
type ExecutionOutcome struct {
	Type         Kind     `json:"type"`
	Outcome      string   `json:"outcome"`
	ChangedFiles []string `json:"changedFiles,omitempty"`
	BlockedFiles []string `json:"blockedFiles,omitempty"`
	Analysis     string   `json:"analysis,omitempty"`
}

func NewExecutionOutcome(outcome string, changed, blocked []string, analysis string) ExecutionOutcome {
	return ExecutionOutcome{Type: KindExecutionOutcome, Outcome: outcome, ChangedFiles: changed, BlockedFiles: blocked, Analysis: analysis}
}

func (ExecutionOutcome) Kind() Kind { return KindExecutionOutcome }

// Checkpointed signals the execution was handed off to a background
// worker under the same execution ID.
type Checkpointed struct {
	Type         Kind   `json:"type"`
	ExecutionID  string `json:"executionId"`
	CheckpointID string `json:"checkpointId,omitempty"`
}

func NewCheckpointed(executionID, checkpointID string) Checkpointed {
	return Checkpointed{Type: KindCheckpointed, ExecutionID: executionID, CheckpointID: checkpointID}
}

func (Checkpointed) Kind() Kind { return KindCheckpointed }

// ActiveModel announces which model the next invocation will use.
type ActiveModel struct {
	Type  Kind   `json:"type"`
	Model string `json:"model"`
}

func NewActiveModel(model string) ActiveModel {
	return ActiveModel{Type: KindActiveModel, Model: model}
}

func (ActiveModel) Kind() Kind { return KindActiveModel }

// RateLimited announces a transparent switch away from a throttled model.
type RateLimited struct {
	Type          Kind   `json:"type"`
	OriginalModel string `json:"originalModel"`
	FallbackModel string `json:"fallbackModel"`
}

func NewRateLimited(original, fallback string) RateLimited {
	return RateLimited{Type: KindRateLimited, OriginalModel: original, FallbackModel: fallback}
}

func (RateLimited) Kind() Kind { return KindRateLimited }

// Error is a terminal, structured failure frame.
type Error struct {
	Type    Kind   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, message string) Error {
	return Error{Type: KindError, Code: code, Message: message}
}

func (Error) Kind() Kind { return KindError }

// Done is the terminal sentinel frame.
type Done struct {
	Type Kind `json:"type"`
}

func NewDone() Done { return Done{Type: KindDone} }

func (Done) Kind() Kind { return KindDone }

// critical reports whether an event may never be dropped by the
// backpressure policy. The switch is exhaustive over the union; an
// unknown kind is treated as critical and flagged by the encoder.
func critical(ev Event) bool {
	switch ev.(type) {
	case Thinking, Reasoning:
		return false
	case ContentChunk, ToolCall, ToolResult, ChangePreview, ContextStats,
		ExecutionOutcome, Checkpointed, ActiveModel, RateLimited, Error, Done:
		return true
	default:
		return true
	}
}

// validateKind rejects events outside the closed union.
func validateKind(ev Event) error {
	switch ev.(type) {
	case Thinking, ContentChunk, Reasoning, ToolCall, ToolResult,
		ChangePreview, ContextStats, ExecutionOutcome, Checkpointed,
		ActiveModel, RateLimited, Error, Done:
		return nil
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind())
	}
}
