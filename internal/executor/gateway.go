// gateway.go - HTTP+SSE executor backed by an external agent gateway
//
// The gateway owns models, tools, and sandboxing; this client sends one
// invocation request and normalizes the gateway's SSE frames onto the
// Stream callbacks and the typed Result.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/internal/bundle"
	"github.com/loomworks/loom/internal/logger"
)

// GatewayFactory builds gateway-backed executors. It owns the shared
// HTTP client; each New call returns a fresh executor with its own
// usage accumulator.
type GatewayFactory struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewGatewayFactory creates a factory for the agent gateway at baseURL.
// The timeout bounds one full invocation, not one read.
func NewGatewayFactory(baseURL, apiKey string, timeout time.Duration) *GatewayFactory {
	return &GatewayFactory{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *GatewayFactory) New(model string) AgentExecutor {
	return &gatewayExecutor{factory: f, model: model, usage: &UsageAccumulator{}}
}

type gatewayExecutor struct {
	factory *GatewayFactory
	model   string
	usage   *UsageAccumulator
}

// invokePayload is the gateway invocation request body.
type invokePayload struct {
	ExecutionID   string            `json:"executionId"`
	Prompt        string            `json:"prompt"`
	Model         string            `json:"model"`
	IntentMode    string            `json:"intentMode,omitempty"`
	History       []HistoryTurn     `json:"history,omitempty"`
	Files         []bundle.FileRef  `json:"files,omitempty"`
	FileContents  map[string]string `json:"fileContents,omitempty"`
	Preferences   map[string]string `json:"preferences,omitempty"`
	Memory        string            `json:"memory,omitempty"`
	Diagnostics   string            `json:"diagnostics,omitempty"`
	OpenTabs      []string          `json:"openTabs,omitempty"`
	ActiveFile    string            `json:"activeFile,omitempty"`
	ExplicitFiles []string          `json:"explicitFiles,omitempty"`
	Subagents     int               `json:"subagents,omitempty"`
}

// gatewayFrame is one SSE data payload from the gateway.
type gatewayFrame struct {
	Type string `json:"type"`

	Text  string `json:"text,omitempty"`
	Agent string `json:"agent,omitempty"`

	ToolName string         `json:"toolName,omitempty"`
	ToolID   string         `json:"toolId,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Output   string         `json:"output,omitempty"`
	IsError  bool           `json:"isError,omitempty"`

	Change *ChangeRecord `json:"change,omitempty"`

	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
	Model        string `json:"model,omitempty"`

	CheckpointID       string   `json:"checkpointId,omitempty"`
	Code               string   `json:"code,omitempty"`
	Message            string   `json:"message,omitempty"`
	NeedsClarification bool     `json:"needsClarification,omitempty"`
	UsedTools          bool     `json:"usedTools,omitempty"`
	ValidationIssues   []string `json:"validationIssues,omitempty"`
}

func (e *gatewayExecutor) AccumulatedUsage() Usage {
	return e.usage.Total()
}

// Execute sends the invocation and drains the gateway's event stream.
// An Async request is not sent at all: it is checkpointed immediately
// and the background worker re-executes it synchronously.
func (e *gatewayExecutor) Execute(ctx context.Context, req *Request, bnd *bundle.ContextBundle, stream Stream) (*Result, error) {
	if req.Async {
		return &Result{
			Success:      true,
			Checkpointed: true,
			CheckpointID: uuid.New().String(),
		}, nil
	}

	start := time.Now()
	resp, err := e.send(ctx, req, bnd)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Result{Success: false, Err: e.statusError(resp)}, nil
	}

	result := e.drain(ctx, resp.Body, stream)
	e.usage.Add(Usage{
		Model:      e.model,
		DurationMs: time.Since(start).Milliseconds(),
	})
	return result, nil
}

func (e *gatewayExecutor) send(ctx context.Context, req *Request, bnd *bundle.ContextBundle) (*http.Response, error) {
	var loadedIDs []string
	for _, f := range bnd.Files {
		if f.Loaded {
			loadedIDs = append(loadedIDs, f.FileID)
		}
	}
	contents, err := bnd.LoadContent(ctx, loadedIDs)
	if err != nil {
		logger.WarnContext(ctx, "failed to hydrate file contents", "error", err)
		contents = nil
	}

	payload := invokePayload{
		ExecutionID:   req.ExecutionID,
		Prompt:        req.Prompt,
		Model:         e.model,
		IntentMode:    req.IntentMode,
		History:       req.History,
		Files:         bnd.Files,
		FileContents:  contents,
		Preferences:   bnd.Preferences,
		Memory:        bnd.MemoryContext,
		Diagnostics:   bnd.DiagnosticContext,
		OpenTabs:      bnd.OpenTabs,
		ActiveFile:    req.ActiveFilePath,
		ExplicitFiles: req.ExplicitFiles,
		Subagents:     req.SubagentCount,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invocation: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.factory.baseURL+"/v1/agent/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if e.factory.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.factory.apiKey)
	}
	return e.factory.client.Do(httpReq)
}

// statusError maps a non-200 gateway response onto the error taxonomy.
func (e *gatewayExecutor) statusError(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}

	var code ErrorCode
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		code = CodeRateLimited
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		code = CodeContextTooLarge
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusServiceUnavailable:
		code = CodeModelUnavailable
	case resp.StatusCode >= 500:
		code = CodeProviderError
	default:
		code = CodeUnknown
	}
	return &Error{Code: code, Message: msg}
}

// drain consumes data: frames until done, error, or stream end. A
// stream that ends without a terminal frame is a provider fault.
func (e *gatewayExecutor) drain(ctx context.Context, body io.Reader, stream Stream) *Result {
	result := &Result{DirectStreamed: true}
	var analysis strings.Builder
	terminal := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var frame gatewayFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue // skip malformed frames
		}

		switch frame.Type {
		case "content_delta":
			analysis.WriteString(frame.Text)
			stream.ContentChunk(frame.Text)

		case "reasoning":
			stream.Reasoning(frame.Agent, frame.Text)

		case "tool_call":
			result.PMUsedTools = true
			stream.ToolCall(frame.ToolName, frame.ToolID, frame.Args)

		case "tool_result":
			stream.ToolResult(frame.ToolName, frame.ToolID, frame.Output, frame.IsError)

		case "change":
			if frame.Change != nil {
				result.Changes = append(result.Changes, *frame.Change)
			}

		case "usage":
			model := frame.Model
			if model == "" {
				model = e.model
			}
			e.usage.Add(Usage{
				InputTokens:  frame.InputTokens,
				OutputTokens: frame.OutputTokens,
				Model:        model,
			})

		case "checkpoint":
			result.Success = true
			result.Checkpointed = true
			result.CheckpointID = frame.CheckpointID
			terminal = true

		case "error":
			result.Err = &Error{Code: parseErrorCode(frame.Code), Message: frame.Message}
			result.FailureReason = frame.Message
			terminal = true

		case "done":
			result.Success = true
			result.NeedsClarification = frame.NeedsClarification
			if frame.UsedTools {
				result.PMUsedTools = true
			}
			result.ValidationIssues = frame.ValidationIssues
			terminal = true
		}

		if terminal {
			break
		}
	}

	if err := scanner.Err(); err != nil && !terminal {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			result.Err = &Error{Code: CodeTimeout, Message: err.Error()}
		} else {
			result.Err = &Error{Code: CodeProviderError, Message: err.Error()}
		}
		result.Success = false
		return result
	}
	if !terminal && result.Err == nil {
		result.Success = false
		result.Err = &Error{Code: CodeProviderError, Message: "event stream ended without terminal frame"}
	}

	result.Analysis = analysis.String()
	return result
}

// parseErrorCode maps a gateway error code string onto the taxonomy,
// defaulting to UNKNOWN for codes this build does not know.
func parseErrorCode(code string) ErrorCode {
	switch ErrorCode(strings.ToUpper(code)) {
	case CodeModelUnavailable, CodeRateLimited, CodeContextTooLarge,
		CodeProviderError, CodeTimeout:
		return ErrorCode(strings.ToUpper(code))
	default:
		return CodeUnknown
	}
}
