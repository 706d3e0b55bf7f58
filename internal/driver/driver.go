// Package driver runs the per-session execution state machine: invoke
// the agent executor against the healthiest model, retry transparently
// across the fallback chain and a single context reduction, then hand
// the result to the outcome classifier and change applier.
//
// States:
//
//	LOADING_CONTEXT -> INVOKING -> {MODEL_FALLBACK, CONTEXT_RETRY}
//	                -> {CHECKPOINTED, SUCCEEDED, FAILED}
//
// Everything after context loading is strictly sequential: each step
// depends on the previous step's result.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/apply"
	"github.com/loomworks/loom/internal/audit"
	"github.com/loomworks/loom/internal/bundle"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/health"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/stream"
	"github.com/loomworks/loom/internal/usage"
)

// contextRetryOpenTabs is the narrowed open-tabs budget for the single
// context-too-large retry.
const contextRetryOpenTabs = 3

// State names one position in the driver state machine.
type State string

const (
	StateLoadingContext State = "LOADING_CONTEXT"
	StateInvoking       State = "INVOKING"
	StateModelFallback  State = "MODEL_FALLBACK"
	StateContextRetry   State = "CONTEXT_RETRY"
	StateCheckpointed   State = "CHECKPOINTED"
	StateSucceeded      State = "SUCCEEDED"
	StateFailed         State = "FAILED"
)

// HealthReporter is the process-wide circuit state the driver consults
// and feeds. health.Registry implements it.
type HealthReporter interface {
	models.HealthChecker
	RecordSuccess(provider string)
	RecordFailure(provider string)
}

// Request is one orchestrated user request.
type Request struct {
	ExecutionID string
	SessionID   string
	ProjectID   string
	UserID      string

	Prompt         string
	Model          string
	IntentMode     string
	History        []executor.HistoryTurn
	ActiveFilePath string
	ExplicitFiles  []string
	OpenTabs       []string
	SubagentCount  int
	Async          bool
}

// RunResult is the driver's terminal report to the transport layer.
type RunResult struct {
	State        State
	Outcome      Outcome
	ExecutionID  string
	CheckpointID string
	Result       *executor.Result
}

// Driver orchestrates one session at a time. It is a pure function of
// its inputs plus the injected process-wide collaborators.
type Driver struct {
	loader        *bundle.Loader
	factory       executor.Factory
	healthState   HealthReporter
	applier       *apply.Applier
	sink          usage.MetricsSink
	auditLog      *audit.Logger
	defaultModels []string
}

// New creates a Driver.
func New(loader *bundle.Loader, factory executor.Factory, hs HealthReporter, applier *apply.Applier, sink usage.MetricsSink, auditLog *audit.Logger, defaultModels []string) *Driver {
	if auditLog == nil {
		auditLog = audit.Default()
	}
	return &Driver{
		loader:        loader,
		factory:       factory,
		healthState:   hs,
		applier:       applier,
		sink:          sink,
		auditLog:      auditLog,
		defaultModels: defaultModels,
	}
}

// Run drives one request to a terminal state, emitting progress onto em
// throughout. The stream contract: Run always ends the event sequence
// with done, checkpointed, or error — never silence.
func (d *Driver) Run(ctx context.Context, req *Request, em *stream.Emitter) *RunResult {
	start := time.Now()
	state := StateLoadingContext
	logger.InfoContext(ctx, "execution started", "state", string(state), "model", req.Model)

	bnd, err := d.loader.Load(ctx, req.ProjectID, req.UserID, req.SessionID, req.OpenTabs,
		func(label, detail string) {
			em.EmitEvent(stream.NewThinking("context", label, detail))
		})
	if err != nil {
		// The loader degrades sub-fetches internally; an error here means
		// nothing could be loaded at all.
		return d.fail(ctx, req, em, start, classifyError(err))
	}

	chain := models.BuildChain(req.Model, d.defaultModels)
	chain = models.FilterHealthy(ctx, chain, d.healthState)
	if len(chain) == 0 {
		return d.fail(ctx, req, em, start, &executor.Error{
			Code: executor.CodeUnknown, Message: "no models configured"})
	}
	em.EmitEvent(stream.NewActiveModel(chain[0]))

	state = StateInvoking
	currentModel := chain[0]
	result, attemptUsage := d.invoke(ctx, req.ExecutionID, currentModel, req, bnd, em)
	d.observe(currentModel, result)
	totalUsage := attemptUsage

	// MODEL_FALLBACK: bounded linear retry across the remaining chain.
	// Context overflow is excluded: switching models does not shrink the
	// context, the CONTEXT_RETRY path below does.
	if wantsFallback(result) {
		state = StateModelFallback
		for i := 1; i < len(chain); i++ {
			if ctx.Err() != nil {
				break
			}
			prev, next := currentModel, chain[i]
			metrics.FallbackAttempts.WithLabelValues(prev, next).Inc()

			em.EmitEvent(stream.NewThinking("model_fallback",
				fmt.Sprintf("switching from %s to %s", prev, next), string(result.Err.Code)))
			if result.Err.Code == executor.CodeRateLimited {
				em.EmitEvent(stream.NewRateLimited(prev, next))
			}
			em.EmitEvent(stream.NewActiveModel(next))

			attemptID := fmt.Sprintf("%s-fb%d", req.ExecutionID, i)
			currentModel = next
			result, attemptUsage = d.invoke(ctx, attemptID, next, req, bnd, em)
			d.observe(currentModel, result)
			totalUsage = executor.Merge(totalUsage, attemptUsage)

			if !wantsFallback(result) {
				break
			}
		}
	}

	// CONTEXT_RETRY: exactly one retry with a materially smaller context.
	if result.Err != nil && result.Err.Code == executor.CodeContextTooLarge && ctx.Err() == nil {
		state = StateContextRetry
		metrics.ContextRetries.Inc()

		tabs := bnd.OpenTabs
		if len(tabs) > contextRetryOpenTabs {
			tabs = tabs[:contextRetryOpenTabs]
		}
		narrowed := bnd.WithOpenTabs(tabs)

		em.EmitEvent(stream.NewThinking("context_retry", "retrying with reduced context",
			fmt.Sprintf("open tabs trimmed to %d", len(tabs))))

		retryID := req.ExecutionID + "-retry"
		var retryUsage executor.Usage
		result, retryUsage = d.invoke(ctx, retryID, currentModel, req, narrowed, em)
		d.observe(currentModel, result)
		totalUsage = executor.Merge(totalUsage, retryUsage)
	}

	if result.Err != nil {
		return d.fail(ctx, req, em, start, result.Err)
	}
	d.healthState.RecordSuccess(health.ProviderOf(totalUsage.Model))

	// CHECKPOINTED: terminal for this stream, not for the execution. The
	// background worker continues under the same execution ID; done is
	// deliberately NOT emitted.
	if result.Checkpointed {
		state = StateCheckpointed
		metrics.CheckpointsTotal.Inc()
		d.auditLog.Log(&audit.Event{
			Operation:   audit.OpCheckpoint,
			ProjectID:   req.ProjectID,
			SessionID:   req.SessionID,
			ExecutionID: req.ExecutionID,
			Success:     true,
		})

		em.EmitEvent(stream.NewCheckpointed(req.ExecutionID, result.CheckpointID))
		files, tokens := bnd.LoadedStats()
		em.EmitEvent(stream.NewContextStats(files, tokens, bnd.TotalFiles()))

		usage.RecordAsync(d.sink, usage.Record{
			ExecutionID: req.ExecutionID,
			ProjectID:   req.ProjectID,
			UserID:      req.UserID,
			Outcome:     "checkpointed",
			Usage:       totalUsage,
			Duration:    time.Since(start),
		})
		logger.InfoContext(ctx, "execution checkpointed", "checkpoint_id", result.CheckpointID)
		return &RunResult{State: state, ExecutionID: req.ExecutionID, CheckpointID: result.CheckpointID, Result: result}
	}

	// SUCCEEDED: classify, apply side effects, report.
	state = StateSucceeded
	outcome := Classify(result)

	var changed, blocked []string
	if outcome == OutcomeApplied && d.applier != nil {
		applied, err := d.applier.Apply(ctx, req.ExecutionID, req.ProjectID, result.Changes, em)
		if err != nil {
			return d.fail(ctx, req, em, start, classifyError(err))
		}
		changed = applied.AppliedFiles
		blocked = applied.BlockedFiles
	}

	if result.Analysis != "" && !result.DirectStreamed {
		em.EmitEvent(stream.NewContentChunk(result.Analysis))
	}

	files, tokens := bnd.LoadedStats()
	em.EmitEvent(stream.NewContextStats(files, tokens, bnd.TotalFiles()))
	em.EmitEvent(stream.NewExecutionOutcome(string(outcome), changed, blocked, result.Analysis))

	usage.RecordAsync(d.sink, usage.Record{
		ExecutionID: req.ExecutionID,
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		Outcome:     string(outcome),
		Usage:       totalUsage,
		Duration:    time.Since(start),
	})

	em.EmitEvent(stream.NewDone())
	logger.InfoContext(ctx, "execution finished", "outcome", string(outcome),
		"changed_files", len(changed), "duration_ms", time.Since(start).Milliseconds())
	return &RunResult{State: state, Outcome: outcome, ExecutionID: req.ExecutionID, Result: result}
}

// invoke runs one executor attempt. A fresh executor instance isolates
// per-attempt usage accounting; transport-level faults are folded into a
// structured result so retry decisions see one shape.
func (d *Driver) invoke(ctx context.Context, executionID, model string, req *Request, bnd *bundle.ContextBundle, em *stream.Emitter) (*executor.Result, executor.Usage) {
	exec := d.factory.New(model)

	adapter := &streamAdapter{em: em, started: time.Now()}
	execReq := &executor.Request{
		ExecutionID:    executionID,
		Prompt:         req.Prompt,
		Model:          model,
		SessionID:      req.SessionID,
		ProjectID:      req.ProjectID,
		UserID:         req.UserID,
		IntentMode:     req.IntentMode,
		History:        req.History,
		ActiveFilePath: req.ActiveFilePath,
		ExplicitFiles:  req.ExplicitFiles,
		OpenTabs:       bnd.OpenTabs,
		SubagentCount:  req.SubagentCount,
		Async:          req.Async,
	}

	result, err := exec.Execute(ctx, execReq, bnd, adapter)
	if err != nil {
		result = &executor.Result{Success: false, Err: classifyError(err)}
	}
	if result == nil {
		result = &executor.Result{Success: false, Err: &executor.Error{
			Code: executor.CodeUnknown, Message: "executor returned no result"}}
	}

	u := exec.AccumulatedUsage()
	if u.Model == "" {
		u.Model = model
	}
	if u.FirstTokenLatency == 0 && adapter.firstTokenMs > 0 {
		u.FirstTokenLatency = adapter.firstTokenMs
	}
	return result, u
}

func wantsFallback(res *executor.Result) bool {
	return res.Err != nil && res.Err.Code.Retryable()
}

// observe feeds the provider breaker with one attempt's outcome. Failures
// count where they are observed, so the last model of an exhausted chain
// opens its circuit the same as any other.
func (d *Driver) observe(model string, res *executor.Result) {
	if res.Err != nil && res.Err.Code.Retryable() {
		d.healthState.RecordFailure(health.ProviderOf(model))
	}
}

// fail ends the stream with a structured error frame.
func (d *Driver) fail(ctx context.Context, req *Request, em *stream.Emitter, start time.Time, execErr *executor.Error) *RunResult {
	em.EmitEvent(stream.NewError(string(execErr.Code), userMessage(ctx, execErr)))

	usage.RecordAsync(d.sink, usage.Record{
		ExecutionID: req.ExecutionID,
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		Outcome:     "failed",
		Duration:    time.Since(start),
	})
	return &RunResult{State: StateFailed, ExecutionID: req.ExecutionID,
		Result: &executor.Result{Success: false, Err: execErr}}
}

// streamAdapter bridges executor callbacks onto the session's event
// channel and records first-token latency.
type streamAdapter struct {
	em           *stream.Emitter
	started      time.Time
	firstTokenMs int64
}

func (s *streamAdapter) ContentChunk(text string) {
	if s.firstTokenMs == 0 {
		s.firstTokenMs = time.Since(s.started).Milliseconds()
		if s.firstTokenMs == 0 {
			s.firstTokenMs = 1
		}
	}
	s.em.EmitEvent(stream.NewContentChunk(text))
}

func (s *streamAdapter) Reasoning(agent, text string) {
	s.em.EmitEvent(stream.NewReasoning(agent, text))
}

func (s *streamAdapter) ToolCall(name, id string, args map[string]any) {
	s.em.EmitEvent(stream.NewToolCall(name, id, args))
}

func (s *streamAdapter) ToolResult(name, id, output string, isError bool) {
	s.em.EmitEvent(stream.NewToolResult(name, id, output, isError))
}
