package background

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/apply"
	"github.com/loomworks/loom/internal/bundle"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/stream"
)

// pollInterval is how often the worker looks for pending checkpoints.
const pollInterval = 15 * time.Second

// Worker resumes checkpointed executions. Each continuation runs under
// the same execution ID the stream reported; its events go into the
// execution's replay buffer instead of an HTTP sink.
type Worker struct {
	store   *store.Store
	loader  *bundle.Loader
	factory executor.Factory
	applier *apply.Applier
	conts   *Continuations

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a Worker.
func NewWorker(st *store.Store, loader *bundle.Loader, factory executor.Factory, applier *apply.Applier, conts *Continuations) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:   st,
		loader:  loader,
		factory: factory,
		applier: applier,
		conts:   conts,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the continuation loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
	logger.Info("background worker started")
}

// Stop gracefully stops the worker and waits for in-flight continuations.
func (w *Worker) Stop() {
	logger.Info("stopping background worker...")
	w.cancel()
	w.wg.Wait()
	logger.Info("background worker stopped")
}

func (w *Worker) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	// Run immediately on start to pick up work left over from a restart
	w.recoverOrphans()
	w.checkPending()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.checkPending()
		}
	}
}

// recoverOrphans requeues checkpoints a previous process claimed but
// never finished. It runs before the first poll, when no continuation
// from this process can be live, so every 'running' row is a leftover.
func (w *Worker) recoverOrphans() {
	n, err := w.store.RequeueStaleCheckpoints(w.ctx, time.Now())
	if err != nil {
		logger.Error("failed to requeue orphaned checkpoints", "error", err)
		return
	}
	if n > 0 {
		logger.Info("requeued orphaned checkpoints", "count", n)
	}
}

func (w *Worker) checkPending() {
	checkpoints, err := w.store.PendingCheckpoints(w.ctx)
	if err != nil {
		logger.Error("failed to list pending checkpoints", "error", err)
		return
	}

	for _, cp := range checkpoints {
		if w.ctx.Err() != nil {
			return
		}
		if err := w.store.SetCheckpointStatus(w.ctx, cp.ExecutionID, "running"); err != nil {
			logger.Error("failed to claim checkpoint", "execution_id", cp.ExecutionID, "error", err)
			continue
		}

		w.wg.Add(1)
		go func(cp *store.Checkpoint) {
			defer w.wg.Done()
			w.resume(cp)
		}(cp)
	}
}

// resume runs one continuation to completion.
func (w *Worker) resume(cp *store.Checkpoint) {
	buf := w.conts.Buffer(cp.ExecutionID)
	events := &bufferEvents{buf: buf}
	logger.Info("resuming checkpointed execution",
		"execution_id", cp.ExecutionID, "checkpoint_id", cp.CheckpointID)

	bnd, err := w.loader.Load(w.ctx, cp.ProjectID, cp.UserID, cp.SessionID, cp.OpenTabs,
		func(label, detail string) {
			buf.Append(stream.NewThinking("context", label, detail))
		})
	if err != nil {
		w.finish(cp, "failed", err)
		return
	}

	exec := w.factory.New(cp.Model)
	result, err := exec.Execute(w.ctx, &executor.Request{
		ExecutionID:    cp.ExecutionID,
		Prompt:         cp.Prompt,
		Model:          cp.Model,
		SessionID:      cp.SessionID,
		ProjectID:      cp.ProjectID,
		UserID:         cp.UserID,
		IntentMode:     cp.IntentMode,
		History:        cp.History,
		ActiveFilePath: cp.ActiveFilePath,
		ExplicitFiles:  cp.ExplicitFiles,
		OpenTabs:       bnd.OpenTabs,
		SubagentCount:  cp.SubagentCount,
	}, bnd, events)
	if err != nil {
		w.finish(cp, "failed", err)
		return
	}
	if result.Err != nil {
		buf.Append(stream.NewError(string(result.Err.Code), result.Err.Message))
		w.finish(cp, "failed", nil)
		return
	}

	if len(result.Changes) > 0 && w.applier != nil {
		if _, err := w.applier.Apply(w.ctx, cp.ExecutionID, cp.ProjectID, result.Changes, events); err != nil {
			w.finish(cp, "failed", err)
			return
		}
	}

	buf.Append(stream.NewDone())
	w.finish(cp, "completed", nil)
}

func (w *Worker) finish(cp *store.Checkpoint, status string, err error) {
	if err != nil {
		w.conts.Buffer(cp.ExecutionID).Append(stream.NewError("UNKNOWN", err.Error()))
		logger.Error("continuation failed", "execution_id", cp.ExecutionID, "error", err)
	}
	if serr := w.store.SetCheckpointStatus(w.ctx, cp.ExecutionID, status); serr != nil {
		logger.Error("failed to record checkpoint status",
			"execution_id", cp.ExecutionID, "status", status, "error", serr)
	}
	logger.Info("continuation finished", "execution_id", cp.ExecutionID, "status", status)
}

// bufferEvents adapts a replay buffer to both the applier's event sink
// and the executor's stream callbacks.
type bufferEvents struct {
	buf *stream.ReplayBuffer
}

func (b *bufferEvents) EmitEvent(ev stream.Event) { b.buf.Append(ev) }

func (b *bufferEvents) ContentChunk(text string) {
	b.buf.Append(stream.NewContentChunk(text))
}

func (b *bufferEvents) Reasoning(agent, text string) {
	b.buf.Append(stream.NewReasoning(agent, text))
}

func (b *bufferEvents) ToolCall(name, id string, args map[string]any) {
	b.buf.Append(stream.NewToolCall(name, id, args))
}

func (b *bufferEvents) ToolResult(name, id, output string, isError bool) {
	b.buf.Append(stream.NewToolResult(name, id, output, isError))
}
