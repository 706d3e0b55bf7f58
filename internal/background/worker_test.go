package background

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/apply"
	"github.com/loomworks/loom/internal/bundle"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/stream"
)

type stubExecutor struct {
	result *executor.Result
	err    error

	mu       sync.Mutex
	requests []*executor.Request
}

func (s *stubExecutor) Execute(ctx context.Context, req *executor.Request, bnd *bundle.ContextBundle, st executor.Stream) (*executor.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.result != nil && s.result.Success {
		st.ContentChunk("resumed output")
	}
	return s.result, s.err
}

func (s *stubExecutor) AccumulatedUsage() executor.Usage { return executor.Usage{} }

type stubFactory struct {
	exec *stubExecutor

	mu     sync.Mutex
	models []string
}

func (f *stubFactory) New(model string) executor.AgentExecutor {
	f.mu.Lock()
	f.models = append(f.models, model)
	f.mu.Unlock()
	return f.exec
}

func newWorkerEnv(t *testing.T, exec *stubExecutor) (*Worker, *store.Store, *Continuations, *stubFactory) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	factory := &stubFactory{exec: exec}
	loader := bundle.NewLoader(st, st, st, st)
	applier := apply.NewApplier(st, nil, nil)
	conts := NewContinuations()
	w := NewWorker(st, loader, factory, applier, conts)
	return w, st, conts, factory
}

func saveCheckpoint(t *testing.T, st *store.Store, executionID string) {
	t.Helper()
	err := st.SaveCheckpoint(context.Background(), &store.Checkpoint{
		ExecutionID:    executionID,
		CheckpointID:   "cp-" + executionID,
		ProjectID:      "a3bb189e-8bf9-3888-9912-ace4e6543002",
		UserID:         "alice",
		Prompt:         "finish the migration",
		Model:          "claude-sonnet",
		IntentMode:     "edit",
		History:        []executor.HistoryTurn{{Role: "user", Content: "start the migration"}},
		ActiveFilePath: "db/schema.sql",
		ExplicitFiles:  []string{"f1"},
		SubagentCount:  2,
	})
	if err != nil {
		t.Fatalf("SaveCheckpoint() error: %v", err)
	}
}

func waitForStatus(t *testing.T, st *store.Store, executionID, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, err := st.CheckpointStatus(context.Background(), executionID)
		if err != nil {
			t.Fatalf("CheckpointStatus() error: %v", err)
		}
		if status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	status, _ := st.CheckpointStatus(context.Background(), executionID)
	t.Fatalf("checkpoint status = %q, want %q", status, want)
}

func bufferKinds(buf *stream.ReplayBuffer) []stream.Kind {
	events, _ := buf.After(-1)
	kinds := make([]stream.Kind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Event.Kind())
	}
	return kinds
}

func TestWorkerResumesPendingCheckpoint(t *testing.T) {
	exec := &stubExecutor{result: &executor.Result{Success: true}}
	w, st, conts, factory := newWorkerEnv(t, exec)

	saveCheckpoint(t, st, "exec-bg1")
	w.checkPending()
	waitForStatus(t, st, "exec-bg1", "completed")
	w.wg.Wait()

	factory.mu.Lock()
	models := factory.models
	factory.mu.Unlock()
	if len(models) != 1 || models[0] != "claude-sonnet" {
		t.Errorf("factory models = %v, want [claude-sonnet]", models)
	}

	exec.mu.Lock()
	if len(exec.requests) != 1 || exec.requests[0].Prompt != "finish the migration" {
		t.Fatalf("executor requests = %+v", exec.requests)
	}
	req := exec.requests[0]
	exec.mu.Unlock()

	// The continuation must carry the whole interactive-request snapshot,
	// not just prompt and model.
	if req.IntentMode != "edit" {
		t.Errorf("IntentMode = %q, want edit", req.IntentMode)
	}
	if len(req.History) != 1 || req.History[0].Content != "start the migration" {
		t.Errorf("History = %+v, want the saved turn", req.History)
	}
	if req.ActiveFilePath != "db/schema.sql" {
		t.Errorf("ActiveFilePath = %q, want db/schema.sql", req.ActiveFilePath)
	}
	if len(req.ExplicitFiles) != 1 || req.ExplicitFiles[0] != "f1" {
		t.Errorf("ExplicitFiles = %v, want [f1]", req.ExplicitFiles)
	}
	if req.SubagentCount != 2 {
		t.Errorf("SubagentCount = %d, want 2", req.SubagentCount)
	}

	buf := conts.Lookup("exec-bg1")
	if buf == nil {
		t.Fatal("no replay buffer for resumed execution")
	}
	kinds := bufferKinds(buf)
	var sawContent, sawDone bool
	for _, k := range kinds {
		switch k {
		case stream.KindContentChunk:
			sawContent = true
		case stream.KindDone:
			sawDone = true
		}
	}
	if !sawContent || !sawDone {
		t.Errorf("buffer kinds = %v, want content_chunk and done", kinds)
	}
}

func TestWorkerRecordsExecutorFailure(t *testing.T) {
	exec := &stubExecutor{result: &executor.Result{
		Success: false,
		Err:     &executor.Error{Code: executor.CodeProviderError, Message: "upstream died"},
	}}
	w, st, conts, _ := newWorkerEnv(t, exec)

	saveCheckpoint(t, st, "exec-bg2")
	w.checkPending()
	waitForStatus(t, st, "exec-bg2", "failed")
	w.wg.Wait()

	kinds := bufferKinds(conts.Lookup("exec-bg2"))
	var sawError, sawDone bool
	for _, k := range kinds {
		switch k {
		case stream.KindError:
			sawError = true
		case stream.KindDone:
			sawDone = true
		}
	}
	if !sawError {
		t.Errorf("buffer kinds = %v, want an error frame", kinds)
	}
	if sawDone {
		t.Errorf("failed continuation buffered a done frame: %v", kinds)
	}
}

func TestWorkerRequeuesOrphanedCheckpoint(t *testing.T) {
	exec := &stubExecutor{result: &executor.Result{Success: true}}
	w, st, _, factory := newWorkerEnv(t, exec)

	// A previous process claimed the checkpoint and died before finishing.
	saveCheckpoint(t, st, "exec-bg4")
	if err := st.SetCheckpointStatus(context.Background(), "exec-bg4", "running"); err != nil {
		t.Fatal(err)
	}

	w.recoverOrphans()
	w.checkPending()
	waitForStatus(t, st, "exec-bg4", "completed")
	w.wg.Wait()

	factory.mu.Lock()
	defer factory.mu.Unlock()
	if len(factory.models) != 1 {
		t.Errorf("resumed attempts = %d, want 1 after requeue", len(factory.models))
	}
}

func TestWorkerSkipsNonPending(t *testing.T) {
	exec := &stubExecutor{result: &executor.Result{Success: true}}
	w, st, _, factory := newWorkerEnv(t, exec)

	saveCheckpoint(t, st, "exec-bg3")
	if err := st.SetCheckpointStatus(context.Background(), "exec-bg3", "completed"); err != nil {
		t.Fatal(err)
	}

	w.checkPending()
	w.wg.Wait()

	factory.mu.Lock()
	defer factory.mu.Unlock()
	if len(factory.models) != 0 {
		t.Errorf("worker resumed a non-pending checkpoint: %v", factory.models)
	}
}

func TestContinuationsBufferLifecycle(t *testing.T) {
	conts := NewContinuations()

	if conts.Lookup("exec-x") != nil {
		t.Error("Lookup(unknown) != nil")
	}

	buf := conts.Buffer("exec-x")
	if buf == nil {
		t.Fatal("Buffer() returned nil")
	}
	if again := conts.Buffer("exec-x"); again != buf {
		t.Error("Buffer() created a second buffer for the same execution")
	}
	if conts.Lookup("exec-x") != buf {
		t.Error("Lookup() does not return the created buffer")
	}

	conts.Remove("exec-x")
	if conts.Lookup("exec-x") != nil {
		t.Error("Lookup() after Remove() != nil")
	}
}

func TestSyncerCoalescesPerProject(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	s := NewSyncer(st)
	defer s.Stop()

	s.ScheduleSync("proj-1", []string{"f1", "f2"})
	s.ScheduleSync("proj-1", []string{"f2", "f3"})
	s.ScheduleSync("proj-2", []string{"f9"})
	s.ScheduleSync("proj-3", nil)

	s.mu.Lock()
	if got := len(s.pending["proj-1"]); got != 3 {
		t.Errorf("proj-1 pending = %d files, want 3 (deduped)", got)
	}
	if got := len(s.pending["proj-2"]); got != 1 {
		t.Errorf("proj-2 pending = %d files, want 1", got)
	}
	if _, ok := s.pending["proj-3"]; ok {
		t.Error("empty ScheduleSync created a pending set")
	}
	if len(s.timers) != 2 {
		t.Errorf("timers = %d, want 2", len(s.timers))
	}
	s.mu.Unlock()
}

func TestSyncerFlushWarmsCache(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if err := st.SaveFile(ctx, "proj-1", "f1", "pkg/a.go", "package a"); err != nil {
		t.Fatal(err)
	}

	s := NewSyncer(st)
	s.ScheduleSync("proj-1", []string{"f1"})
	s.flush("proj-1")
	s.wg.Wait()

	s.mu.Lock()
	if _, ok := s.pending["proj-1"]; ok {
		t.Error("flush left the project pending")
	}
	s.mu.Unlock()
	s.Stop()
}

func TestSyncerStopCancelsTimers(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	s := NewSyncer(st)
	s.ScheduleSync("proj-1", []string{"f1"})
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) != 0 {
		t.Errorf("timers after Stop = %d, want 0", len(s.timers))
	}
}
