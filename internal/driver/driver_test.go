package driver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/bundle"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/stream"
	"github.com/loomworks/loom/internal/usage"
)

// recordingSink collects SSE frames in memory.
type recordingSink struct {
	frames []string
}

func (s *recordingSink) Write(p []byte) (int, error) {
	s.frames = append(s.frames, string(p))
	return len(p), nil
}

func (s *recordingSink) Flush() bool { return true }

func (s *recordingSink) kinds() []string {
	var out []string
	for _, f := range s.frames {
		if rest, ok := strings.CutPrefix(f, "event: "); ok {
			out = append(out, rest[:strings.Index(rest, "\n")])
		}
	}
	return out
}

func (s *recordingSink) count(kind string) int {
	n := 0
	for _, k := range s.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// scriptedAttempt is one executor invocation outcome.
type scriptedAttempt struct {
	result *executor.Result
	usage  executor.Usage
}

// scriptedFactory returns attempts in order and records the requests it
// served.
type scriptedFactory struct {
	attempts []scriptedAttempt
	next     int
	requests []*executor.Request
	models   []string
	tabs     [][]string
}

func (f *scriptedFactory) New(model string) executor.AgentExecutor {
	f.models = append(f.models, model)
	return &scriptedExecutor{factory: f}
}

type scriptedExecutor struct {
	factory *scriptedFactory
	usage   executor.Usage
}

func (e *scriptedExecutor) Execute(_ context.Context, req *executor.Request, bnd *bundle.ContextBundle, _ executor.Stream) (*executor.Result, error) {
	f := e.factory
	f.requests = append(f.requests, req)
	f.tabs = append(f.tabs, bnd.OpenTabs)

	if f.next >= len(f.attempts) {
		return &executor.Result{Success: true}, nil
	}
	a := f.attempts[f.next]
	f.next++
	e.usage = a.usage
	return a.result, nil
}

func (e *scriptedExecutor) AccumulatedUsage() executor.Usage { return e.usage }

// fakeHealth records breaker signals without real breakers. Providers
// in open report an open circuit.
type fakeHealth struct {
	open      map[string]bool
	failures  []string
	successes []string
}

func (h *fakeHealth) IsOpen(_ context.Context, provider string) bool { return h.open[provider] }
func (h *fakeHealth) RecordSuccess(provider string)                  { h.successes = append(h.successes, provider) }
func (h *fakeHealth) RecordFailure(provider string)                  { h.failures = append(h.failures, provider) }

// emptyStores back a loader with no data.
type emptyStores struct{}

func (emptyStores) ListFiles(context.Context, string) ([]bundle.FileRef, error) {
	return nil, nil
}
func (emptyStores) LoadContent(context.Context, string, []string) (map[string]string, error) {
	return map[string]string{}, nil
}
func (emptyStores) Preferences(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}

func newTestDriver(factory executor.Factory, hs HealthReporter, defaults []string) *Driver {
	loader := bundle.NewLoader(emptyStores{}, emptyStores{}, nil, nil)
	return New(loader, factory, hs, nil, nil, nil, defaults)
}

func runTest(t *testing.T, factory *scriptedFactory, req *Request, defaults []string) (*RunResult, *recordingSink, *fakeHealth) {
	t.Helper()
	hs := &fakeHealth{}
	res, sink := runTestHealth(t, factory, req, defaults, hs)
	return res, sink, hs
}

func runTestHealth(t *testing.T, factory *scriptedFactory, req *Request, defaults []string, hs *fakeHealth) (*RunResult, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	em := stream.NewEmitter("test", sink)
	defer em.Close()

	d := newTestDriver(factory, hs, defaults)
	res := d.Run(context.Background(), req, em)
	return res, sink
}

func failure(code executor.ErrorCode) scriptedAttempt {
	return scriptedAttempt{result: &executor.Result{
		Success: false,
		Err:     &executor.Error{Code: code, Message: string(code)},
	}}
}

func success(model string) scriptedAttempt {
	return scriptedAttempt{
		result: &executor.Result{Success: true, Analysis: "all good"},
		usage:  executor.Usage{InputTokens: 100, OutputTokens: 50, Model: model},
	}
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	factory := &scriptedFactory{attempts: []scriptedAttempt{success("claude-sonnet")}}
	req := &Request{ExecutionID: "exec-1", ProjectID: "p1", UserID: "u1"}

	res, sink, hs := runTest(t, factory, req, []string{"claude-sonnet", "gpt-4o"})

	if res.State != StateSucceeded {
		t.Fatalf("State = %q, want %q", res.State, StateSucceeded)
	}
	if res.Outcome != OutcomeNoChange {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeNoChange)
	}
	if got := factory.models; len(got) != 1 || got[0] != "claude-sonnet" {
		t.Errorf("invoked models = %v, want [claude-sonnet]", got)
	}
	if sink.count("done") != 1 {
		t.Errorf("done frames = %d, want 1", sink.count("done"))
	}
	if sink.count("active_model") != 1 {
		t.Errorf("active_model frames = %d, want 1", sink.count("active_model"))
	}
	if sink.count("context_stats") != 1 {
		t.Errorf("context_stats frames = %d, want 1", sink.count("context_stats"))
	}
	if len(hs.successes) != 1 || hs.successes[0] != "anthropic" {
		t.Errorf("recorded successes = %v, want [anthropic]", hs.successes)
	}
}

func TestRunFallsBackOnRetryableFailure(t *testing.T) {
	factory := &scriptedFactory{attempts: []scriptedAttempt{
		failure(executor.CodeModelUnavailable),
		success("gpt-4o"),
	}}
	req := &Request{ExecutionID: "exec-1", ProjectID: "p1"}

	res, sink, hs := runTest(t, factory, req, []string{"claude-sonnet", "gpt-4o", "gemini-pro"})

	if res.State != StateSucceeded {
		t.Fatalf("State = %q, want %q", res.State, StateSucceeded)
	}
	if got := factory.models; len(got) != 2 || got[0] != "claude-sonnet" || got[1] != "gpt-4o" {
		t.Fatalf("invoked models = %v, want [claude-sonnet gpt-4o]", got)
	}
	if got := factory.requests[1].ExecutionID; got != "exec-1-fb1" {
		t.Errorf("fallback attempt id = %q, want %q", got, "exec-1-fb1")
	}
	if sink.count("active_model") != 2 {
		t.Errorf("active_model frames = %d, want 2", sink.count("active_model"))
	}
	if sink.count("rate_limited") != 0 {
		t.Errorf("rate_limited frames = %d, want 0 for MODEL_UNAVAILABLE", sink.count("rate_limited"))
	}
	if len(hs.failures) != 1 || hs.failures[0] != "anthropic" {
		t.Errorf("recorded failures = %v, want [anthropic]", hs.failures)
	}
}

func TestRunEmitsRateLimitedFrame(t *testing.T) {
	factory := &scriptedFactory{attempts: []scriptedAttempt{
		failure(executor.CodeRateLimited),
		success("gpt-4o"),
	}}
	req := &Request{ExecutionID: "exec-1"}

	_, sink, _ := runTest(t, factory, req, []string{"claude-sonnet", "gpt-4o"})

	if sink.count("rate_limited") != 1 {
		t.Errorf("rate_limited frames = %d, want 1", sink.count("rate_limited"))
	}
}

func TestRunExhaustsChainThenFails(t *testing.T) {
	factory := &scriptedFactory{attempts: []scriptedAttempt{
		failure(executor.CodeModelUnavailable),
		failure(executor.CodeModelUnavailable),
		failure(executor.CodeModelUnavailable),
	}}
	req := &Request{ExecutionID: "exec-1"}

	res, sink, hs := runTest(t, factory, req, []string{"claude-sonnet", "gpt-4o", "gemini-pro"})

	if res.State != StateFailed {
		t.Fatalf("State = %q, want %q", res.State, StateFailed)
	}
	if got := len(factory.models); got != 3 {
		t.Errorf("attempts = %d, want 3 (chain length)", got)
	}
	if sink.count("error") != 1 {
		t.Errorf("error frames = %d, want 1", sink.count("error"))
	}
	if sink.count("done") != 0 {
		t.Errorf("done frames = %d, want 0 after failure", sink.count("done"))
	}
	// Every attempt's failure feeds the breaker, the last one included.
	if len(hs.failures) != 3 || hs.failures[2] != "google" {
		t.Errorf("recorded failures = %v, want [anthropic openai google]", hs.failures)
	}
}

func TestRunRecordsFailureForSoleModel(t *testing.T) {
	factory := &scriptedFactory{attempts: []scriptedAttempt{
		failure(executor.CodeModelUnavailable),
	}}
	req := &Request{ExecutionID: "exec-1"}

	res, _, hs := runTest(t, factory, req, []string{"claude-sonnet"})

	if res.State != StateFailed {
		t.Fatalf("State = %q, want %q", res.State, StateFailed)
	}
	if len(hs.failures) != 1 || hs.failures[0] != "anthropic" {
		t.Errorf("recorded failures = %v, want [anthropic]", hs.failures)
	}
}

func TestRunFailsWithoutCandidateModels(t *testing.T) {
	factory := &scriptedFactory{}
	req := &Request{ExecutionID: "exec-1"}

	res, sink, _ := runTest(t, factory, req, nil)

	if res.State != StateFailed {
		t.Fatalf("State = %q, want %q", res.State, StateFailed)
	}
	if got := len(factory.models); got != 0 {
		t.Errorf("attempts = %d, want 0 with an empty chain", got)
	}
	if sink.count("active_model") != 0 {
		t.Errorf("active_model frames = %d, want 0", sink.count("active_model"))
	}
	if sink.count("error") != 1 {
		t.Errorf("error frames = %d, want 1", sink.count("error"))
	}
}

func TestRunStartsOnNextHealthyModel(t *testing.T) {
	factory := &scriptedFactory{attempts: []scriptedAttempt{success("gpt-4o")}}
	req := &Request{ExecutionID: "exec-1", Model: "claude-sonnet"}
	hs := &fakeHealth{open: map[string]bool{"anthropic": true}}

	res, sink := runTestHealth(t, factory, req, []string{"claude-sonnet", "gpt-4o"}, hs)

	if res.State != StateSucceeded {
		t.Fatalf("State = %q, want %q", res.State, StateSucceeded)
	}
	if got := factory.models; len(got) != 1 || got[0] != "gpt-4o" {
		t.Errorf("invoked models = %v, want [gpt-4o] (open circuit skipped)", got)
	}
	for _, f := range sink.frames {
		if strings.HasPrefix(f, "event: active_model") {
			if !strings.Contains(f, `"model":"gpt-4o"`) {
				t.Errorf("first active_model frame = %q, want gpt-4o", f)
			}
			break
		}
	}
}

func TestRunContextRetryTrimsTabsOnce(t *testing.T) {
	factory := &scriptedFactory{attempts: []scriptedAttempt{
		failure(executor.CodeContextTooLarge),
		success("claude-sonnet"),
	}}
	tabs := []string{"a.go", "b.go", "c.go", "d.go", "e.go"}
	req := &Request{ExecutionID: "exec-1", OpenTabs: tabs}

	res, _, _ := runTest(t, factory, req, []string{"claude-sonnet"})

	if res.State != StateSucceeded {
		t.Fatalf("State = %q, want %q", res.State, StateSucceeded)
	}
	if got := factory.requests[1].ExecutionID; got != "exec-1-retry" {
		t.Errorf("retry attempt id = %q, want %q", got, "exec-1-retry")
	}
	if got := len(factory.tabs[1]); got != 3 {
		t.Errorf("retry open tabs = %d, want 3", got)
	}
	// Original bundle must be unchanged.
	if got := len(factory.tabs[0]); got != 5 {
		t.Errorf("first attempt open tabs = %d, want 5", got)
	}
}

func TestRunContextRetryHappensOnlyOnce(t *testing.T) {
	factory := &scriptedFactory{attempts: []scriptedAttempt{
		failure(executor.CodeContextTooLarge),
		failure(executor.CodeContextTooLarge),
	}}
	req := &Request{ExecutionID: "exec-1"}

	res, _, _ := runTest(t, factory, req, []string{"claude-sonnet"})

	if res.State != StateFailed {
		t.Fatalf("State = %q, want %q", res.State, StateFailed)
	}
	if got := len(factory.models); got != 2 {
		t.Errorf("attempts = %d, want 2 (initial + single retry)", got)
	}
}

func TestRunTerminalErrorSkipsFallback(t *testing.T) {
	factory := &scriptedFactory{attempts: []scriptedAttempt{
		failure(executor.CodeProviderError),
	}}
	req := &Request{ExecutionID: "exec-1"}

	res, _, _ := runTest(t, factory, req, []string{"claude-sonnet", "gpt-4o"})

	if res.State != StateFailed {
		t.Fatalf("State = %q, want %q", res.State, StateFailed)
	}
	if got := len(factory.models); got != 1 {
		t.Errorf("attempts = %d, want 1 (PROVIDER_ERROR is terminal)", got)
	}
}

func TestRunCheckpointedEndsWithoutDone(t *testing.T) {
	factory := &scriptedFactory{attempts: []scriptedAttempt{
		{result: &executor.Result{Success: true, Checkpointed: true, CheckpointID: "cp-9"}},
	}}
	req := &Request{ExecutionID: "exec-1", Async: true}

	res, sink, _ := runTest(t, factory, req, []string{"claude-sonnet"})

	if res.State != StateCheckpointed {
		t.Fatalf("State = %q, want %q", res.State, StateCheckpointed)
	}
	if res.CheckpointID != "cp-9" {
		t.Errorf("CheckpointID = %q, want %q", res.CheckpointID, "cp-9")
	}
	if sink.count("checkpointed") != 1 {
		t.Errorf("checkpointed frames = %d, want 1", sink.count("checkpointed"))
	}
	if sink.count("done") != 0 {
		t.Errorf("done frames = %d, want 0 on checkpoint hand-off", sink.count("done"))
	}
}

func TestRunAggregatesUsageAcrossAttempts(t *testing.T) {
	factory := &scriptedFactory{attempts: []scriptedAttempt{
		{
			result: &executor.Result{Success: false, Err: &executor.Error{Code: executor.CodeRateLimited}},
			usage:  executor.Usage{InputTokens: 40, OutputTokens: 5, Model: "claude-sonnet"},
		},
		{
			result: &executor.Result{Success: true, Analysis: "done"},
			usage:  executor.Usage{InputTokens: 60, OutputTokens: 20, Model: "gpt-4o"},
		},
	}}
	req := &Request{ExecutionID: "exec-1"}

	sink := &recordingSink{}
	em := stream.NewEmitter("test", sink)
	defer em.Close()

	rec := newCapturingSink()
	loader := bundle.NewLoader(emptyStores{}, emptyStores{}, nil, nil)
	d := New(loader, factory, &fakeHealth{}, nil, rec, nil, []string{"claude-sonnet", "gpt-4o"})

	res := d.Run(context.Background(), req, em)
	if res.State != StateSucceeded {
		t.Fatalf("State = %q, want %q", res.State, StateSucceeded)
	}

	got := rec.wait(t)
	if got.Usage.InputTokens != 100 || got.Usage.OutputTokens != 25 {
		t.Errorf("aggregated usage = %d in / %d out, want 100 / 25",
			got.Usage.InputTokens, got.Usage.OutputTokens)
	}
	if got.Usage.Model != "gpt-4o" {
		t.Errorf("usage model = %q, want the model that completed", got.Usage.Model)
	}
}

// capturingSink hands the (asynchronously recorded) usage record back to
// the test.
type capturingSink struct {
	ch chan usage.Record
}

func newCapturingSink() *capturingSink {
	return &capturingSink{ch: make(chan usage.Record, 1)}
}

func (s *capturingSink) Record(rec usage.Record) { s.ch <- rec }

func (s *capturingSink) wait(t *testing.T) usage.Record {
	t.Helper()
	select {
	case rec := <-s.ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("usage record never arrived")
		return usage.Record{}
	}
}
