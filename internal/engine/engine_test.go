package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jcarver/prwarden/internal/executor"
	"github.com/jcarver/prwarden/internal/notify"
	"github.com/jcarver/prwarden/internal/pipeline"
	"github.com/jcarver/prwarden/internal/retrypolicy"
)

// memStore is an in-memory engine.Store.
type memStore struct {
	mu    sync.Mutex
	runs  map[string]*pipeline.Run
	steps []recordedStep
}

type recordedStep struct {
	runID  string
	result pipeline.StepResult
	rawLog string
}

func newMemStore(runs ...*pipeline.Run) *memStore {
	m := &memStore{runs: make(map[string]*pipeline.Run)}
	for _, r := range runs {
		cp := *r
		m.runs[r.ID] = &cp
	}
	return m
}

func (m *memStore) GetRun(id string) (*pipeline.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, errors.New("run not found")
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) UpdateRun(id string, fn func(*pipeline.Run) error) (*pipeline.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, errors.New("run not found")
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	return &cp, nil
}

func (m *memStore) AppendStepResult(runID string, sr pipeline.StepResult, rawLog string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, recordedStep{runID: runID, result: sr, rawLog: rawLog})
	return fmt.Sprintf("step-result/%d", len(m.steps)), nil
}

// stepsFor returns the recorded results for one state, in order.
func (m *memStore) stepsFor(state pipeline.State) []pipeline.StepResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pipeline.StepResult
	for _, s := range m.steps {
		if s.result.Step == state {
			out = append(out, s.result)
		}
	}
	return out
}

func (m *memStore) allSteps() []pipeline.StepResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pipeline.StepResult
	for _, s := range m.steps {
		out = append(out, s.result)
	}
	return out
}

// scriptedExec returns its outcomes in sequence, repeating the last one.
type scriptedExec struct {
	step     pipeline.State
	outcomes []*pipeline.StepOutcome
	err      error
	calls    int
}

func (s *scriptedExec) Step() pipeline.State { return s.step }

func (s *scriptedExec) Invoke(ctx context.Context, in executor.Input) (*pipeline.StepOutcome, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	i := s.calls - 1
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	return s.outcomes[i], nil
}

func ok(summary string) *pipeline.StepOutcome {
	return &pipeline.StepOutcome{Success: true, Summary: summary}
}

// allGreenSet builds executors that succeed for every state, with the
// snapshot step handing back a sandbox handle.
func allGreenSet(t *testing.T) executor.Set {
	t.Helper()
	snapshotOut := ok("snapshot snap-1 ready")
	snapshotOut.Sandbox = &pipeline.SandboxHandle{SnapshotID: "snap-1", Status: pipeline.SandboxReady}
	set, err := executor.NewSet(
		&scriptedExec{step: pipeline.StateSnapshotCreating, outcomes: []*pipeline.StepOutcome{snapshotOut}},
		&scriptedExec{step: pipeline.StateSourceCloning, outcomes: []*pipeline.StepOutcome{ok("cloned")}},
		&scriptedExec{step: pipeline.StateSetupRunning, outcomes: []*pipeline.StepOutcome{ok("setup done")}},
		&scriptedExec{step: pipeline.StateDeploymentValidating, outcomes: []*pipeline.StepOutcome{ok("deploy ok")}},
		&scriptedExec{step: pipeline.StateStaticAnalysis, outcomes: []*pipeline.StepOutcome{ok("clean")}},
		&scriptedExec{step: pipeline.StateUITesting, outcomes: []*pipeline.StepOutcome{ok("all passed")}},
	)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	return set
}

type fakeMerger struct {
	calls    int
	strategy string
	err      error
}

func (f *fakeMerger) MergePR(ctx context.Context, ref pipeline.PRRef, strategy string) error {
	f.calls++
	f.strategy = strategy
	return f.err
}

type fakeDestroyer struct {
	mu        sync.Mutex
	destroyed []string
	err       error
}

func (f *fakeDestroyer) Destroy(ctx context.Context, snapshotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, snapshotID)
	return f.err
}

func fastEngine(store Store, set executor.Set, merger Merger, destroyer SandboxDestroyer, cfg Config) *Engine {
	policy := retrypolicy.Policy{
		MaxAttempts:  3,
		BaseDelay:    time.Microsecond,
		Factor:       2.0,
		StepDeadline: time.Minute,
	}
	return New(store, set, policy, merger, destroyer, notify.NewSink(nil, nil), cfg)
}

func newRun(id string) *pipeline.Run {
	return &pipeline.Run{
		ID:        id,
		Project:   "shop",
		PR:        pipeline.PRRef{Repo: "acme/shop", Number: 7, HeadSHA: "abc123"},
		State:     pipeline.StateCreated,
		StartedAt: time.Now().UTC(),
	}
}

func TestRunHappyPathWithAutoMerge(t *testing.T) {
	store := newMemStore(newRun("run-1"))
	merger := &fakeMerger{}
	destroyer := &fakeDestroyer{}
	e := fastEngine(store, allGreenSet(t), merger, destroyer, Config{
		AutoMerge: true, MergeStrategy: "squash", MaxIterations: 3,
	})

	final, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.State != pipeline.StateCompleted {
		t.Fatalf("State = %s, want COMPLETED", final.State)
	}
	if final.TerminalAt == nil {
		t.Error("TerminalAt should be set")
	}
	if merger.calls != 1 {
		t.Errorf("merge calls = %d, want 1", merger.calls)
	}
	if merger.strategy != "squash" {
		t.Errorf("strategy = %q, want squash", merger.strategy)
	}
	if !final.MergePerformed() {
		t.Error("MergePerformed should report true")
	}
	if len(destroyer.destroyed) != 1 || destroyer.destroyed[0] != "snap-1" {
		t.Errorf("destroyed = %v, want [snap-1]", destroyer.destroyed)
	}

	// One result per executor state plus the merge decision.
	if err := pipeline.CheckPrefix(resultsWithoutMerge(store)); err != nil {
		t.Errorf("step trail out of order: %v", err)
	}
	merge := store.stepsFor(pipeline.StateMergeDecision)
	if len(merge) != 1 || merge[0].Summary != pipeline.MergeSummaryMerged {
		t.Errorf("merge results = %+v, want one %q entry", merge, pipeline.MergeSummaryMerged)
	}

	stored, _ := store.GetRun("run-1")
	if stored.Sandbox == nil || stored.Sandbox.Status != pipeline.SandboxDestroyed {
		t.Errorf("Sandbox = %+v, want destroyed handle", stored.Sandbox)
	}
}

func resultsWithoutMerge(store *memStore) []pipeline.StepResult {
	store.mu.Lock()
	defer store.mu.Unlock()
	var out []pipeline.StepResult
	for _, s := range store.steps {
		if s.result.Step != pipeline.StateMergeDecision {
			out = append(out, s.result)
		}
	}
	return out
}

func TestRunCompletesUnmergedWhenAutoMergeOff(t *testing.T) {
	store := newMemStore(newRun("run-1"))
	merger := &fakeMerger{}
	e := fastEngine(store, allGreenSet(t), merger, &fakeDestroyer{}, Config{AutoMerge: false, MaxIterations: 3})

	final, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.State != pipeline.StateCompleted {
		t.Fatalf("State = %s, want COMPLETED", final.State)
	}
	if merger.calls != 0 {
		t.Errorf("merge calls = %d, want 0", merger.calls)
	}
	if final.MergePerformed() {
		t.Error("MergePerformed should report false")
	}
	merge := store.stepsFor(pipeline.StateMergeDecision)
	if len(merge) != 1 || merge[0].Summary != pipeline.MergeSummaryNotMerged {
		t.Errorf("merge results = %+v, want one %q entry", merge, pipeline.MergeSummaryNotMerged)
	}
}

func TestRunRetriesTransientThenAdvances(t *testing.T) {
	set := allGreenSet(t)
	set[pipeline.StateSourceCloning] = &scriptedExec{
		step: pipeline.StateSourceCloning,
		outcomes: []*pipeline.StepOutcome{
			{Success: false, Retryable: true, Summary: "clone failed with exit code 128"},
			ok("cloned"),
		},
	}
	store := newMemStore(newRun("run-1"))
	e := fastEngine(store, set, &fakeMerger{}, &fakeDestroyer{}, Config{MaxIterations: 3})

	final, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.State != pipeline.StateCompleted {
		t.Fatalf("State = %s, want COMPLETED", final.State)
	}

	attempts := store.stepsFor(pipeline.StateSourceCloning)
	if len(attempts) != 2 {
		t.Fatalf("clone attempts = %d, want 2", len(attempts))
	}
	if attempts[0].Status != pipeline.StepFailure || attempts[1].Status != pipeline.StepSuccess {
		t.Errorf("attempt statuses = %s, %s; want failure then success", attempts[0].Status, attempts[1].Status)
	}
	if attempts[0].Attempt != 1 || attempts[1].Attempt != 2 {
		t.Errorf("attempt numbers = %d, %d; want 1, 2", attempts[0].Attempt, attempts[1].Attempt)
	}
}

func TestRunFailsWhenBudgetExhausted(t *testing.T) {
	set := allGreenSet(t)
	set[pipeline.StateSetupRunning] = &scriptedExec{
		step: pipeline.StateSetupRunning,
		outcomes: []*pipeline.StepOutcome{
			{Success: false, Retryable: true, Summary: "sandbox unreachable"},
		},
	}
	store := newMemStore(newRun("run-1"))
	destroyer := &fakeDestroyer{}
	e := fastEngine(store, set, &fakeMerger{}, destroyer, Config{MaxIterations: 3})

	final, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.State != pipeline.StateFailed {
		t.Fatalf("State = %s, want FAILED", final.State)
	}
	if final.PrevState != pipeline.StateSetupRunning {
		t.Errorf("PrevState = %s, want SETUP_RUNNING", final.PrevState)
	}
	if !strings.Contains(final.Cause, "sandbox unreachable") {
		t.Errorf("Cause = %q, should carry the last attempt's summary", final.Cause)
	}
	if len(store.stepsFor(pipeline.StateSetupRunning)) != 3 {
		t.Errorf("attempts = %d, want the full budget of 3", len(store.stepsFor(pipeline.StateSetupRunning)))
	}
	if len(destroyer.destroyed) != 1 {
		t.Errorf("destroyed = %v, want sandbox teardown on failure", destroyer.destroyed)
	}
}

func TestRunCleanFailureSkipsRetry(t *testing.T) {
	set := allGreenSet(t)
	set[pipeline.StateStaticAnalysis] = &scriptedExec{
		step: pipeline.StateStaticAnalysis,
		outcomes: []*pipeline.StepOutcome{
			{Success: false, Retryable: false, Summary: "static analysis found 4 problem(s)"},
		},
	}
	store := newMemStore(newRun("run-1"))
	e := fastEngine(store, set, &fakeMerger{}, &fakeDestroyer{}, Config{MaxIterations: 3})

	final, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.State != pipeline.StateFailed {
		t.Fatalf("State = %s, want FAILED", final.State)
	}
	if len(store.stepsFor(pipeline.StateStaticAnalysis)) != 1 {
		t.Errorf("attempts = %d, want 1 (clean failures are not retried)", len(store.stepsFor(pipeline.StateStaticAnalysis)))
	}
	// UI tests never ran; a skipped entry marks that.
	ui := store.stepsFor(pipeline.StateUITesting)
	if len(ui) != 1 || ui[0].Status != pipeline.StepSkipped {
		t.Errorf("UI test entries = %+v, want one skipped entry", ui)
	}
}

func TestFailureRecordsSkippedSteps(t *testing.T) {
	set := allGreenSet(t)
	set[pipeline.StateSourceCloning] = &scriptedExec{
		step: pipeline.StateSourceCloning,
		outcomes: []*pipeline.StepOutcome{
			{Success: false, Retryable: false, Summary: "clone rejected"},
		},
	}
	store := newMemStore(newRun("run-1"))
	e := fastEngine(store, set, &fakeMerger{}, &fakeDestroyer{}, Config{MaxIterations: 3})

	final, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.State != pipeline.StateFailed {
		t.Fatalf("State = %s, want FAILED", final.State)
	}
	for _, step := range []pipeline.State{
		pipeline.StateSetupRunning,
		pipeline.StateDeploymentValidating,
		pipeline.StateStaticAnalysis,
		pipeline.StateUITesting,
		pipeline.StateMergeDecision,
	} {
		entries := store.stepsFor(step)
		if len(entries) != 1 {
			t.Fatalf("%s entries = %d, want 1", step, len(entries))
		}
		if entries[0].Status != pipeline.StepSkipped {
			t.Errorf("%s status = %s, want skipped", step, entries[0].Status)
		}
		if entries[0].Attempt != 0 {
			t.Errorf("%s attempt = %d, want 0 (never executed)", step, entries[0].Attempt)
		}
	}
	if err := pipeline.CheckPrefix(store.allSteps()); err != nil {
		t.Errorf("recorded sequence out of order: %v", err)
	}
}

func TestRunAppendsCeilingMarker(t *testing.T) {
	set := allGreenSet(t)
	set[pipeline.StateUITesting] = &scriptedExec{
		step:     pipeline.StateUITesting,
		outcomes: []*pipeline.StepOutcome{{Success: false, Summary: "3 scenarios failed"}},
	}
	run := newRun("run-1")
	run.AgentRunID = "lineage-1"
	run.Iteration = 2
	store := newMemStore(run)
	e := fastEngine(store, set, &fakeMerger{}, &fakeDestroyer{}, Config{MaxIterations: 3})

	final, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.State != pipeline.StateFailed {
		t.Fatalf("State = %s, want FAILED", final.State)
	}
	if !strings.Contains(final.Cause, CeilingMarker) {
		t.Errorf("Cause = %q, should carry the ceiling marker", final.Cause)
	}
}

func TestRunFatalErrorFailsPipeline(t *testing.T) {
	set := allGreenSet(t)
	set[pipeline.StateSnapshotCreating] = &scriptedExec{
		step: pipeline.StateSnapshotCreating,
		err:  errors.New("sandbox base image not configured"),
	}
	store := newMemStore(newRun("run-1"))
	e := fastEngine(store, set, &fakeMerger{}, &fakeDestroyer{}, Config{MaxIterations: 3})

	final, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.State != pipeline.StateFailed {
		t.Fatalf("State = %s, want FAILED", final.State)
	}
	if !strings.Contains(final.Cause, "base image not configured") {
		t.Errorf("Cause = %q, should carry the fatal error", final.Cause)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	store := newMemStore(newRun("run-1"))
	e := fastEngine(store, allGreenSet(t), &fakeMerger{}, &fakeDestroyer{}, Config{MaxIterations: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	final, err := e.Run(ctx, "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.State != pipeline.StateCancelled {
		t.Fatalf("State = %s, want CANCELLED", final.State)
	}
	if final.TerminalAt == nil {
		t.Error("TerminalAt should be set")
	}
}

func TestRunMergeFailure(t *testing.T) {
	store := newMemStore(newRun("run-1"))
	merger := &fakeMerger{err: errors.New("merge conflict")}
	e := fastEngine(store, allGreenSet(t), merger, &fakeDestroyer{}, Config{
		AutoMerge: true, MergeStrategy: "squash", MaxIterations: 3,
	})

	final, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.State != pipeline.StateFailed {
		t.Fatalf("State = %s, want FAILED", final.State)
	}
	if !strings.Contains(final.Cause, "merge conflict") {
		t.Errorf("Cause = %q, should carry the merge error", final.Cause)
	}
	merge := store.stepsFor(pipeline.StateMergeDecision)
	if len(merge) != 1 || merge[0].Status != pipeline.StepFailure {
		t.Errorf("merge results = %+v, want one failure entry", merge)
	}
}

func TestRunAlreadyTerminalIsNoop(t *testing.T) {
	run := newRun("run-1")
	run.State = pipeline.StateCancelled
	now := time.Now().UTC()
	run.TerminalAt = &now
	store := newMemStore(run)
	e := fastEngine(store, allGreenSet(t), &fakeMerger{}, &fakeDestroyer{}, Config{MaxIterations: 3})

	final, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.State != pipeline.StateCancelled {
		t.Errorf("State = %s, want CANCELLED untouched", final.State)
	}
	if len(store.steps) != 0 {
		t.Errorf("steps recorded = %d, want 0", len(store.steps))
	}
}
