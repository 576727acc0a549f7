// Package engine drives a single pipeline run through the fixed state order,
// invoking step executors through the retry policy and persisting every
// transition. One engine call owns one run for its whole life: transitions
// for a run are strictly serial, runs are independent of each other.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jcarver/prwarden/internal/executor"
	"github.com/jcarver/prwarden/internal/notify"
	"github.com/jcarver/prwarden/internal/pipeline"
	"github.com/jcarver/prwarden/internal/retrypolicy"
)

// Store is the persistence surface the engine writes through. The engine is
// the single writer for any run it drives.
type Store interface {
	GetRun(id string) (*pipeline.Run, error)
	UpdateRun(id string, fn func(*pipeline.Run) error) (*pipeline.Run, error)
	AppendStepResult(runID string, sr pipeline.StepResult, rawLog string) (string, error)
}

// Merger issues the merge call decided by MERGE_DECISION.
type Merger interface {
	MergePR(ctx context.Context, ref pipeline.PRRef, strategy string) error
}

// SandboxDestroyer tears down a run's snapshot at terminal states.
type SandboxDestroyer interface {
	Destroy(ctx context.Context, snapshotID string) error
}

// CeilingMarker is appended to the failure cause when the agent-continuation
// budget for a lineage is spent.
const CeilingMarker = "iteration ceiling reached"

// Config holds the engine's decision inputs.
type Config struct {
	AutoMerge     bool
	MergeStrategy string
	// MaxIterations is the agent-continuation ceiling per lineage.
	MaxIterations int
}

// Engine executes pipeline runs.
type Engine struct {
	store     Store
	execs     executor.Set
	policy    retrypolicy.Policy
	merger    Merger
	destroyer SandboxDestroyer
	sink      *notify.Sink
	cfg       Config
}

// New creates an Engine. merger and destroyer may be nil only in tests that
// never reach the states using them.
func New(store Store, execs executor.Set, policy retrypolicy.Policy, merger Merger, destroyer SandboxDestroyer, sink *notify.Sink, cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	return &Engine{
		store:     store,
		execs:     execs,
		policy:    policy,
		merger:    merger,
		destroyer: destroyer,
		sink:      sink,
		cfg:       cfg,
	}
}

// Run drives the pipeline from its current state to a terminal state and
// returns the final run record. Cancellation via ctx is cooperative: it is
// honored between retry attempts and at state boundaries.
func (e *Engine) Run(ctx context.Context, runID string) (*pipeline.Run, error) {
	r, err := e.store.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	for !r.Terminal() {
		if ctx.Err() != nil {
			return e.cancel(r, "cancelled before "+string(r.State))
		}

		switch {
		case r.State == pipeline.StateCreated:
			// CREATED has no executor; the first real work is provisioning.
			r, err = e.transition(r, pipeline.StateSnapshotCreating, nil)
		case r.State == pipeline.StateMergeDecision:
			r, err = e.decideMerge(ctx, r)
		default:
			r, err = e.runStep(ctx, r)
		}
		if err != nil {
			return r, err
		}
	}
	return r, nil
}

// runStep invokes the current state's executor through the retry policy and
// applies the transition rule to its outcome.
func (e *Engine) runStep(ctx context.Context, r *pipeline.Run) (*pipeline.Run, error) {
	exec, ok := e.execs[r.State]
	if !ok {
		log.Printf("[engine] FATAL: no executor registered for state %s (run %s)", r.State, r.ID)
		return e.fail(r, fmt.Sprintf("no executor registered for state %s", r.State))
	}

	in := executor.Input{PipelineID: r.ID, PR: r.PR, Sandbox: r.Sandbox}

	outcome, err := e.policy.Execute(ctx, func(attemptCtx context.Context) (*pipeline.StepOutcome, error) {
		return exec.Invoke(attemptCtx, in)
	}, func(a retrypolicy.Attempt) {
		e.recordAttempt(r, a)
	})

	switch {
	case errors.Is(err, retrypolicy.ErrCancelled):
		return e.cancel(r, "cancelled during "+string(r.State))
	case err != nil:
		// Fatal: malformed input or config. Never retried, loudly surfaced.
		log.Printf("[engine] FATAL: step %s of run %s aborted: %v", r.State, r.ID, err)
		return e.fail(r, fmt.Sprintf("%s aborted: %v", r.State, err))
	}

	if outcome == nil {
		return e.fail(r, fmt.Sprintf("%s produced no outcome", r.State))
	}
	if !outcome.Success {
		// Last attempt's detail is the authoritative cause, whether the
		// budget ran out or the failure was clean.
		return e.fail(r, outcome.Summary)
	}

	next, nerr := pipeline.Next(r.State)
	if nerr != nil {
		return e.fail(r, nerr.Error())
	}
	return e.transition(r, next, outcome.Sandbox)
}

// decideMerge implements the one state where success does not imply an
// action was taken: with auto-merge off the run completes unmerged.
func (e *Engine) decideMerge(ctx context.Context, r *pipeline.Run) (*pipeline.Run, error) {
	if ctx.Err() != nil {
		return e.cancel(r, "cancelled before merge decision")
	}

	start := time.Now()
	if !e.cfg.AutoMerge {
		e.appendResult(r, pipeline.StepResult{
			Step:     pipeline.StateMergeDecision,
			Status:   pipeline.StepSuccess,
			Attempt:  1,
			Summary:  pipeline.MergeSummaryNotMerged,
			Duration: time.Since(start),
		}, "")
		return e.transition(r, pipeline.StateCompleted, nil)
	}

	if err := e.merger.MergePR(ctx, r.PR, e.cfg.MergeStrategy); err != nil {
		e.appendResult(r, pipeline.StepResult{
			Step:     pipeline.StateMergeDecision,
			Status:   pipeline.StepFailure,
			Attempt:  1,
			Summary:  fmt.Sprintf("merge failed: %v", err),
			Duration: time.Since(start),
		}, "")
		return e.fail(r, fmt.Sprintf("merge failed: %v", err))
	}

	e.appendResult(r, pipeline.StepResult{
		Step:     pipeline.StateMergeDecision,
		Status:   pipeline.StepSuccess,
		Attempt:  1,
		Summary:  pipeline.MergeSummaryMerged,
		Duration: time.Since(start),
	}, "")
	e.sink.Emit(notify.Event{
		RunID: r.ID, Type: notify.EventMerged, From: pipeline.StateMergeDecision,
		Detail: fmt.Sprintf("PR #%d merged (%s)", r.PR.Number, e.cfg.MergeStrategy),
	})
	return e.transition(r, pipeline.StateCompleted, nil)
}

// recordAttempt persists one executor attempt and mirrors the per-step retry
// counter onto the run.
func (e *Engine) recordAttempt(r *pipeline.Run, a retrypolicy.Attempt) {
	status := pipeline.StepFailure
	result := "failure"
	if a.Outcome.Success {
		status = pipeline.StepSuccess
		result = "success"
	}
	e.appendResult(r, pipeline.StepResult{
		Step:     r.State,
		Status:   status,
		Attempt:  a.Number,
		Summary:  a.Outcome.Summary,
		Detail:   a.Outcome.Detail,
		Findings: a.Outcome.Findings,
		Duration: a.Duration,
	}, a.Outcome.Log)

	if _, err := e.store.UpdateRun(r.ID, func(run *pipeline.Run) error {
		run.RetryCount = a.Number
		return nil
	}); err != nil {
		log.Printf("[engine] update retry count for run %s: %v", r.ID, err)
	}

	e.sink.Emit(notify.Event{
		RunID: r.ID, Type: notify.EventStepAttempt, From: r.State,
		Attempt: a.Number, Detail: result,
	})
	if !a.Outcome.Success && a.Outcome.Retryable {
		e.sink.Emit(notify.Event{
			RunID: r.ID, Type: notify.EventRetryScheduled, From: r.State,
			Attempt: a.Number, Detail: a.Outcome.Summary,
		})
	}
}

func (e *Engine) appendResult(r *pipeline.Run, sr pipeline.StepResult, rawLog string) {
	sr.At = time.Now().UTC()
	logRef, err := e.store.AppendStepResult(r.ID, sr, rawLog)
	if err != nil {
		log.Printf("[engine] append step result for run %s: %v", r.ID, err)
		return
	}
	sr.LogRef = logRef
	r.StepResults = append(r.StepResults, sr)
}

// transition advances the run to the next state, resetting the per-step
// retry counter. A sandbox handle from the snapshot step is attached here.
func (e *Engine) transition(r *pipeline.Run, to pipeline.State, handle *pipeline.SandboxHandle) (*pipeline.Run, error) {
	if !pipeline.ValidTransition(r.State, to) {
		return r, fmt.Errorf("illegal transition %s -> %s for run %s", r.State, to, r.ID)
	}
	from := r.State
	updated, err := e.store.UpdateRun(r.ID, func(run *pipeline.Run) error {
		run.PrevState = run.State
		run.State = to
		run.RetryCount = 0
		if handle != nil {
			run.Sandbox = handle
		}
		if pipeline.IsTerminal(to) {
			now := time.Now().UTC()
			run.TerminalAt = &now
		}
		return nil
	})
	if err != nil {
		return r, fmt.Errorf("persist transition %s -> %s: %w", from, to, err)
	}
	updated.StepResults = r.StepResults

	e.sink.Emit(notify.Event{RunID: r.ID, Type: notify.EventTransition, From: from, To: to})
	if pipeline.IsTerminal(to) {
		e.teardown(updated)
	}
	return updated, nil
}

// fail moves the run to FAILED with the given cause. If this failure spends
// the lineage's continuation budget, the cause carries the ceiling marker so
// the exhaustion is visible without consulting config.
func (e *Engine) fail(r *pipeline.Run, cause string) (*pipeline.Run, error) {
	if r.Iteration+1 >= e.cfg.MaxIterations {
		cause = cause + "; " + CeilingMarker
	}
	// Steps past the failing one never execute. Recording them as skipped
	// keeps the stored sequence covering the full order for every run.
	for _, step := range unreachedAfter(r.State) {
		e.appendResult(r, pipeline.StepResult{
			Step:    step,
			Status:  pipeline.StepSkipped,
			Summary: "not reached",
		}, "")
	}
	from := r.State
	updated, err := e.store.UpdateRun(r.ID, func(run *pipeline.Run) error {
		run.PrevState = run.State
		run.State = pipeline.StateFailed
		run.Cause = cause
		now := time.Now().UTC()
		run.TerminalAt = &now
		return nil
	})
	if err != nil {
		return r, fmt.Errorf("persist failure of run %s: %w", r.ID, err)
	}
	updated.StepResults = r.StepResults

	e.sink.Emit(notify.Event{
		RunID: r.ID, Type: notify.EventTransition,
		From: from, To: pipeline.StateFailed, Detail: cause,
	})
	e.teardown(updated)
	return updated, nil
}

// unreachedAfter lists the working states that follow s in pipeline order.
func unreachedAfter(s pipeline.State) []pipeline.State {
	var out []pipeline.State
	found := false
	for _, st := range pipeline.Order() {
		if found {
			out = append(out, st)
		}
		if st == s {
			found = true
		}
	}
	return out
}

// cancel moves the run to CANCELLED. No further processing happens; sandbox
// teardown is attempted like at every terminal state.
func (e *Engine) cancel(r *pipeline.Run, detail string) (*pipeline.Run, error) {
	from := r.State
	updated, err := e.store.UpdateRun(r.ID, func(run *pipeline.Run) error {
		run.PrevState = run.State
		run.State = pipeline.StateCancelled
		run.Cause = detail
		now := time.Now().UTC()
		run.TerminalAt = &now
		return nil
	})
	if err != nil {
		return r, fmt.Errorf("persist cancellation of run %s: %w", r.ID, err)
	}
	updated.StepResults = r.StepResults

	e.sink.Emit(notify.Event{
		RunID: r.ID, Type: notify.EventCancelled,
		From: from, To: pipeline.StateCancelled, Detail: detail,
	})
	e.teardown(updated)
	return updated, nil
}

// teardown destroys the run's sandbox, best effort. It uses a fresh context
// so teardown still happens when the run was cancelled.
func (e *Engine) teardown(r *pipeline.Run) {
	if r.Sandbox == nil || r.Sandbox.Status == pipeline.SandboxDestroyed || e.destroyer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.destroyer.Destroy(ctx, r.Sandbox.SnapshotID); err != nil {
		log.Printf("[engine] sandbox teardown for run %s failed: %v", r.ID, err)
		e.sink.Emit(notify.Event{
			RunID: r.ID, Type: notify.EventSandboxOrphaned,
			Detail: r.Sandbox.SnapshotID,
		})
		return
	}

	if _, err := e.store.UpdateRun(r.ID, func(run *pipeline.Run) error {
		if run.Sandbox != nil {
			run.Sandbox.Status = pipeline.SandboxDestroyed
		}
		return nil
	}); err != nil {
		log.Printf("[engine] record sandbox teardown for run %s: %v", r.ID, err)
	}
	e.sink.Emit(notify.Event{
		RunID: r.ID, Type: notify.EventSandboxDestroy,
		Detail: r.Sandbox.SnapshotID,
	})
}
