// Package scheduler admits pull-request triggers into the pipeline, enforcing
// the one-active-run-per-PR rule, supersede semantics for pushed revisions,
// and a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jcarver/prwarden/internal/notify"
	"github.com/jcarver/prwarden/internal/pipeline"
)

// Trigger event types accepted by Handle.
const (
	TriggerOpened      = "opened"
	TriggerSynchronize = "synchronize"
	TriggerClosed      = "closed"
	TriggerManual      = "manual"
)

// ErrSaturated is returned when a trigger could not get a worker slot within
// the queue wait. The caller decides whether that surfaces as HTTP 503 or a
// CLI error; it is never silent.
var ErrSaturated = errors.New("scheduler saturated, trigger dropped")

// Trigger is one PR event asking for scheduling work.
type Trigger struct {
	Event      string
	PR         pipeline.PRRef
	AgentRunID string
	Iteration  int
}

// Store is the persistence surface the scheduler needs.
type Store interface {
	CreateRun(r *pipeline.Run) error
	GetRun(id string) (*pipeline.Run, error)
	ActiveRunForPR(project string, prNumber int) (*pipeline.Run, error)
	UpdateRun(id string, fn func(*pipeline.Run) error) (*pipeline.Run, error)
}

// SandboxDestroyer tears down sandboxes of runs cancelled without a live
// worker (the owning engine normally handles teardown).
type SandboxDestroyer interface {
	Destroy(ctx context.Context, snapshotID string) error
}

// Runner executes one run to a terminal state. Implemented by the engine.
type Runner interface {
	Run(ctx context.Context, runID string) (*pipeline.Run, error)
}

// FailureHandler receives runs that ended FAILED. Implemented by the
// feedback controller.
type FailureHandler interface {
	OnFailure(ctx context.Context, r *pipeline.Run) error
}

// active tracks one in-flight run and its cancel handle.
type active struct {
	runID  string
	sha    string
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the worker pool and the per-PR admission bookkeeping.
type Scheduler struct {
	store     Store
	runner    Runner
	failures  FailureHandler
	destroyer SandboxDestroyer
	sink      *notify.Sink
	project   string

	workers   *semaphore.Weighted
	queueWait time.Duration

	mu   sync.Mutex
	byPR map[int]*active
	prMu map[int]*sync.Mutex
	wg   sync.WaitGroup
	ctx  context.Context
	stop context.CancelFunc
}

// New creates a Scheduler with the given worker ceiling. destroyer may be nil
// when no sandbox provider is wired.
func New(store Store, runner Runner, failures FailureHandler, destroyer SandboxDestroyer, sink *notify.Sink, project string, workers int, queueWait time.Duration) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	if queueWait <= 0 {
		queueWait = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     store,
		runner:    runner,
		failures:  failures,
		destroyer: destroyer,
		sink:      sink,
		project:   project,
		workers:   semaphore.NewWeighted(int64(workers)),
		queueWait: queueWait,
		byPR:      make(map[int]*active),
		prMu:      make(map[int]*sync.Mutex),
		ctx:       ctx,
		stop:      cancel,
	}
}

// lockPR returns the admission lock for one PR number. Admission and
// cancellation for the same PR are serialized so concurrent triggers cannot
// both pass the active-run check and race to CreateRun.
func (s *Scheduler) lockPR(prNumber int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.prMu[prNumber]
	if !ok {
		m = &sync.Mutex{}
		s.prMu[prNumber] = m
	}
	return m
}

// Handle routes one trigger. Opened and synchronize events schedule a run
// (superseding any active one for the same PR), closed events cancel, manual
// events behave like synchronize. Returns the new run's ID when one was
// scheduled.
func (s *Scheduler) Handle(ctx context.Context, t Trigger) (string, error) {
	switch t.Event {
	case TriggerOpened, TriggerSynchronize, TriggerManual:
		return s.schedule(ctx, t)
	case TriggerClosed:
		s.CancelPR(t.PR.Number, "pull request closed")
		return "", nil
	default:
		return "", fmt.Errorf("unknown trigger event %q", t.Event)
	}
}

// schedule admits one PR revision. Duplicate head SHAs are dropped; an older
// active run for the PR is cancelled and awaited before the new run starts.
func (s *Scheduler) schedule(ctx context.Context, t Trigger) (string, error) {
	if t.PR.HeadSHA == "" {
		return "", fmt.Errorf("trigger for PR #%d has no head sha", t.PR.Number)
	}

	l := s.lockPR(t.PR.Number)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	if cur, ok := s.byPR[t.PR.Number]; ok {
		if cur.sha == t.PR.HeadSHA && t.Event != TriggerManual {
			s.mu.Unlock()
			log.Printf("[scheduler] PR #%d already validating %s, trigger ignored", t.PR.Number, short(t.PR.HeadSHA))
			return cur.runID, nil
		}
		s.mu.Unlock()
		s.supersede(t.PR.Number, cur)
	} else {
		s.mu.Unlock()
	}

	acquireCtx, cancel := context.WithTimeout(ctx, s.queueWait)
	defer cancel()
	if err := s.workers.Acquire(acquireCtx, 1); err != nil {
		log.Printf("[scheduler] DROPPED trigger for PR #%d (%s): no worker slot within %s",
			t.PR.Number, short(t.PR.HeadSHA), s.queueWait)
		s.sink.Emit(notify.Event{
			Type:   notify.EventTriggerDropped,
			Detail: fmt.Sprintf("PR #%d %s: %s", t.PR.Number, short(t.PR.HeadSHA), t.Event),
		})
		return "", ErrSaturated
	}

	// A non-terminal row with no live worker means a previous process died
	// mid-run. Surface it instead of hitting the unique-index error.
	if orphan, err := s.store.ActiveRunForPR(s.project, t.PR.Number); err == nil {
		s.workers.Release(1)
		return "", fmt.Errorf("PR #%d has a stale active run %s in state %s; cancel it first",
			t.PR.Number, orphan.ID, orphan.State)
	}

	run := &pipeline.Run{
		ID:         uuid.NewString(),
		Project:    s.project,
		AgentRunID: t.AgentRunID,
		Iteration:  t.Iteration,
		PR:         t.PR,
		State:      pipeline.StateCreated,
		StartedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateRun(run); err != nil {
		s.workers.Release(1)
		return "", fmt.Errorf("create run for PR #%d: %w", t.PR.Number, err)
	}
	s.sink.Emit(notify.Event{
		RunID: run.ID, Type: notify.EventCreated, To: pipeline.StateCreated,
		Detail: fmt.Sprintf("PR #%d %s (%s)", t.PR.Number, short(t.PR.HeadSHA), t.Event),
	})

	runCtx, runCancel := context.WithCancel(s.ctx)
	a := &active{runID: run.ID, sha: t.PR.HeadSHA, cancel: runCancel, done: make(chan struct{})}
	s.mu.Lock()
	s.byPR[t.PR.Number] = a
	s.mu.Unlock()

	s.wg.Add(1)
	go s.work(runCtx, run.ID, t.PR.Number, a)

	return run.ID, nil
}

// work drives one run to completion and routes failures to feedback.
func (s *Scheduler) work(ctx context.Context, runID string, prNumber int, a *active) {
	defer s.wg.Done()
	defer s.workers.Release(1)
	defer close(a.done)
	defer func() {
		s.mu.Lock()
		if s.byPR[prNumber] == a {
			delete(s.byPR, prNumber)
		}
		s.mu.Unlock()
	}()

	final, err := s.runner.Run(ctx, runID)
	if err != nil {
		log.Printf("[scheduler] run %s ended with error: %v", runID, err)
		return
	}
	if final.State != pipeline.StateFailed || s.failures == nil {
		return
	}
	// Feedback happens outside the run's own context: a cancelled run never
	// reaches FAILED, so this context is only guarding service calls.
	fbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := s.failures.OnFailure(fbCtx, final); err != nil {
		log.Printf("[scheduler] feedback for run %s: %v", runID, err)
	}
}

// supersede cancels an older run for a PR and waits for it to reach a
// terminal state, keeping at most one active run per PR.
func (s *Scheduler) supersede(prNumber int, cur *active) {
	log.Printf("[scheduler] superseding run %s for PR #%d", cur.runID, prNumber)
	s.sink.Emit(notify.Event{
		RunID: cur.runID, Type: notify.EventSuperseded,
		Detail: fmt.Sprintf("PR #%d received a newer revision", prNumber),
	})
	cur.cancel()
	select {
	case <-cur.done:
	case <-time.After(2 * time.Minute):
		log.Printf("[scheduler] run %s did not stop within 2m after supersede", cur.runID)
	}
}

// CancelPR cancels the active run for a PR and reports whether anything was
// cancelled. When no worker owns the PR it falls back to the store: a
// non-terminal row left behind by a dead process is marked CANCELLED directly,
// otherwise it would block every future trigger for the PR.
func (s *Scheduler) CancelPR(prNumber int, reason string) bool {
	l := s.lockPR(prNumber)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	cur, ok := s.byPR[prNumber]
	s.mu.Unlock()
	if !ok {
		return s.cancelStale(prNumber, reason)
	}
	log.Printf("[scheduler] cancelling run %s for PR #%d: %s", cur.runID, prNumber, reason)
	cur.cancel()
	select {
	case <-cur.done:
	case <-time.After(2 * time.Minute):
		log.Printf("[scheduler] run %s did not stop within 2m after cancel", cur.runID)
	}
	return true
}

// cancelStale terminates a non-terminal run that has no live worker, with
// best-effort sandbox teardown. Returns false when the store has no active
// run for the PR.
func (s *Scheduler) cancelStale(prNumber int, reason string) bool {
	stale, err := s.store.ActiveRunForPR(s.project, prNumber)
	if err != nil {
		return false
	}
	from := stale.State
	updated, err := s.store.UpdateRun(stale.ID, func(run *pipeline.Run) error {
		run.PrevState = run.State
		run.State = pipeline.StateCancelled
		run.Cause = reason
		now := time.Now().UTC()
		run.TerminalAt = &now
		return nil
	})
	if err != nil {
		log.Printf("[scheduler] cancel stale run %s for PR #%d: %v", stale.ID, prNumber, err)
		return false
	}
	log.Printf("[scheduler] cancelled stale run %s for PR #%d (no live worker): %s", stale.ID, prNumber, reason)
	s.sink.Emit(notify.Event{
		RunID: stale.ID, Type: notify.EventCancelled,
		From: from, To: pipeline.StateCancelled, Detail: reason,
	})
	s.teardownStale(updated)
	return true
}

// teardownStale destroys a stale run's sandbox. The owning engine is gone,
// so the scheduler is the last component that can reach it.
func (s *Scheduler) teardownStale(r *pipeline.Run) {
	if r.Sandbox == nil || r.Sandbox.Status == pipeline.SandboxDestroyed || s.destroyer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.destroyer.Destroy(ctx, r.Sandbox.SnapshotID); err != nil {
		log.Printf("[scheduler] sandbox teardown for stale run %s failed: %v", r.ID, err)
		s.sink.Emit(notify.Event{
			RunID: r.ID, Type: notify.EventSandboxOrphaned, Detail: r.Sandbox.SnapshotID,
		})
		return
	}
	if _, err := s.store.UpdateRun(r.ID, func(run *pipeline.Run) error {
		if run.Sandbox != nil {
			run.Sandbox.Status = pipeline.SandboxDestroyed
		}
		return nil
	}); err != nil {
		log.Printf("[scheduler] record sandbox teardown for run %s: %v", r.ID, err)
	}
	s.sink.Emit(notify.Event{
		RunID: r.ID, Type: notify.EventSandboxDestroy, Detail: r.Sandbox.SnapshotID,
	})
}

// Retry schedules a fresh run for a finished run's PR revision, preserving
// the lineage. The id may be a run ID; PR-number lookups go through Handle
// with a manual trigger instead.
func (s *Scheduler) Retry(ctx context.Context, runID string) (string, error) {
	prev, err := s.store.GetRun(runID)
	if err != nil {
		return "", fmt.Errorf("load run %s: %w", runID, err)
	}
	if !prev.Terminal() {
		return "", fmt.Errorf("run %s is still active (%s)", runID, prev.State)
	}
	return s.schedule(ctx, Trigger{
		Event:      TriggerManual,
		PR:         prev.PR,
		AgentRunID: prev.AgentRunID,
		Iteration:  prev.Iteration,
	})
}

// Active reports the active run ID for a PR, if any.
func (s *Scheduler) Active(prNumber int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byPR[prNumber]
	if !ok {
		return "", false
	}
	return cur.runID, true
}

// Stop cancels all active runs and waits for workers to drain.
func (s *Scheduler) Stop() {
	s.stop()
	s.wg.Wait()
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
