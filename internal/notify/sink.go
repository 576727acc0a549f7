// Package notify fans out pipeline state transitions to persistence and to
// any listener. It is purely observational: nothing here has control
// authority over a run.
package notify

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jcarver/prwarden/internal/pipeline"
)

// Event types emitted by the orchestrator.
const (
	EventCreated         = "created"
	EventTransition      = "transition"
	EventStepAttempt     = "step_attempt"
	EventRetryScheduled  = "retry_scheduled"
	EventCancelled       = "cancelled"
	EventSuperseded      = "superseded"
	EventMerged          = "merged"
	EventTriggerDropped  = "trigger_dropped"
	EventContinuation    = "continuation_submitted"
	EventCeilingReached  = "iteration_ceiling_reached"
	EventSandboxDestroy  = "sandbox_destroyed"
	EventSandboxOrphaned = "sandbox_teardown_failed"
)

// Event is one observable occurrence in a pipeline's life.
type Event struct {
	RunID   string         `json:"run_id"`
	Type    string         `json:"type"`
	From    pipeline.State `json:"from,omitempty"`
	To      pipeline.State `json:"to,omitempty"`
	Attempt int            `json:"attempt,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	At      time.Time      `json:"at"`
}

// EventLog is the persistence side of the fan-out.
type EventLog interface {
	LogEvent(runID, event string, state pipeline.State, attempt int, detail string) error
}

// Sink distributes events to the event log, the metrics registry, and any
// subscribed listener channel. Slow listeners lose events rather than ever
// blocking a pipeline worker.
type Sink struct {
	log     EventLog
	metrics *Metrics

	mu      sync.Mutex
	subs    map[int]chan Event
	nextSub int
	dropped atomic.Uint64
}

// NewSink creates a Sink. Both log and metrics may be nil in tests.
func NewSink(eventLog EventLog, metrics *Metrics) *Sink {
	return &Sink{
		log:     eventLog,
		metrics: metrics,
		subs:    make(map[int]chan Event),
	}
}

// Emit records and distributes one event.
func (s *Sink) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	if s.log != nil {
		state := ev.To
		if state == "" {
			state = ev.From
		}
		if err := s.log.LogEvent(ev.RunID, ev.Type, state, ev.Attempt, ev.Detail); err != nil {
			log.Printf("[notify] persist event %s for run %s: %v", ev.Type, ev.RunID, err)
		}
	}

	s.observe(ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			count := s.dropped.Add(1)
			if count%50 == 1 {
				log.Printf("[notify] listener full, dropped event (total dropped: %d): type=%s", count, ev.Type)
			}
		}
	}
}

// observe updates metrics for one event.
func (s *Sink) observe(ev Event) {
	if s.metrics == nil {
		return
	}
	switch ev.Type {
	case EventCreated:
		s.metrics.ActiveRuns.Inc()
	case EventTransition, EventCancelled:
		s.metrics.Transitions.WithLabelValues(string(ev.To)).Inc()
		if pipeline.IsTerminal(ev.To) {
			s.metrics.ActiveRuns.Dec()
		}
	case EventStepAttempt:
		s.metrics.StepAttempts.WithLabelValues(string(ev.From), ev.Detail).Inc()
	case EventTriggerDropped:
		s.metrics.TriggersDropped.Inc()
	case EventMerged:
		s.metrics.Merges.Inc()
	case EventContinuation:
		s.metrics.Continuations.Inc()
	}
}

// Subscribe registers a listener. The returned cancel function must be
// called to release the channel.
func (s *Sink) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
	}
}

// DroppedCount returns the number of events dropped across all listeners.
func (s *Sink) DroppedCount() uint64 {
	return s.dropped.Load()
}

// Metrics returns the sink's metrics registry, if any.
func (s *Sink) Metrics() *Metrics {
	return s.metrics
}
