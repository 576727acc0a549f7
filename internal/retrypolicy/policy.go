// Package retrypolicy wraps step executor calls with bounded exponential
// backoff. Retryability is data on the StepOutcome, never inferred from error
// types, and the last attempt's detail is the authoritative failure cause.
package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jcarver/prwarden/internal/pipeline"
)

// ErrCancelled is returned when cancellation was requested between attempts.
var ErrCancelled = errors.New("cancelled between retry attempts")

// Policy bounds how often and how long one state's executor may be retried.
type Policy struct {
	// MaxAttempts is the retry budget per state.
	MaxAttempts int
	// BaseDelay is the first backoff interval.
	BaseDelay time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter randomizes each delay symmetrically (0..1).
	Jitter float64
	// StepDeadline is the hard wall clock for all attempts of one state,
	// overriding the attempt budget.
	StepDeadline time.Duration
}

// Default returns the policy used when config omits retry settings.
func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    2 * time.Second,
		Factor:       2.0,
		Jitter:       0.5,
		StepDeadline: 10 * time.Minute,
	}
}

// Attempt describes one executor invocation for observers.
type Attempt struct {
	Number   int // 1-indexed
	Outcome  *pipeline.StepOutcome
	Duration time.Duration
}

// StepFunc runs one executor attempt.
type StepFunc func(ctx context.Context) (*pipeline.StepOutcome, error)

// Execute invokes step until it succeeds, returns a non-retryable outcome,
// exhausts the attempt budget, or hits the state deadline. Every completed
// attempt is reported to observe (if non-nil) before the next one starts.
//
// The in-flight attempt runs against a context that carries the state
// deadline but not the caller's cancellation: an executor call is never
// interrupted mid-flight by a CANCEL signal. Cancellation is honored between
// attempts, returning ErrCancelled with the in-flight result discarded.
//
// A non-nil error from step is fatal: it aborts immediately with no retry
// regardless of budget.
func (p Policy) Execute(ctx context.Context, step StepFunc, observe func(Attempt)) (*pipeline.StepOutcome, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	deadline := time.Now().Add(p.StepDeadline)
	bo := p.newBackOff()

	var last *pipeline.StepOutcome
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
		start := time.Now()
		out, err := step(attemptCtx)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			return nil, fmt.Errorf("attempt %d: %w", attempt, err)
		}

		if observe != nil {
			observe(Attempt{Number: attempt, Outcome: out, Duration: elapsed})
		}

		// The caller may have requested cancellation while the attempt ran;
		// the result stands in the log but drives no further work.
		if ctx.Err() != nil {
			return last, ErrCancelled
		}

		last = out
		if out.Success || !out.Retryable {
			return out, nil
		}

		if attempt == p.MaxAttempts {
			break
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop || time.Now().Add(delay).After(deadline) {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return last, ErrCancelled
		}
	}
	return last, nil
}

// newBackOff builds the exponential schedule for one state's attempts.
func (p Policy) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.Multiplier = p.Factor
	bo.RandomizationFactor = p.Jitter
	bo.MaxInterval = p.StepDeadline
	bo.MaxElapsedTime = p.StepDeadline
	bo.Reset()
	return bo
}
