// Package executor contains one step adapter per external collaborator.
// Each adapter translates its step's semantics into a StepOutcome and
// nothing more: retries and pipeline progression belong to the caller.
package executor

import (
	"context"
	"fmt"

	"github.com/jcarver/prwarden/internal/httpapi"
	"github.com/jcarver/prwarden/internal/pipeline"
)

// Input carries the per-run context a step executor needs.
type Input struct {
	PipelineID string
	PR         pipeline.PRRef
	Sandbox    *pipeline.SandboxHandle
}

// Executor runs one step kind.
//
// The outcome encodes transient failures (Retryable=true) and clean step
// failures (Success=false, Retryable=false). A non-nil error means the input
// or configuration is malformed and the whole pipeline must abort.
type Executor interface {
	Step() pipeline.State
	Invoke(ctx context.Context, in Input) (*pipeline.StepOutcome, error)
}

// Set maps every executor-backed state to its adapter.
type Set map[pipeline.State]Executor

// NewSet builds the registry from individual executors.
func NewSet(execs ...Executor) (Set, error) {
	set := make(Set, len(execs))
	for _, e := range execs {
		if _, dup := set[e.Step()]; dup {
			return nil, fmt.Errorf("duplicate executor for state %q", e.Step())
		}
		set[e.Step()] = e
	}
	return set, nil
}

// transportOutcome converts a collaborator transport error into either a
// retryable outcome or a fatal error, per the error taxonomy.
func transportOutcome(err error) (*pipeline.StepOutcome, error) {
	if httpapi.IsRetryable(err) {
		return &pipeline.StepOutcome{
			Success:   false,
			Retryable: true,
			Summary:   err.Error(),
		}, nil
	}
	return nil, err
}

// requireSandbox guards steps that cannot run before provisioning.
func requireSandbox(in Input) (*pipeline.SandboxHandle, error) {
	if in.Sandbox == nil || in.Sandbox.SnapshotID == "" {
		return nil, fmt.Errorf("pipeline %s: step input missing sandbox handle", in.PipelineID)
	}
	return in.Sandbox, nil
}

// tail returns at most n trailing bytes of s, for log excerpts.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
