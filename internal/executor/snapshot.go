package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jcarver/prwarden/internal/pipeline"
	"github.com/jcarver/prwarden/internal/sandbox"
)

// SandboxProvider is the subset of the sandbox client the executors need.
type SandboxProvider interface {
	Create(ctx context.Context, opts sandbox.CreateOpts) (*sandbox.Snapshot, error)
	Exec(ctx context.Context, snapshotID, dir, command string) (*sandbox.ExecResult, error)
	Destroy(ctx context.Context, snapshotID string) error
}

// SnapshotExecutor provisions the isolated environment for a run.
type SnapshotExecutor struct {
	provider SandboxProvider
	image    string
	tools    []string
	envNames []string
}

// NewSnapshotExecutor creates the SNAPSHOT_CREATING adapter.
func NewSnapshotExecutor(provider SandboxProvider, image string, tools, envNames []string) *SnapshotExecutor {
	return &SnapshotExecutor{provider: provider, image: image, tools: tools, envNames: envNames}
}

func (e *SnapshotExecutor) Step() pipeline.State {
	return pipeline.StateSnapshotCreating
}

// Invoke creates a snapshot and returns its handle on the outcome.
func (e *SnapshotExecutor) Invoke(ctx context.Context, in Input) (*pipeline.StepOutcome, error) {
	if e.image == "" {
		return nil, fmt.Errorf("pipeline %s: sandbox base image not configured", in.PipelineID)
	}

	snap, err := e.provider.Create(ctx, sandbox.CreateOpts{
		BaseImage: e.image,
		Tools:     e.tools,
		Env:       e.envNames,
	})
	if err != nil {
		return transportOutcome(err)
	}

	handle := &pipeline.SandboxHandle{
		SnapshotID: snap.ID,
		Status:     pipeline.SandboxReady,
		BaseImage:  e.image,
		Tools:      e.tools,
		EnvNames:   e.envNames,
		CreatedAt:  time.Now().UTC(),
	}
	detail, _ := json.Marshal(map[string]string{"snapshot_id": snap.ID})
	return &pipeline.StepOutcome{
		Success: true,
		Summary: fmt.Sprintf("snapshot %s ready", snap.ID),
		Detail:  detail,
		Sandbox: handle,
	}, nil
}
