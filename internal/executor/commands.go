package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jcarver/prwarden/internal/pipeline"
)

// workDir is where the source tree lives inside every snapshot.
const workDir = "/workspace"

// logExcerptBytes bounds the output stored on a command outcome's summary
// detail; the full output goes to the raw log.
const logExcerptBytes = 2048

// CloneExecutor checks out the pull-request head commit inside the sandbox.
type CloneExecutor struct {
	provider SandboxProvider
}

// NewCloneExecutor creates the SOURCE_CLONING adapter.
func NewCloneExecutor(provider SandboxProvider) *CloneExecutor {
	return &CloneExecutor{provider: provider}
}

func (e *CloneExecutor) Step() pipeline.State {
	return pipeline.StateSourceCloning
}

// Invoke clones the repository and pins the working tree to the head sha.
// Clone failures are treated as transient: the host or network is far more
// likely at fault than the change under validation.
func (e *CloneExecutor) Invoke(ctx context.Context, in Input) (*pipeline.StepOutcome, error) {
	handle, err := requireSandbox(in)
	if err != nil {
		return nil, err
	}
	if in.PR.Repo == "" || in.PR.HeadSHA == "" {
		return nil, fmt.Errorf("pipeline %s: clone input missing repo or head sha", in.PipelineID)
	}

	cmd := fmt.Sprintf(
		"git clone --no-checkout https://github.com/%s %s && cd %s && git fetch origin %s && git checkout --detach %s",
		in.PR.Repo, workDir, workDir, in.PR.HeadSHA, in.PR.HeadSHA,
	)
	res, err := e.provider.Exec(ctx, handle.SnapshotID, "", cmd)
	if err != nil {
		return transportOutcome(err)
	}
	if res.ExitCode != 0 {
		return commandFailure("clone", res.ExitCode, res.Stdout, res.Stderr, true), nil
	}
	return &pipeline.StepOutcome{
		Success: true,
		Summary: fmt.Sprintf("checked out %s at %s", in.PR.Repo, short(in.PR.HeadSHA)),
		Log:     res.Stdout + res.Stderr,
	}, nil
}

// SetupExecutor runs the project's setup commands inside the sandbox.
type SetupExecutor struct {
	provider SandboxProvider
	commands []string
}

// NewSetupExecutor creates the SETUP_RUNNING adapter.
func NewSetupExecutor(provider SandboxProvider, commands []string) *SetupExecutor {
	return &SetupExecutor{provider: provider, commands: commands}
}

func (e *SetupExecutor) Step() pipeline.State {
	return pipeline.StateSetupRunning
}

// Invoke runs each setup command in order. A failing command is a clean step
// failure: the change broke setup, so the report routes to feedback rather
// than to the retry budget.
func (e *SetupExecutor) Invoke(ctx context.Context, in Input) (*pipeline.StepOutcome, error) {
	handle, err := requireSandbox(in)
	if err != nil {
		return nil, err
	}
	if len(e.commands) == 0 {
		return &pipeline.StepOutcome{
			Success: true,
			Summary: "no setup commands configured",
		}, nil
	}

	var log strings.Builder
	for _, cmd := range e.commands {
		res, err := e.provider.Exec(ctx, handle.SnapshotID, workDir, cmd)
		if err != nil {
			return transportOutcome(err)
		}
		fmt.Fprintf(&log, "$ %s\n%s%s", cmd, res.Stdout, res.Stderr)
		if res.ExitCode != 0 {
			out := commandFailure(fmt.Sprintf("setup command %q", cmd), res.ExitCode, res.Stdout, res.Stderr, false)
			out.Log = log.String()
			return out, nil
		}
	}
	return &pipeline.StepOutcome{
		Success: true,
		Summary: fmt.Sprintf("%d setup command(s) succeeded", len(e.commands)),
		Log:     log.String(),
	}, nil
}

// DeployExecutor runs the deployment/build validation command.
type DeployExecutor struct {
	provider SandboxProvider
	command  string
}

// NewDeployExecutor creates the DEPLOYMENT_VALIDATING adapter.
func NewDeployExecutor(provider SandboxProvider, command string) *DeployExecutor {
	return &DeployExecutor{provider: provider, command: command}
}

func (e *DeployExecutor) Step() pipeline.State {
	return pipeline.StateDeploymentValidating
}

// Invoke runs the deploy command. A non-zero exit is a clean step failure.
func (e *DeployExecutor) Invoke(ctx context.Context, in Input) (*pipeline.StepOutcome, error) {
	handle, err := requireSandbox(in)
	if err != nil {
		return nil, err
	}
	if e.command == "" {
		return &pipeline.StepOutcome{
			Success: true,
			Summary: "no deploy command configured",
		}, nil
	}

	res, err := e.provider.Exec(ctx, handle.SnapshotID, workDir, e.command)
	if err != nil {
		return transportOutcome(err)
	}
	if res.ExitCode != 0 {
		out := commandFailure("deploy validation", res.ExitCode, res.Stdout, res.Stderr, false)
		out.Log = res.Stdout + res.Stderr
		return out, nil
	}
	return &pipeline.StepOutcome{
		Success: true,
		Summary: "deploy validation passed",
		Log:     res.Stdout + res.Stderr,
	}, nil
}

// commandFailure builds the outcome for a command that exited non-zero.
func commandFailure(what string, exitCode int, stdout, stderr string, retryable bool) *pipeline.StepOutcome {
	detail, _ := json.Marshal(map[string]any{
		"exit_code": exitCode,
		"stderr":    tail(stderr, logExcerptBytes),
	})
	return &pipeline.StepOutcome{
		Success:   false,
		Retryable: retryable,
		Summary:   fmt.Sprintf("%s failed with exit code %d", what, exitCode),
		Detail:    detail,
		Log:       stdout + stderr,
	}
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
