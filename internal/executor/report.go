package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jcarver/prwarden/internal/pipeline"
	"github.com/jcarver/prwarden/internal/runners"
)

// ReportRunner is the subset of the runner client the executors need.
type ReportRunner interface {
	Run(ctx context.Context, target runners.Target) (*runners.Report, error)
}

// ReportExecutor adapts a pass/fail report service (static analysis or UI
// tests) into a step. A failing report is a clean step failure carrying the
// runner's findings; only transport problems are retryable.
type ReportExecutor struct {
	step   pipeline.State
	runner ReportRunner
	name   string
}

// NewAnalysisExecutor creates the STATIC_ANALYSIS adapter.
func NewAnalysisExecutor(runner ReportRunner) *ReportExecutor {
	return &ReportExecutor{step: pipeline.StateStaticAnalysis, runner: runner, name: "static analysis"}
}

// NewUITestExecutor creates the UI_TESTING adapter.
func NewUITestExecutor(runner ReportRunner) *ReportExecutor {
	return &ReportExecutor{step: pipeline.StateUITesting, runner: runner, name: "UI tests"}
}

func (e *ReportExecutor) Step() pipeline.State {
	return e.step
}

func (e *ReportExecutor) Invoke(ctx context.Context, in Input) (*pipeline.StepOutcome, error) {
	handle, err := requireSandbox(in)
	if err != nil {
		return nil, err
	}

	report, err := e.runner.Run(ctx, runners.Target{
		Repo:       in.PR.Repo,
		Ref:        in.PR.HeadSHA,
		SnapshotID: handle.SnapshotID,
	})
	if err != nil {
		return transportOutcome(err)
	}

	if report.Passed {
		return &pipeline.StepOutcome{
			Success: true,
			Summary: nonEmpty(report.Summary, e.name+" passed"),
			Log:     report.Log,
		}, nil
	}

	detail, _ := json.Marshal(map[string]any{"finding_count": len(report.Findings)})
	return &pipeline.StepOutcome{
		Success:   false,
		Retryable: false,
		Summary:   nonEmpty(report.Summary, fmt.Sprintf("%s found %d problem(s)", e.name, len(report.Findings))),
		Detail:    detail,
		Findings:  report.Findings,
		Log:       report.Log,
	}, nil
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
