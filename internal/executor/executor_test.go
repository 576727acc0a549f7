package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/jcarver/prwarden/internal/httpapi"
	"github.com/jcarver/prwarden/internal/pipeline"
	"github.com/jcarver/prwarden/internal/runners"
	"github.com/jcarver/prwarden/internal/sandbox"
)

// fakeSandbox scripts Create/Exec responses per call.
type fakeSandbox struct {
	createSnap *sandbox.Snapshot
	createErr  error

	execResults []*sandbox.ExecResult
	execErr     error
	execCalls   []string

	destroyed []string
}

func (f *fakeSandbox) Create(ctx context.Context, opts sandbox.CreateOpts) (*sandbox.Snapshot, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createSnap, nil
}

func (f *fakeSandbox) Exec(ctx context.Context, snapshotID, dir, command string) (*sandbox.ExecResult, error) {
	f.execCalls = append(f.execCalls, command)
	if f.execErr != nil {
		return nil, f.execErr
	}
	i := len(f.execCalls) - 1
	if i >= len(f.execResults) {
		i = len(f.execResults) - 1
	}
	return f.execResults[i], nil
}

func (f *fakeSandbox) Destroy(ctx context.Context, snapshotID string) error {
	f.destroyed = append(f.destroyed, snapshotID)
	return nil
}

func testInput() Input {
	return Input{
		PipelineID: "run-1",
		PR:         pipeline.PRRef{Repo: "acme/shop", Number: 7, HeadSHA: "abc123def456789"},
		Sandbox:    &pipeline.SandboxHandle{SnapshotID: "snap-1", Status: pipeline.SandboxReady},
	}
}

func TestNewSetRejectsDuplicates(t *testing.T) {
	fs := &fakeSandbox{}
	if _, err := NewSet(NewCloneExecutor(fs), NewCloneExecutor(fs)); err == nil {
		t.Fatal("NewSet should reject duplicate steps")
	}

	set, err := NewSet(NewCloneExecutor(fs), NewDeployExecutor(fs, "make deploy"))
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	if len(set) != 2 {
		t.Errorf("set has %d entries, want 2", len(set))
	}
	if set[pipeline.StateSourceCloning] == nil {
		t.Error("set missing clone executor")
	}
}

func TestSnapshotExecutor(t *testing.T) {
	fs := &fakeSandbox{createSnap: &sandbox.Snapshot{ID: "snap-42", Status: "ready"}}
	e := NewSnapshotExecutor(fs, "ubuntu-24.04", []string{"git"}, []string{"API_KEY"})

	if e.Step() != pipeline.StateSnapshotCreating {
		t.Errorf("Step = %s, want %s", e.Step(), pipeline.StateSnapshotCreating)
	}

	out, err := e.Invoke(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.Success {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if out.Sandbox == nil || out.Sandbox.SnapshotID != "snap-42" {
		t.Fatalf("Sandbox = %+v, want handle for snap-42", out.Sandbox)
	}
	if out.Sandbox.Status != pipeline.SandboxReady {
		t.Errorf("Status = %s, want ready", out.Sandbox.Status)
	}
	if out.Sandbox.BaseImage != "ubuntu-24.04" {
		t.Errorf("BaseImage = %q, want ubuntu-24.04", out.Sandbox.BaseImage)
	}
	if len(out.Sandbox.EnvNames) != 1 || out.Sandbox.EnvNames[0] != "API_KEY" {
		t.Errorf("EnvNames = %v, want [API_KEY]", out.Sandbox.EnvNames)
	}
}

func TestSnapshotExecutorMissingImageIsFatal(t *testing.T) {
	e := NewSnapshotExecutor(&fakeSandbox{}, "", nil, nil)
	if _, err := e.Invoke(context.Background(), testInput()); err == nil {
		t.Fatal("missing base image should be a fatal error")
	}
}

func TestSnapshotExecutorTransportErrorIsRetryable(t *testing.T) {
	fs := &fakeSandbox{createErr: &httpapi.Error{Status: 503, Body: "overloaded"}}
	e := NewSnapshotExecutor(fs, "ubuntu-24.04", nil, nil)

	out, err := e.Invoke(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Success || !out.Retryable {
		t.Errorf("outcome = %+v, want retryable failure", out)
	}
}

func TestSnapshotExecutorRejectedRequestIsFatal(t *testing.T) {
	fs := &fakeSandbox{createErr: &httpapi.Error{Status: 400, Body: "unknown image"}}
	e := NewSnapshotExecutor(fs, "bogus-image", nil, nil)

	if _, err := e.Invoke(context.Background(), testInput()); err == nil {
		t.Fatal("a 400 from the provider should be fatal")
	}
}

func TestCloneExecutor(t *testing.T) {
	fs := &fakeSandbox{execResults: []*sandbox.ExecResult{{ExitCode: 0, Stdout: "Cloning...\n"}}}
	e := NewCloneExecutor(fs)

	out, err := e.Invoke(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.Success {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if len(fs.execCalls) != 1 {
		t.Fatalf("exec calls = %d, want 1", len(fs.execCalls))
	}
	cmd := fs.execCalls[0]
	if !strings.Contains(cmd, "acme/shop") || !strings.Contains(cmd, "abc123def456789") {
		t.Errorf("clone command %q should target the PR repo and head sha", cmd)
	}
	if !strings.Contains(out.Summary, "abc123de") {
		t.Errorf("Summary = %q, should name the short sha", out.Summary)
	}
}

func TestCloneExecutorFailureIsRetryable(t *testing.T) {
	fs := &fakeSandbox{execResults: []*sandbox.ExecResult{{ExitCode: 128, Stderr: "could not resolve host"}}}
	e := NewCloneExecutor(fs)

	out, err := e.Invoke(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Success || !out.Retryable {
		t.Errorf("outcome = %+v, want retryable failure", out)
	}
	if !strings.Contains(out.Log, "could not resolve host") {
		t.Errorf("Log = %q, should carry stderr", out.Log)
	}
}

func TestCloneExecutorRequiresSandbox(t *testing.T) {
	in := testInput()
	in.Sandbox = nil
	if _, err := NewCloneExecutor(&fakeSandbox{}).Invoke(context.Background(), in); err == nil {
		t.Fatal("clone without a sandbox handle should be fatal")
	}
}

func TestSetupExecutorRunsCommandsInOrder(t *testing.T) {
	fs := &fakeSandbox{execResults: []*sandbox.ExecResult{
		{ExitCode: 0, Stdout: "installed\n"},
		{ExitCode: 0, Stdout: "migrated\n"},
	}}
	e := NewSetupExecutor(fs, []string{"npm install", "npm run migrate"})

	out, err := e.Invoke(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.Success {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if len(fs.execCalls) != 2 || fs.execCalls[0] != "npm install" || fs.execCalls[1] != "npm run migrate" {
		t.Errorf("exec calls = %v, want both commands in order", fs.execCalls)
	}
	if !strings.Contains(out.Log, "installed") || !strings.Contains(out.Log, "migrated") {
		t.Errorf("Log = %q, should accumulate both commands' output", out.Log)
	}
}

func TestSetupExecutorFailureIsClean(t *testing.T) {
	fs := &fakeSandbox{execResults: []*sandbox.ExecResult{
		{ExitCode: 0, Stdout: "ok\n"},
		{ExitCode: 1, Stderr: "missing dependency\n"},
	}}
	e := NewSetupExecutor(fs, []string{"npm install", "npm run migrate"})

	out, err := e.Invoke(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Success || out.Retryable {
		t.Errorf("outcome = %+v, want clean failure", out)
	}
	if !strings.Contains(out.Summary, "npm run migrate") {
		t.Errorf("Summary = %q, should name the failing command", out.Summary)
	}
	if len(fs.execCalls) != 2 {
		t.Errorf("exec calls = %d, want 2 (stop at first failure)", len(fs.execCalls))
	}
}

func TestSetupExecutorNoCommands(t *testing.T) {
	fs := &fakeSandbox{}
	out, err := NewSetupExecutor(fs, nil).Invoke(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.Success {
		t.Errorf("outcome = %+v, want vacuous success", out)
	}
	if len(fs.execCalls) != 0 {
		t.Errorf("exec calls = %d, want 0", len(fs.execCalls))
	}
}

func TestDeployExecutor(t *testing.T) {
	fs := &fakeSandbox{execResults: []*sandbox.ExecResult{{ExitCode: 0, Stdout: "built\n"}}}
	out, err := NewDeployExecutor(fs, "make build").Invoke(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.Success {
		t.Errorf("outcome = %+v, want success", out)
	}

	fs = &fakeSandbox{execResults: []*sandbox.ExecResult{{ExitCode: 2, Stderr: "compile error\n"}}}
	out, err = NewDeployExecutor(fs, "make build").Invoke(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Success || out.Retryable {
		t.Errorf("outcome = %+v, want clean failure", out)
	}
}

// fakeRunner scripts report responses.
type fakeRunner struct {
	report *runners.Report
	err    error
	target runners.Target
}

func (f *fakeRunner) Run(ctx context.Context, target runners.Target) (*runners.Report, error) {
	f.target = target
	return f.report, f.err
}

func TestReportExecutorPassed(t *testing.T) {
	fr := &fakeRunner{report: &runners.Report{Passed: true, Summary: "clean"}}
	e := NewAnalysisExecutor(fr)

	if e.Step() != pipeline.StateStaticAnalysis {
		t.Errorf("Step = %s, want %s", e.Step(), pipeline.StateStaticAnalysis)
	}

	out, err := e.Invoke(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.Success {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if fr.target.SnapshotID != "snap-1" || fr.target.Ref != "abc123def456789" {
		t.Errorf("target = %+v, want snapshot and head sha from input", fr.target)
	}
}

func TestReportExecutorFailureCarriesFindings(t *testing.T) {
	fr := &fakeRunner{report: &runners.Report{
		Passed: false,
		Findings: []pipeline.Finding{
			{File: "app.js", Line: 3, Message: "undefined variable", Severity: "error"},
		},
	}}
	e := NewUITestExecutor(fr)

	if e.Step() != pipeline.StateUITesting {
		t.Errorf("Step = %s, want %s", e.Step(), pipeline.StateUITesting)
	}

	out, err := e.Invoke(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Success || out.Retryable {
		t.Errorf("outcome = %+v, want clean failure", out)
	}
	if len(out.Findings) != 1 || out.Findings[0].File != "app.js" {
		t.Errorf("Findings = %+v, want the runner's finding", out.Findings)
	}
}

func TestReportExecutorTransportError(t *testing.T) {
	fr := &fakeRunner{err: &httpapi.Error{Status: 502, Body: "upstream down"}}
	out, err := NewAnalysisExecutor(fr).Invoke(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Success || !out.Retryable {
		t.Errorf("outcome = %+v, want retryable failure", out)
	}
}

func TestTail(t *testing.T) {
	if got := tail("hello", 10); got != "hello" {
		t.Errorf("tail = %q, want full string", got)
	}
	if got := tail("hello world", 5); got != "world" {
		t.Errorf("tail = %q, want %q", got, "world")
	}
}
