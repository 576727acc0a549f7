package pipeline

import (
	"encoding/json"
	"time"
)

// State identifies one stage of the fixed validation sequence.
type State string

const (
	StateCreated              State = "CREATED"
	StateSnapshotCreating     State = "SNAPSHOT_CREATING"
	StateSourceCloning        State = "SOURCE_CLONING"
	StateSetupRunning         State = "SETUP_RUNNING"
	StateDeploymentValidating State = "DEPLOYMENT_VALIDATING"
	StateStaticAnalysis       State = "STATIC_ANALYSIS"
	StateUITesting            State = "UI_TESTING"
	StateMergeDecision        State = "MERGE_DECISION"
	StateCompleted            State = "COMPLETED"
	StateFailed               State = "FAILED"
	StateCancelled            State = "CANCELLED"
)

// PRRef identifies one pull-request revision.
type PRRef struct {
	Repo    string `json:"repo"` // "owner/name"
	Number  int    `json:"number"`
	HeadSHA string `json:"head_sha"`
}

// SandboxStatus is the lifecycle status of a provisioned sandbox.
type SandboxStatus string

const (
	SandboxCreating  SandboxStatus = "creating"
	SandboxReady     SandboxStatus = "ready"
	SandboxDestroyed SandboxStatus = "destroyed"
)

// SandboxHandle records ownership of an isolated environment for one run.
// EnvNames lists declared env-var names only; values never touch the store.
type SandboxHandle struct {
	SnapshotID string        `json:"snapshot_id"`
	Status     SandboxStatus `json:"status"`
	BaseImage  string        `json:"base_image"`
	Tools      []string      `json:"tools,omitempty"`
	EnvNames   []string      `json:"env_names,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// StepOutcome is the immutable value emitted by a step executor.
// Success=false with Retryable=false is a clean step failure: the report is
// valid and the pipeline routes to the feedback path without retrying.
type StepOutcome struct {
	Success   bool            `json:"success"`
	Retryable bool            `json:"retryable"`
	Summary   string          `json:"summary"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Findings  []Finding       `json:"findings,omitempty"`
	Log       string          `json:"-"` // raw output, stored separately

	// Sandbox is set only by the snapshot-creation step to hand the
	// provisioned handle back to the state machine.
	Sandbox *SandboxHandle `json:"sandbox,omitempty"`
}

// Finding is a single machine-readable violation or test failure.
type Finding struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message"`
	Rule     string `json:"rule,omitempty"`
}

// StepStatus classifies a recorded step result.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
	StepSkipped StepStatus = "skipped"
)

// StepResult is one recorded attempt of one step, append-only per run.
type StepResult struct {
	Step     State           `json:"step"`
	Status   StepStatus      `json:"status"`
	Attempt  int             `json:"attempt"`
	Summary  string          `json:"summary,omitempty"`
	Detail   json.RawMessage `json:"detail,omitempty"`
	Findings []Finding       `json:"findings,omitempty"`
	Duration time.Duration   `json:"duration"`
	LogRef   string          `json:"log_ref,omitempty"`
	At       time.Time       `json:"at"`
}

// Run is one attempt to validate a specific pull-request revision.
// Mutated only through its owning worker; immutable once TerminalAt is set.
type Run struct {
	ID         string `json:"id"`
	Project    string `json:"project"`
	AgentRunID string `json:"agent_run_id"`
	Iteration  int    `json:"iteration"` // continuation depth within the agent-run lineage
	PR         PRRef  `json:"pr"`

	State      State  `json:"state"`
	PrevState  State  `json:"previous_state,omitempty"`
	RetryCount int    `json:"retry_count"` // attempts in the current state, resets on transition
	Cause      string `json:"cause,omitempty"`

	Sandbox     *SandboxHandle `json:"sandbox,omitempty"`
	StepResults []StepResult   `json:"step_results,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	TerminalAt *time.Time `json:"terminal_at,omitempty"`
}

// Terminal reports whether the run has reached a terminal state.
func (r *Run) Terminal() bool {
	return r.TerminalAt != nil
}

// MergePerformed reports whether a merge action was recorded for this run.
func (r *Run) MergePerformed() bool {
	for _, sr := range r.StepResults {
		if sr.Step == StateMergeDecision && sr.Status == StepSuccess && sr.Summary == MergeSummaryMerged {
			return true
		}
	}
	return false
}

// Summaries recorded by the merge decision state.
const (
	MergeSummaryMerged    = "merged"
	MergeSummaryNotMerged = "auto-merge disabled, left for manual merge"
)
