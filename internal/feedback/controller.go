// Package feedback turns failed pipeline runs into continuation prompts for
// the agent service, closing the loop between validation and code generation.
package feedback

import (
	"context"
	"embed"
	"fmt"
	"log"
	"strconv"
	"strings"
	"text/template"

	"github.com/jcarver/prwarden/internal/agent"
	"github.com/jcarver/prwarden/internal/notify"
	"github.com/jcarver/prwarden/internal/pipeline"
)

//go:embed templates/*.md
var templateFS embed.FS

var continuationTmpl = template.Must(template.ParseFS(templateFS, "templates/continuation.md"))

// Agent submits continuation prompts to the code-generation service.
type Agent interface {
	Continue(ctx context.Context, cont agent.Continuation) (*agent.Run, error)
}

// Store fetches raw step logs referenced from step results.
type Store interface {
	StepLog(rowID int64) (string, error)
}

// Controller inspects failed runs and decides whether to resubmit them to
// the agent. It never mutates the run: a continuation produces a fresh PR
// revision which re-enters the pipeline as a new run.
type Controller struct {
	agent         Agent
	store         Store
	sink          *notify.Sink
	maxIterations int
	excerptBytes  int
}

// New creates a Controller. excerptBytes bounds how much raw log each failed
// step contributes to the prompt.
func New(ag Agent, store Store, sink *notify.Sink, maxIterations, excerptBytes int) *Controller {
	if maxIterations <= 0 {
		maxIterations = 3
	}
	if excerptBytes <= 0 {
		excerptBytes = 4096
	}
	return &Controller{agent: ag, store: store, sink: sink, maxIterations: maxIterations, excerptBytes: excerptBytes}
}

// OnFailure handles a run that reached FAILED. Runs without an agent lineage
// (manually triggered PRs) and lineages that spent their iteration budget get
// no continuation; everything else is resubmitted with structured evidence.
func (c *Controller) OnFailure(ctx context.Context, r *pipeline.Run) error {
	if r.State != pipeline.StateFailed {
		return fmt.Errorf("feedback called for run %s in state %s", r.ID, r.State)
	}
	if r.AgentRunID == "" {
		log.Printf("[feedback] run %s has no agent lineage, leaving PR #%d for manual follow-up", r.ID, r.PR.Number)
		return nil
	}
	if r.Iteration+1 >= c.maxIterations {
		log.Printf("[feedback] lineage %s reached iteration ceiling (%d), stopping", r.AgentRunID, c.maxIterations)
		c.sink.Emit(notify.Event{
			RunID: r.ID, Type: notify.EventCeilingReached,
			Detail: fmt.Sprintf("lineage %s: %d iterations", r.AgentRunID, c.maxIterations),
		})
		return nil
	}

	prompt, err := c.buildPrompt(r)
	if err != nil {
		return fmt.Errorf("build continuation prompt for run %s: %w", r.ID, err)
	}

	next := agent.Continuation{
		Lineage:   r.AgentRunID,
		Iteration: r.Iteration + 1,
		Prompt:    prompt,
	}
	submitted, err := c.agent.Continue(ctx, next)
	if err != nil {
		return fmt.Errorf("continue lineage %s: %w", r.AgentRunID, err)
	}

	log.Printf("[feedback] submitted continuation %s for lineage %s (iteration %d)",
		submitted.ID, r.AgentRunID, next.Iteration)
	c.sink.Emit(notify.Event{
		RunID: r.ID, Type: notify.EventContinuation,
		Detail: fmt.Sprintf("agent run %s, iteration %d", submitted.ID, next.Iteration),
	})
	return nil
}

// stepEvidence is one failed step's contribution to the prompt.
type stepEvidence struct {
	Step     pipeline.State
	Summary  string
	Findings []pipeline.Finding
	Log      string
}

type promptData struct {
	Repo        string
	PRNumber    int
	HeadSHA     string
	FailedState pipeline.State
	Cause       string
	Iteration   int
	Steps       []stepEvidence
}

// buildPrompt renders the continuation template from the run's failing step
// results. Only the final attempt of each failed step is included; retries
// that later succeeded are noise to the agent.
func (c *Controller) buildPrompt(r *pipeline.Run) (string, error) {
	data := promptData{
		Repo:        r.PR.Repo,
		PRNumber:    r.PR.Number,
		HeadSHA:     r.PR.HeadSHA,
		FailedState: r.PrevState,
		Cause:       r.Cause,
		Iteration:   r.Iteration + 1,
		Steps:       c.collectEvidence(r),
	}

	var b strings.Builder
	if err := continuationTmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// collectEvidence picks, per step, the last recorded attempt and keeps only
// the ones that failed, attaching a bounded log excerpt.
func (c *Controller) collectEvidence(r *pipeline.Run) []stepEvidence {
	lastByStep := make(map[pipeline.State]pipeline.StepResult)
	var stepOrder []pipeline.State
	for _, sr := range r.StepResults {
		if _, seen := lastByStep[sr.Step]; !seen {
			stepOrder = append(stepOrder, sr.Step)
		}
		lastByStep[sr.Step] = sr
	}

	var out []stepEvidence
	for _, step := range stepOrder {
		sr := lastByStep[step]
		if sr.Status != pipeline.StepFailure {
			continue
		}
		out = append(out, stepEvidence{
			Step:     sr.Step,
			Summary:  sr.Summary,
			Findings: sr.Findings,
			Log:      c.logExcerpt(sr.LogRef),
		})
	}
	return out
}

// logExcerpt resolves a step result's log reference and returns its tail,
// bounded by the configured excerpt size.
func (c *Controller) logExcerpt(logRef string) string {
	id, ok := strings.CutPrefix(logRef, "step-result/")
	if !ok {
		return ""
	}
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return ""
	}
	raw, err := c.store.StepLog(rowID)
	if err != nil {
		log.Printf("[feedback] fetch log %s: %v", logRef, err)
		return ""
	}
	if len(raw) > c.excerptBytes {
		raw = raw[len(raw)-c.excerptBytes:]
		if i := strings.IndexByte(raw, '\n'); i >= 0 && i < len(raw)-1 {
			raw = raw[i+1:]
		}
	}
	return strings.TrimSpace(raw)
}
