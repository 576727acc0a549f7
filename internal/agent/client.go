// Package agent talks to the code-generation agent service. The orchestrator
// only ever submits continuations and polls run status; the agent's own
// reasoning is opaque.
package agent

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jcarver/prwarden/internal/httpapi"
)

// Run is the agent service's handle for one code-generation run.
type Run struct {
	ID       string `json:"id"`
	Lineage  string `json:"lineage"` // ties continuations back to the original user request
	Status   string `json:"status"`  // "running", "completed", "failed"
	PRNumber int    `json:"pr_number,omitempty"`
	HeadSHA  string `json:"head_sha,omitempty"`
}

// Continuation is a follow-up prompt for an existing agent-run lineage.
type Continuation struct {
	Lineage   string `json:"lineage"`
	Iteration int    `json:"iteration"`
	Prompt    string `json:"prompt"`
}

// Client provides agent service operations.
type Client struct {
	api *httpapi.Client
}

// NewClient creates an agent client against the service base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{api: httpapi.New(baseURL, timeout)}
}

// Continue submits a continuation prompt for an existing lineage and returns
// the new run handle. The agent will eventually open a fresh pull request,
// which re-enters the orchestrator through the webhook ingress.
func (c *Client) Continue(ctx context.Context, cont Continuation) (*Run, error) {
	if cont.Lineage == "" {
		return nil, fmt.Errorf("continuation requires a lineage id")
	}
	var run Run
	if err := c.api.PostJSON(ctx, "/v1/runs/continue", cont, &run); err != nil {
		return nil, fmt.Errorf("submit continuation for lineage %s: %w", cont.Lineage, err)
	}
	return &run, nil
}

// GetRun fetches the current status of an agent run.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.api.GetJSON(ctx, "/v1/runs/"+url.PathEscape(runID), &run); err != nil {
		return nil, fmt.Errorf("get agent run %s: %w", runID, err)
	}
	return &run, nil
}
