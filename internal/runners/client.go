// Package runners talks to the static-analysis and UI-test runner services.
// Both accept a target (repo, ref, sandbox handle) and return a structured
// pass/fail report.
package runners

import (
	"context"
	"fmt"
	"time"

	"github.com/jcarver/prwarden/internal/httpapi"
	"github.com/jcarver/prwarden/internal/pipeline"
)

// Target identifies what a runner should examine.
type Target struct {
	Repo       string `json:"repo"`
	Ref        string `json:"ref"`
	SnapshotID string `json:"snapshot_id"`
}

// Report is the structured result of a runner invocation. Passed=false with
// populated findings is a valid report, not a transport failure.
type Report struct {
	Passed   bool               `json:"passed"`
	Summary  string             `json:"summary"`
	Findings []pipeline.Finding `json:"findings,omitempty"`
	Log      string             `json:"log,omitempty"`
}

// Client calls one runner service.
type Client struct {
	api  *httpapi.Client
	kind string
}

// NewAnalysisClient creates a client for the static-analysis runner.
func NewAnalysisClient(baseURL string, timeout time.Duration) *Client {
	return &Client{api: httpapi.New(baseURL, timeout), kind: "analysis"}
}

// NewUITestClient creates a client for the UI-test runner.
func NewUITestClient(baseURL string, timeout time.Duration) *Client {
	return &Client{api: httpapi.New(baseURL, timeout), kind: "ui-test"}
}

// Run submits a target and blocks until the runner returns its report or the
// context expires.
func (c *Client) Run(ctx context.Context, target Target) (*Report, error) {
	var report Report
	if err := c.api.PostJSON(ctx, "/v1/runs", target, &report); err != nil {
		return nil, fmt.Errorf("%s runner: %w", c.kind, err)
	}
	return &report, nil
}
