// Package sandbox talks to the snapshot provider that hosts isolated,
// disposable execution environments for validation runs.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/jcarver/prwarden/internal/httpapi"
)

// CreateOpts describes the environment to provision. Env holds variable
// names; values are resolved from the orchestrator's own environment and sent
// to the provider, never persisted.
type CreateOpts struct {
	BaseImage string   `json:"base_image"`
	Tools     []string `json:"tools,omitempty"`
	Env       []string `json:"-"`
}

// Snapshot is the provider's handle for a provisioned environment.
type Snapshot struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ExecResult is the outcome of a command run inside a snapshot.
type ExecResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int    `json:"duration_ms"`
}

// Client provides sandbox provider operations.
type Client struct {
	api *httpapi.Client
}

// NewClient creates a sandbox client against the provider base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{api: httpapi.New(baseURL, timeout)}
}

type createRequest struct {
	BaseImage string            `json:"base_image"`
	Tools     []string          `json:"tools,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Create provisions a new snapshot and blocks until the provider reports it
// ready or the context expires.
func (c *Client) Create(ctx context.Context, opts CreateOpts) (*Snapshot, error) {
	req := createRequest{
		BaseImage: opts.BaseImage,
		Tools:     opts.Tools,
		Env:       resolveEnv(opts.Env),
	}
	var snap Snapshot
	if err := c.api.PostJSON(ctx, "/v1/snapshots", req, &snap); err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}

	for snap.Status == "creating" {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("snapshot %s not ready: %w", snap.ID, ctx.Err())
		case <-time.After(2 * time.Second):
		}
		if err := c.api.GetJSON(ctx, "/v1/snapshots/"+url.PathEscape(snap.ID), &snap); err != nil {
			return nil, fmt.Errorf("poll snapshot %s: %w", snap.ID, err)
		}
	}
	if snap.Status != "ready" {
		return nil, fmt.Errorf("snapshot %s entered status %q", snap.ID, snap.Status)
	}
	return &snap, nil
}

type execRequest struct {
	Command string `json:"command"`
	Dir     string `json:"dir,omitempty"`
}

// Exec runs a shell command inside the snapshot and returns its result.
// A non-zero exit code is not an error; the caller interprets it.
func (c *Client) Exec(ctx context.Context, snapshotID, dir, command string) (*ExecResult, error) {
	var res ExecResult
	path := "/v1/snapshots/" + url.PathEscape(snapshotID) + "/exec"
	if err := c.api.PostJSON(ctx, path, execRequest{Command: command, Dir: dir}, &res); err != nil {
		return nil, fmt.Errorf("exec in snapshot %s: %w", snapshotID, err)
	}
	return &res, nil
}

// Destroy tears down a snapshot. Destroying an already-destroyed snapshot
// is not an error.
func (c *Client) Destroy(ctx context.Context, snapshotID string) error {
	err := c.api.Delete(ctx, "/v1/snapshots/"+url.PathEscape(snapshotID))
	if err != nil {
		var he *httpapi.Error
		if errors.As(err, &he) && he.Status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("destroy snapshot %s: %w", snapshotID, err)
	}
	return nil
}

func resolveEnv(names []string) map[string]string {
	if len(names) == 0 {
		return nil
	}
	env := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	return env
}
