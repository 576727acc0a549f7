// Package github adapts the source-control host: pull-request metadata,
// branch refs, and merge operations.
package github

import (
	"context"
	"fmt"
	"os"
	"strings"

	gogithub "github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"

	"github.com/jcarver/prwarden/internal/pipeline"
)

// PullRequest is the subset of PR metadata the orchestrator needs.
type PullRequest struct {
	Number  int
	Title   string
	State   string // "open", "closed"
	HeadSHA string
	HeadRef string
	Merged  bool
}

// Client provides source-control operations against one repository.
type Client struct {
	gh    *gogithub.Client
	owner string
	repo  string
}

// NewClient creates a GitHub client for "owner/name". The token is read from
// the GITHUB_TOKEN environment variable; an empty token yields an
// unauthenticated client, which is enough for public-repo reads in tests.
func NewClient(repo string) (*Client, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("invalid repo %q: must be owner/name", repo)
	}

	var gh *gogithub.Client
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		gh = gogithub.NewClient(oauth2.NewClient(context.Background(), ts))
	} else {
		gh = gogithub.NewClient(nil)
	}
	return &Client{gh: gh, owner: owner, repo: name}, nil
}

// NewClientWithBaseURL points the client at a GitHub Enterprise or test
// server instead of github.com.
func NewClientWithBaseURL(repo, baseURL string) (*Client, error) {
	c, err := NewClient(repo)
	if err != nil {
		return nil, err
	}
	enterprise, err := c.gh.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("set base URL: %w", err)
	}
	c.gh = enterprise
	return c, nil
}

// Repo returns the "owner/name" this client operates on.
func (c *Client) Repo() string {
	return c.owner + "/" + c.repo
}

// GetPR fetches pull-request metadata by number.
func (c *Client) GetPR(ctx context.Context, number int) (*PullRequest, error) {
	if number <= 0 {
		return nil, fmt.Errorf("invalid PR number %d: must be positive", number)
	}
	pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return nil, fmt.Errorf("get PR #%d: %w", number, err)
	}
	return &PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		State:   pr.GetState(),
		HeadSHA: pr.GetHead().GetSHA(),
		HeadRef: pr.GetHead().GetRef(),
		Merged:  pr.GetMerged(),
	}, nil
}

// validMergeStrategies is the set of allowed merge strategies.
var validMergeStrategies = map[string]bool{
	"squash": true,
	"merge":  true,
	"rebase": true,
}

// MergePR merges a pull request. The head sha is passed as a guard so the
// host rejects the merge if the branch moved after validation finished.
func (c *Client) MergePR(ctx context.Context, ref pipeline.PRRef, strategy string) error {
	if strategy == "" {
		strategy = "squash"
	}
	if !validMergeStrategies[strategy] {
		return fmt.Errorf("invalid merge strategy %q: must be squash, merge, or rebase", strategy)
	}

	opts := &gogithub.PullRequestOptions{
		MergeMethod: strategy,
		SHA:         ref.HeadSHA,
	}
	result, _, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, ref.Number, "", opts)
	if err != nil {
		return fmt.Errorf("merge PR #%d: %w", ref.Number, err)
	}
	if !result.GetMerged() {
		return fmt.Errorf("merge PR #%d: host refused: %s", ref.Number, result.GetMessage())
	}
	return nil
}
