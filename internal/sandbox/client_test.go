package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCreateReadyImmediately(t *testing.T) {
	t.Setenv("PRWARDEN_TEST_TOKEN", "secret-value")

	var got createRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/snapshots" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Snapshot{ID: "snap-1", Status: "ready"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	snap, err := c.Create(context.Background(), CreateOpts{
		BaseImage: "node:20",
		Tools:     []string{"git"},
		Env:       []string{"PRWARDEN_TEST_TOKEN", "PRWARDEN_TEST_UNSET"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if snap.ID != "snap-1" || snap.Status != "ready" {
		t.Errorf("snapshot = %+v, want snap-1/ready", snap)
	}

	if got.BaseImage != "node:20" {
		t.Errorf("base_image = %q, want node:20", got.BaseImage)
	}
	if got.Env["PRWARDEN_TEST_TOKEN"] != "secret-value" {
		t.Errorf("env = %v, want the token resolved from the process environment", got.Env)
	}
	if _, ok := got.Env["PRWARDEN_TEST_UNSET"]; ok {
		t.Error("unset variables must not be sent")
	}
}

func TestCreatePollingHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Snapshot{ID: "snap-1", Status: "creating"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Create(ctx, CreateOpts{BaseImage: "node:20"})
	if err == nil {
		t.Fatal("Create with a snapshot stuck in creating should fail when the context expires")
	}
	if !strings.Contains(err.Error(), "not ready") {
		t.Errorf("err = %v, want a not-ready error", err)
	}
}

func TestCreateFailedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Snapshot{ID: "snap-1", Status: "failed"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Create(context.Background(), CreateOpts{BaseImage: "node:20"})
	if err == nil || !strings.Contains(err.Error(), `"failed"`) {
		t.Errorf("err = %v, want the provider status surfaced", err)
	}
}

func TestExec(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/snapshots/snap-1/exec" {
			t.Errorf("path = %s, want /v1/snapshots/snap-1/exec", r.URL.Path)
		}
		var req execRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Command != "npm test" || req.Dir != "/workspace" {
			t.Errorf("request = %+v, want the command and dir passed through", req)
		}
		json.NewEncoder(w).Encode(ExecResult{ExitCode: 1, Stderr: "2 failing", DurationMs: 840})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	res, err := c.Exec(context.Background(), "snap-1", "/workspace", "npm test")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 1 || res.Stderr != "2 failing" {
		t.Errorf("result = %+v, want exit 1 with stderr", res)
	}
}

func TestDestroyToleratesNotFound(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		http.Error(w, "no such snapshot", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	if err := c.Destroy(context.Background(), "snap-gone"); err != nil {
		t.Fatalf("Destroy of a missing snapshot: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDestroyOtherErrorsSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	if err := c.Destroy(context.Background(), "snap-1"); err == nil {
		t.Error("Destroy should surface non-404 provider errors")
	}
}
