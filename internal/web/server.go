// Package web exposes the orchestrator over HTTP: the webhook ingress that
// feeds the scheduler, a JSON API over persisted runs, a Server-Sent Events
// stream of pipeline events, and the Prometheus metrics endpoint.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jcarver/prwarden/internal/db"
	"github.com/jcarver/prwarden/internal/notify"
	"github.com/jcarver/prwarden/internal/pipeline"
	"github.com/jcarver/prwarden/internal/scheduler"
)

// Store is the read surface the API serves from.
type Store interface {
	GetRun(id string) (*pipeline.Run, error)
	ListRuns(project string, state pipeline.State) ([]pipeline.Run, error)
	RunEvents(runID string) ([]db.Event, error)
}

// Triggers is the scheduler surface the ingress feeds.
type Triggers interface {
	Handle(ctx context.Context, t scheduler.Trigger) (string, error)
	Retry(ctx context.Context, runID string) (string, error)
	CancelPR(prNumber int, reason string) bool
}

// Server hosts the HTTP surface.
type Server struct {
	store    Store
	triggers Triggers
	sink     *notify.Sink
	project  string
	repo     string // "owner/name", webhook payloads for other repos are rejected
	addr     string
}

// NewServer creates a Server. repo scopes the webhook ingress to the
// configured repository.
func NewServer(store Store, triggers Triggers, sink *notify.Sink, project, repo, addr string) *Server {
	return &Server{store: store, triggers: triggers, sink: sink, project: project, repo: repo, addr: addr}
}

// Handler builds the route table. Split from Start so tests can drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.routeRun)
	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", s.sink.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[web] listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// webhookPayload is the PR event body accepted by the ingress. It is a
// reduced shape, not the full GitHub webhook schema; a thin relay maps one
// to the other.
type webhookPayload struct {
	Repo       string `json:"repo"`
	PRNumber   int    `json:"pr_number"`
	HeadSHA    string `json:"head_sha"`
	EventType  string `json:"event_type"`
	AgentRunID string `json:"agent_run_id,omitempty"`
	Iteration  int    `json:"iteration,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var p webhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&p); err != nil {
		http.Error(w, "invalid payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if p.Repo != s.repo {
		http.Error(w, fmt.Sprintf("repo %q not handled here", p.Repo), http.StatusUnprocessableEntity)
		return
	}
	if p.PRNumber <= 0 {
		http.Error(w, "pr_number required", http.StatusBadRequest)
		return
	}

	runID, err := s.triggers.Handle(r.Context(), scheduler.Trigger{
		Event:      p.EventType,
		PR:         pipeline.PRRef{Repo: p.Repo, Number: p.PRNumber, HeadSHA: p.HeadSHA},
		AgentRunID: p.AgentRunID,
		Iteration:  p.Iteration,
	})
	switch {
	case errors.Is(err, scheduler.ErrSaturated):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := pipeline.State(r.URL.Query().Get("state"))
	runs, err := s.store.ListRuns(s.project, state)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []pipeline.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) routeRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleRunDetail(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "retry" && r.Method == http.MethodPost:
		s.handleRetry(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleRunEvents(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleRunDetail(w http.ResponseWriter, _ *http.Request, id string) {
	run, err := s.store.GetRun(id)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, id string) {
	runID, err := s.triggers.Retry(r.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		http.Error(w, "run not found", http.StatusNotFound)
	case errors.Is(err, scheduler.ErrSaturated):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request, id string) {
	run, err := s.store.GetRun(id)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run.Terminal() {
		http.Error(w, fmt.Sprintf("run already %s", run.State), http.StatusConflict)
		return
	}
	if !s.triggers.CancelPR(run.PR.Number, "cancelled via API") {
		http.Error(w, fmt.Sprintf("no active run for PR #%d", run.PR.Number), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, _ *http.Request, id string) {
	events, err := s.store.RunEvents(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []db.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[web] encode response: %v", err)
	}
}
