package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jcarver/prwarden/internal/pipeline"
)

// ErrNotFound is returned when a pipeline run does not exist.
var ErrNotFound = errors.New("pipeline run not found")

const timeFormat = time.RFC3339Nano

// CreateRun inserts a new pipeline run. The unique partial index on
// (project, pr_number) rejects a second non-terminal run for the same PR.
func (d *DB) CreateRun(r *pipeline.Run) error {
	sandbox, err := marshalSandbox(r.Sandbox)
	if err != nil {
		return err
	}
	_, err = d.conn.Exec(
		`INSERT INTO pipeline_runs
		 (id, project, agent_run_id, iteration, repo, pr_number, head_sha,
		  state, prev_state, retry_count, cause, sandbox, started_at, updated_at, terminal_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Project, r.AgentRunID, r.Iteration, r.PR.Repo, r.PR.Number, r.PR.HeadSHA,
		string(r.State), string(r.PrevState), r.RetryCount, r.Cause, sandbox,
		r.StartedAt.UTC().Format(timeFormat), r.UpdatedAt.UTC().Format(timeFormat),
		formatNullableTime(r.TerminalAt),
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun loads a run and its full step-result trail.
func (d *DB) GetRun(id string) (*pipeline.Run, error) {
	row := d.conn.QueryRow(
		`SELECT id, project, agent_run_id, iteration, repo, pr_number, head_sha,
		        state, prev_state, retry_count, cause, sandbox, started_at, updated_at, terminal_at
		 FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	results, err := d.stepResults(r.ID)
	if err != nil {
		return nil, err
	}
	r.StepResults = results
	return r, nil
}

// ActiveRunForPR returns the single non-terminal run for a PR, or ErrNotFound.
func (d *DB) ActiveRunForPR(project string, prNumber int) (*pipeline.Run, error) {
	row := d.conn.QueryRow(
		`SELECT id, project, agent_run_id, iteration, repo, pr_number, head_sha,
		        state, prev_state, retry_count, cause, sandbox, started_at, updated_at, terminal_at
		 FROM pipeline_runs WHERE project = ? AND pr_number = ? AND terminal_at IS NULL`,
		project, prNumber)
	return scanRun(row)
}

// UpdateRun performs a read-modify-write of a run's mutable columns inside a
// transaction. Step results are append-only and not written here.
func (d *DB) UpdateRun(id string, fn func(*pipeline.Run) error) (*pipeline.Run, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, project, agent_run_id, iteration, repo, pr_number, head_sha,
		        state, prev_state, retry_count, cause, sandbox, started_at, updated_at, terminal_at
		 FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	orig := *r
	wasTerminal := r.TerminalAt != nil
	if err := fn(r); err != nil {
		return nil, err
	}
	// A terminal row is immutable except for its sandbox handle, which
	// teardown still needs to mark destroyed.
	if wasTerminal {
		if r.State != orig.State || r.PrevState != orig.PrevState ||
			r.RetryCount != orig.RetryCount || r.Cause != orig.Cause ||
			r.TerminalAt == nil || !r.TerminalAt.Equal(*orig.TerminalAt) {
			return nil, fmt.Errorf("run %s is terminal and cannot be modified", id)
		}
	}
	r.UpdatedAt = time.Now().UTC()

	sandbox, err := marshalSandbox(r.Sandbox)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(
		`UPDATE pipeline_runs SET state = ?, prev_state = ?, retry_count = ?, cause = ?,
		        sandbox = ?, updated_at = ?, terminal_at = ? WHERE id = ?`,
		string(r.State), string(r.PrevState), r.RetryCount, r.Cause, sandbox,
		r.UpdatedAt.Format(timeFormat), formatNullableTime(r.TerminalAt), r.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update run %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit run update: %w", err)
	}
	return r, nil
}

// AppendStepResult records one step attempt and its raw log.
// Returns a log reference of the form "step-result/<rowid>".
func (d *DB) AppendStepResult(runID string, sr pipeline.StepResult, rawLog string) (string, error) {
	detail := ""
	if len(sr.Detail) > 0 {
		detail = string(sr.Detail)
	}
	findings := ""
	if len(sr.Findings) > 0 {
		data, err := json.Marshal(sr.Findings)
		if err != nil {
			return "", fmt.Errorf("marshal findings: %w", err)
		}
		findings = string(data)
	}
	res, err := d.conn.Exec(
		`INSERT INTO step_results (run_id, step, status, attempt, summary, detail, findings, duration_ms, raw_log)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, string(sr.Step), string(sr.Status), sr.Attempt, sr.Summary,
		detail, findings, sr.Duration.Milliseconds(), rawLog,
	)
	if err != nil {
		return "", fmt.Errorf("append step result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("step result id: %w", err)
	}
	return fmt.Sprintf("step-result/%d", id), nil
}

// StepLog returns the raw log stored for a step-result row.
func (d *DB) StepLog(rowID int64) (string, error) {
	var log sql.NullString
	err := d.conn.QueryRow(`SELECT raw_log FROM step_results WHERE id = ?`, rowID).Scan(&log)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("step result %d not found", rowID)
	}
	if err != nil {
		return "", fmt.Errorf("get step log: %w", err)
	}
	return log.String, nil
}

// ListRuns returns runs for a project, newest first, optionally filtered by
// state. Pass "" for both filters to list everything.
func (d *DB) ListRuns(project string, state pipeline.State) ([]pipeline.Run, error) {
	query := `SELECT id, project, agent_run_id, iteration, repo, pr_number, head_sha,
	                 state, prev_state, retry_count, cause, sandbox, started_at, updated_at, terminal_at
	          FROM pipeline_runs`
	var args []any
	switch {
	case project != "" && state != "":
		query += ` WHERE project = ? AND state = ?`
		args = append(args, project, string(state))
	case project != "":
		query += ` WHERE project = ?`
		args = append(args, project)
	case state != "":
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY started_at DESC`

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []pipeline.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// CountRunsForLineage returns how many runs exist for an agent-run lineage.
func (d *DB) CountRunsForLineage(agentRunID string) (int, error) {
	var n int
	err := d.conn.QueryRow(`SELECT COUNT(*) FROM pipeline_runs WHERE agent_run_id = ?`, agentRunID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count lineage runs: %w", err)
	}
	return n, nil
}

// Event represents a row in the pipeline_events table.
type Event struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	Event     string `json:"event"`
	State     string `json:"state,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// LogEvent appends to the pipeline event log. RunID may be empty for events
// that precede run creation, such as dropped triggers.
func (d *DB) LogEvent(runID, event string, state pipeline.State, attempt int, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO pipeline_events (run_id, event, state, attempt, detail) VALUES (?, ?, ?, ?, ?)`,
		runID, event, string(state), attempt, detail,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// EventsSince returns events with id greater than afterID, oldest first.
func (d *DB) EventsSince(afterID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.conn.Query(
		`SELECT id, run_id, event, state, attempt, detail, timestamp
		 FROM pipeline_events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var state, detail sql.NullString
		var attempt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &state, &attempt, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.State = state.String
		e.Attempt = int(attempt.Int64)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// RunEvents returns the full event trail for one run, oldest first.
func (d *DB) RunEvents(runID string) ([]Event, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, event, state, attempt, detail, timestamp
		 FROM pipeline_events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var state, detail sql.NullString
		var attempt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &state, &attempt, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.State = state.String
		e.Attempt = int(attempt.Int64)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*pipeline.Run, error) {
	var r pipeline.Run
	var prevState, cause, sandbox, terminalAt sql.NullString
	var startedAt, updatedAt string
	err := row.Scan(
		&r.ID, &r.Project, &r.AgentRunID, &r.Iteration, &r.PR.Repo, &r.PR.Number, &r.PR.HeadSHA,
		(*string)(&r.State), &prevState, &r.RetryCount, &cause, &sandbox,
		&startedAt, &updatedAt, &terminalAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.PrevState = pipeline.State(prevState.String)
	r.Cause = cause.String
	if sandbox.Valid && sandbox.String != "" {
		var h pipeline.SandboxHandle
		if err := json.Unmarshal([]byte(sandbox.String), &h); err != nil {
			return nil, fmt.Errorf("parse sandbox handle: %w", err)
		}
		r.Sandbox = &h
	}
	if r.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if terminalAt.Valid && terminalAt.String != "" {
		t, err := time.Parse(timeFormat, terminalAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse terminal_at: %w", err)
		}
		r.TerminalAt = &t
	}
	return &r, nil
}

func (d *DB) stepResults(runID string) ([]pipeline.StepResult, error) {
	rows, err := d.conn.Query(
		`SELECT id, step, status, attempt, summary, detail, findings, duration_ms, created_at
		 FROM step_results WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	defer rows.Close()

	var results []pipeline.StepResult
	for rows.Next() {
		var sr pipeline.StepResult
		var rowID int64
		var summary, detail, findings sql.NullString
		var durationMs int64
		var createdAt string
		if err := rows.Scan(&rowID, (*string)(&sr.Step), (*string)(&sr.Status), &sr.Attempt,
			&summary, &detail, &findings, &durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		sr.Summary = summary.String
		if detail.Valid && detail.String != "" {
			sr.Detail = json.RawMessage(detail.String)
		}
		if findings.Valid && findings.String != "" {
			if err := json.Unmarshal([]byte(findings.String), &sr.Findings); err != nil {
				return nil, fmt.Errorf("parse findings: %w", err)
			}
		}
		sr.Duration = time.Duration(durationMs) * time.Millisecond
		sr.LogRef = fmt.Sprintf("step-result/%d", rowID)
		if t, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
			sr.At = t
		}
		results = append(results, sr)
	}
	return results, rows.Err()
}

func marshalSandbox(h *pipeline.SandboxHandle) (any, error) {
	if h == nil {
		return nil, nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal sandbox handle: %w", err)
	}
	return string(data), nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}
