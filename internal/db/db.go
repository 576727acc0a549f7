// Package db provides SQLite-backed persistence for pipeline runs, step
// results, and the pipeline event log. The orchestrator is the sole writer.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// DefaultDBPath returns ~/.prwarden/prwarden.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".prwarden")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "prwarden.db"), nil
}

// Open opens or creates the database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
    id           TEXT PRIMARY KEY,
    project      TEXT NOT NULL,
    agent_run_id TEXT NOT NULL,
    iteration    INTEGER NOT NULL DEFAULT 0,
    repo         TEXT NOT NULL,
    pr_number    INTEGER NOT NULL,
    head_sha     TEXT NOT NULL,
    state        TEXT NOT NULL,
    prev_state   TEXT,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    cause        TEXT,
    sandbox      TEXT,
    started_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    terminal_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_pr ON pipeline_runs(project, pr_number);
CREATE INDEX IF NOT EXISTS idx_runs_lineage ON pipeline_runs(agent_run_id);
-- At most one non-terminal run per (project, pr_number). The scheduler relies
-- on this to make the supersede invariant hold even across process restarts.
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_active
    ON pipeline_runs(project, pr_number) WHERE terminal_at IS NULL;

CREATE TABLE IF NOT EXISTS step_results (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES pipeline_runs(id),
    step        TEXT NOT NULL,
    status      TEXT NOT NULL CHECK(status IN ('success','failure','skipped')),
    attempt     INTEGER NOT NULL,
    summary     TEXT,
    detail      TEXT,
    findings    TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    raw_log     TEXT,
    created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_step_results_run ON step_results(run_id, id);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id    TEXT NOT NULL,
    event     TEXT NOT NULL,
    state     TEXT,
    attempt   INTEGER,
    detail    TEXT,
    timestamp TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_events_run ON pipeline_events(run_id, id);
`

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"pipeline_events", "step_results", "pipeline_runs", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
