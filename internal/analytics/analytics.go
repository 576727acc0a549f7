// Package analytics computes aggregate statistics over recorded pipeline
// runs and step results: where time goes, where runs fail, and how often
// retries and agent continuations are needed.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// StepDuration holds duration stats for one pipeline step.
type StepDuration struct {
	Step  string  `json:"step"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// QueryStepDurations returns average and percentile wall-clock durations per
// step, over individual attempts. since filters on the run's start time
// (any format SQLite compares lexicographically, i.e. RFC 3339).
func QueryStepDurations(database DB, since string) ([]StepDuration, error) {
	query := `
		SELECT sr.step, sr.duration_ms
		FROM step_results sr
		JOIN pipeline_runs r ON r.id = sr.run_id
		WHERE sr.status != 'skipped'`
	args := []interface{}{}
	if since != "" {
		query += ` AND r.started_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step durations: %w", err)
	}
	defer rows.Close()

	durations := make(map[string][]float64)
	for rows.Next() {
		var step string
		var ms int64
		if err := rows.Scan(&step, &ms); err != nil {
			return nil, fmt.Errorf("scan step duration: %w", err)
		}
		durations[step] = append(durations[step], float64(ms)/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StepDuration
	for step, ds := range durations {
		sort.Float64s(ds)
		results = append(results, StepDuration{
			Step:  step,
			Count: len(ds),
			Avg:   avg(ds),
			P50:   percentile(ds, 50),
			P95:   percentile(ds, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Step < results[j].Step
	})
	return results, nil
}

// StepReliability holds pass/retry stats for one pipeline step.
type StepReliability struct {
	Step      string  `json:"step"`
	Attempts  int     `json:"attempts"`
	FirstPass float64 `json:"first_pass_pct"`
	Retried   float64 `json:"retried_pct"`
}

// QueryStepReliability returns, per step, how often the first attempt
// succeeded and how often at least one retry was needed. Percentages are
// over distinct (run, step) executions.
func QueryStepReliability(database DB, since string) ([]StepReliability, error) {
	query := `
		SELECT sub.step,
			COUNT(*) as executions,
			SUM(sub.attempts) as attempts,
			SUM(CASE WHEN sub.attempts = 1 AND sub.last_status = 'success' THEN 1 ELSE 0 END) as first_pass,
			SUM(CASE WHEN sub.attempts > 1 THEN 1 ELSE 0 END) as retried
		FROM (
			SELECT sr.run_id, sr.step,
				MAX(sr.attempt) as attempts,
				(SELECT s2.status FROM step_results s2
				 WHERE s2.run_id = sr.run_id AND s2.step = sr.step
				 ORDER BY s2.id DESC LIMIT 1) as last_status
			FROM step_results sr
			JOIN pipeline_runs r ON r.id = sr.run_id
			WHERE sr.status != 'skipped'`
	args := []interface{}{}
	if since != "" {
		query += ` AND r.started_at >= ?`
		args = append(args, since)
	}
	query += `
			GROUP BY sr.run_id, sr.step
		) sub
		GROUP BY sub.step`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step reliability: %w", err)
	}
	defer rows.Close()

	var results []StepReliability
	for rows.Next() {
		var step string
		var executions, attempts, firstPass, retried int
		if err := rows.Scan(&step, &executions, &attempts, &firstPass, &retried); err != nil {
			return nil, fmt.Errorf("scan step reliability: %w", err)
		}
		results = append(results, StepReliability{
			Step:      step,
			Attempts:  attempts,
			FirstPass: pct(firstPass, executions),
			Retried:   pct(retried, executions),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Step < results[j].Step
	})
	return results, nil
}

// Outcomes holds terminal-state counts and the merge rate.
type Outcomes struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	MergeRate float64 `json:"merge_rate_pct"`
}

// QueryOutcomes returns terminal-state counts over finished runs. MergeRate
// is completed runs over all finished runs.
func QueryOutcomes(database DB, since string) (*Outcomes, error) {
	query := `
		SELECT
			COUNT(*) as total,
			SUM(CASE WHEN state = 'COMPLETED' THEN 1 ELSE 0 END) as completed,
			SUM(CASE WHEN state = 'FAILED' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN state = 'CANCELLED' THEN 1 ELSE 0 END) as cancelled
		FROM pipeline_runs
		WHERE terminal_at IS NOT NULL`
	args := []interface{}{}
	if since != "" {
		query += ` AND started_at >= ?`
		args = append(args, since)
	}

	var o Outcomes
	var completed, failed, cancelled sql.NullInt64
	err := database.Conn().QueryRow(query, args...).Scan(&o.Total, &completed, &failed, &cancelled)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	o.Completed = int(completed.Int64)
	o.Failed = int(failed.Int64)
	o.Cancelled = int(cancelled.Int64)
	o.MergeRate = pct(o.Completed, o.Total)
	return &o, nil
}

// LineageDepth holds iteration stats for agent-run lineages.
type LineageDepth struct {
	Lineages      int     `json:"lineages"`
	AvgIterations float64 `json:"avg_iterations"`
	MaxIterations int     `json:"max_iterations"`
}

// QueryLineageDepths reports how many validation rounds agent lineages take
// before the pipeline stops resubmitting them.
func QueryLineageDepths(database DB, since string) (*LineageDepth, error) {
	query := `
		SELECT COUNT(*), COALESCE(AVG(n), 0), COALESCE(MAX(n), 0)
		FROM (
			SELECT agent_run_id, COUNT(*) as n
			FROM pipeline_runs
			WHERE agent_run_id != ''`
	args := []interface{}{}
	if since != "" {
		query += ` AND started_at >= ?`
		args = append(args, since)
	}
	query += `
			GROUP BY agent_run_id
		)`

	var l LineageDepth
	err := database.Conn().QueryRow(query, args...).Scan(&l.Lineages, &l.AvgIterations, &l.MaxIterations)
	if err != nil {
		return nil, fmt.Errorf("query lineage depths: %w", err)
	}
	return &l, nil
}

// FailureCause holds the count of failed runs per failing step.
type FailureCause struct {
	Step  string `json:"step"`
	Count int    `json:"count"`
}

// QueryFailureCauses groups FAILED runs by the state they failed in.
func QueryFailureCauses(database DB, since string) ([]FailureCause, error) {
	query := `
		SELECT COALESCE(prev_state, ''), COUNT(*)
		FROM pipeline_runs
		WHERE state = 'FAILED'`
	args := []interface{}{}
	if since != "" {
		query += ` AND started_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY prev_state ORDER BY COUNT(*) DESC`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failure causes: %w", err)
	}
	defer rows.Close()

	var results []FailureCause
	for rows.Next() {
		var fc FailureCause
		if err := rows.Scan(&fc.Step, &fc.Count); err != nil {
			return nil, fmt.Errorf("scan failure cause: %w", err)
		}
		results = append(results, fc)
	}
	return results, rows.Err()
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return round1(sum / float64(len(values)))
}

// percentile returns the p-th percentile of sorted values using
// nearest-rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return round1(sorted[rank])
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return round1(float64(n) / float64(total) * 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
