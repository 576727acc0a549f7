package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// validMergeStrategies is the set of allowed merge strategies.
var validMergeStrategies = map[string]bool{
	"squash": true,
	"merge":  true,
	"rebase": true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	p := cfg.Pipeline

	if p.Project == "" {
		errs = append(errs, ValidationError{Field: "pipeline.project", Message: "is required"})
	}
	if p.Repo == "" {
		errs = append(errs, ValidationError{Field: "pipeline.repo", Message: "is required"})
	} else if strings.Count(p.Repo, "/") != 1 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.repo",
			Message: fmt.Sprintf("must be owner/name, got %q", p.Repo),
		})
	}
	if !validMergeStrategies[p.MergeStrategy] {
		errs = append(errs, ValidationError{
			Field:   "pipeline.merge_strategy",
			Message: fmt.Sprintf("invalid strategy %q: must be squash, merge, or rebase", p.MergeStrategy),
		})
	}

	for _, f := range []struct {
		field string
		value string
	}{
		{"pipeline.scheduler.queue_wait", p.Scheduler.QueueWait},
		{"pipeline.retry.base_delay", p.Retry.BaseDelay},
		{"pipeline.retry.step_deadline", p.Retry.StepDeadline},
		{"pipeline.sandbox.timeout", p.Sandbox.Timeout},
		{"pipeline.agent.timeout", p.Agent.Timeout},
		{"pipeline.analysis.timeout", p.Analysis.Timeout},
		{"pipeline.ui_test.timeout", p.UITest.Timeout},
	} {
		if f.value == "" {
			continue
		}
		if _, err := time.ParseDuration(f.value); err != nil {
			errs = append(errs, ValidationError{
				Field:   f.field,
				Message: fmt.Sprintf("invalid duration %q", f.value),
			})
		}
	}

	if p.Retry.Jitter < 0 || p.Retry.Jitter > 1 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.retry.jitter",
			Message: "must be between 0 and 1",
		})
	}

	for _, f := range []struct {
		field string
		value string
	}{
		{"pipeline.sandbox.base_url", p.Sandbox.BaseURL},
		{"pipeline.agent.base_url", p.Agent.BaseURL},
		{"pipeline.analysis.base_url", p.Analysis.BaseURL},
		{"pipeline.ui_test.base_url", p.UITest.BaseURL},
	} {
		if f.value == "" {
			errs = append(errs, ValidationError{Field: f.field, Message: "is required"})
		}
	}

	for i, name := range p.Sandbox.Env {
		if strings.Contains(name, "=") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.sandbox.env[%d]", i),
				Message: "must be a variable name, not an assignment",
			})
		}
	}

	return errs
}
