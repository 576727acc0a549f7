package config

import "time"

// Config is the top-level configuration structure parsed from prwarden YAML.
type Config struct {
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline defines one validated project: repo identity, merge policy, and
// the collaborator endpoints the orchestrator drives.
type Pipeline struct {
	Project       string `yaml:"project"`
	Repo          string `yaml:"repo"` // "owner/name"
	BaseBranch    string `yaml:"base_branch"`
	AutoMerge     bool   `yaml:"auto_merge"`
	MergeStrategy string `yaml:"merge_strategy"` // squash, merge, rebase

	Scheduler Scheduler `yaml:"scheduler"`
	Retry     Retry     `yaml:"retry"`
	Feedback  Feedback  `yaml:"feedback"`
	Sandbox   Sandbox   `yaml:"sandbox"`
	Agent     Service   `yaml:"agent"`
	Analysis  Service   `yaml:"analysis"`
	UITest    Service   `yaml:"ui_test"`
	Server    Server    `yaml:"server"`
}

// Scheduler bounds the worker pool and the dispatch queue.
type Scheduler struct {
	Workers   int    `yaml:"workers"`
	QueueWait string `yaml:"queue_wait"` // how long a trigger may wait for a worker slot
}

// Retry configures the backoff policy applied to every step executor call.
type Retry struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	BaseDelay    string  `yaml:"base_delay"`
	Factor       float64 `yaml:"factor"`
	Jitter       float64 `yaml:"jitter"` // 0..1, symmetric randomization around each delay
	StepDeadline string  `yaml:"step_deadline"`
}

// Feedback configures the agent continuation loop.
type Feedback struct {
	MaxIterations   int `yaml:"max_iterations"`
	LogExcerptBytes int `yaml:"log_excerpt_bytes"`
}

// Sandbox configures the snapshot provider and the commands run inside it.
// Env lists env-var names the sandbox should receive; values are resolved
// from the orchestrator's own environment at provisioning time.
type Sandbox struct {
	BaseURL       string   `yaml:"base_url"`
	BaseImage     string   `yaml:"base_image"`
	Tools         []string `yaml:"tools"`
	Env           []string `yaml:"env"`
	SetupCommands []string `yaml:"setup_commands"`
	DeployCommand string   `yaml:"deploy_command"`
	Timeout       string   `yaml:"timeout"`
}

// Service is a generic HTTP collaborator endpoint.
type Service struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// Server configures the HTTP surface: webhook ingress, status API, metrics.
type Server struct {
	Addr string `yaml:"addr"`
}

// QueueWaitDuration returns the parsed queue wait, or the fallback.
func (s Scheduler) QueueWaitDuration(fallback time.Duration) time.Duration {
	return parseDuration(s.QueueWait, fallback)
}

// BaseDelayDuration returns the parsed base delay, or the fallback.
func (r Retry) BaseDelayDuration(fallback time.Duration) time.Duration {
	return parseDuration(r.BaseDelay, fallback)
}

// StepDeadlineDuration returns the parsed per-state deadline, or the fallback.
func (r Retry) StepDeadlineDuration(fallback time.Duration) time.Duration {
	return parseDuration(r.StepDeadline, fallback)
}

// TimeoutDuration returns the parsed service timeout, or the fallback.
func (s Service) TimeoutDuration(fallback time.Duration) time.Duration {
	return parseDuration(s.Timeout, fallback)
}

// TimeoutDuration returns the parsed sandbox command timeout, or the fallback.
func (s Sandbox) TimeoutDuration(fallback time.Duration) time.Duration {
	return parseDuration(s.Timeout, fallback)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
