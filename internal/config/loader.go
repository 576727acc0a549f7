package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it fills in defaults for values the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./prwarden.yaml, ~/.prwarden/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"prwarden.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".prwarden", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no config found (searched: %v)", candidates)
}

// applyDefaults fills zero values with conservative defaults.
func applyDefaults(cfg *Config) {
	p := &cfg.Pipeline

	if p.BaseBranch == "" {
		p.BaseBranch = "main"
	}
	if p.MergeStrategy == "" {
		p.MergeStrategy = "squash"
	}
	if p.Scheduler.Workers <= 0 {
		p.Scheduler.Workers = 4
	}
	if p.Scheduler.QueueWait == "" {
		p.Scheduler.QueueWait = "10s"
	}
	if p.Retry.MaxAttempts <= 0 {
		p.Retry.MaxAttempts = 3
	}
	if p.Retry.BaseDelay == "" {
		p.Retry.BaseDelay = "2s"
	}
	if p.Retry.Factor <= 1 {
		p.Retry.Factor = 2.0
	}
	if p.Retry.Jitter <= 0 {
		p.Retry.Jitter = 0.5
	}
	if p.Retry.StepDeadline == "" {
		p.Retry.StepDeadline = "10m"
	}
	if p.Feedback.MaxIterations <= 0 {
		p.Feedback.MaxIterations = 3
	}
	if p.Feedback.LogExcerptBytes <= 0 {
		p.Feedback.LogExcerptBytes = 4096
	}
	if p.Sandbox.Timeout == "" {
		p.Sandbox.Timeout = "15m"
	}
	if p.Server.Addr == "" {
		p.Server.Addr = ":8080"
	}
}
