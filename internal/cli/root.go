package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "prwarden",
	Short: "Validation pipeline orchestrator for agent pull requests",
	Long: `prwarden drives agent-authored pull requests through a fixed validation
sequence: sandbox provisioning, clone, setup, deployment validation, static
analysis, UI tests, and a merge decision. Failed runs are resubmitted to the
code-generation agent with structured evidence.

All state is stored in ~/.prwarden/ (SQLite).`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to prwarden.yaml (default: ./prwarden.yaml, then ~/.prwarden/config.yaml)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
