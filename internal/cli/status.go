package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jcarver/prwarden/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize run counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ListRuns(cfg.Pipeline.Project, "")
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}

		counts := make(map[pipeline.State]int)
		for _, r := range runs {
			counts[r.State]++
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Project: %s (%s)\n\n", cfg.Pipeline.Project, cfg.Pipeline.Repo)
		active := 0
		for _, st := range pipeline.Order() {
			if n := counts[st]; n > 0 {
				fmt.Fprintf(w, "  %-22s %d\n", st, n)
				active += n
			}
		}
		for _, st := range []pipeline.State{pipeline.StateCompleted, pipeline.StateFailed, pipeline.StateCancelled} {
			if n := counts[st]; n > 0 {
				fmt.Fprintf(w, "  %-22s %d\n", st, n)
			}
		}
		fmt.Fprintf(w, "\n%d runs total, %d active\n", len(runs), active)
		return nil
	},
}
