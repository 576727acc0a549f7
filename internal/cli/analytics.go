package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jcarver/prwarden/internal/analytics"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Aggregate statistics over recorded runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		since, _ := cmd.Flags().GetString("since")
		w := cmd.OutOrStdout()

		outcomes, err := analytics.QueryOutcomes(store, since)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Outcomes: %d finished (%d completed, %d failed, %d cancelled), merge rate %.1f%%\n\n",
			outcomes.Total, outcomes.Completed, outcomes.Failed, outcomes.Cancelled, outcomes.MergeRate)

		durations, err := analytics.QueryStepDurations(store, since)
		if err != nil {
			return err
		}
		if len(durations) > 0 {
			fmt.Fprintf(w, "%-22s %-8s %-10s %-10s %s\n", "STEP", "COUNT", "AVG(s)", "P50(s)", "P95(s)")
			for _, d := range durations {
				fmt.Fprintf(w, "%-22s %-8d %-10.1f %-10.1f %.1f\n", d.Step, d.Count, d.Avg, d.P50, d.P95)
			}
			fmt.Fprintln(w)
		}

		reliability, err := analytics.QueryStepReliability(store, since)
		if err != nil {
			return err
		}
		if len(reliability) > 0 {
			fmt.Fprintf(w, "%-22s %-10s %-12s %s\n", "STEP", "ATTEMPTS", "FIRST-PASS", "RETRIED")
			for _, r := range reliability {
				fmt.Fprintf(w, "%-22s %-10d %-12.1f %.1f\n", r.Step, r.Attempts, r.FirstPass, r.Retried)
			}
			fmt.Fprintln(w)
		}

		causes, err := analytics.QueryFailureCauses(store, since)
		if err != nil {
			return err
		}
		if len(causes) > 0 {
			fmt.Fprintln(w, "Failures by step:")
			for _, c := range causes {
				fmt.Fprintf(w, "  %-22s %d\n", c.Step, c.Count)
			}
			fmt.Fprintln(w)
		}

		lineages, err := analytics.QueryLineageDepths(store, since)
		if err != nil {
			return err
		}
		if lineages.Lineages > 0 {
			fmt.Fprintf(w, "Lineages: %d, avg %.1f validation rounds, max %d\n",
				lineages.Lineages, lineages.AvgIterations, lineages.MaxIterations)
		}
		return nil
	},
}

func init() {
	analyticsCmd.Flags().String("since", "", "only include runs started at or after this RFC 3339 time")
	rootCmd.AddCommand(analyticsCmd)
}
