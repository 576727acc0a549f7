package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jcarver/prwarden/internal/httpapi"
	"github.com/jcarver/prwarden/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Inspect and control pipeline runs",
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
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

		stateFilter, _ := cmd.Flags().GetString("state")
		runs, err := store.ListRuns(cfg.Pipeline.Project, pipeline.State(stateFilter))
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-36s %-6s %-10s %-22s %-8s %s\n", "RUN", "PR", "SHA", "STATE", "RETRIES", "STARTED")
		for _, r := range runs {
			fmt.Fprintf(w, "%-36s %-6d %-10s %-22s %-8d %s\n",
				r.ID, r.PR.Number, shortSHA(r.PR.HeadSHA), r.State, r.RetryCount,
				r.StartedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

var pipelineShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its step trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		r, err := store.GetRun(args[0])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Run:       %s\n", r.ID)
		fmt.Fprintf(w, "PR:        %s#%d @ %s\n", r.PR.Repo, r.PR.Number, shortSHA(r.PR.HeadSHA))
		fmt.Fprintf(w, "State:     %s", r.State)
		if r.PrevState != "" {
			fmt.Fprintf(w, " (from %s)", r.PrevState)
		}
		fmt.Fprintln(w)
		if r.AgentRunID != "" {
			fmt.Fprintf(w, "Lineage:   %s (iteration %d)\n", r.AgentRunID, r.Iteration)
		}
		if r.Cause != "" {
			fmt.Fprintf(w, "Cause:     %s\n", r.Cause)
		}
		if r.Sandbox != nil {
			fmt.Fprintf(w, "Sandbox:   %s (%s)\n", r.Sandbox.SnapshotID, r.Sandbox.Status)
		}
		fmt.Fprintf(w, "Started:   %s\n", r.StartedAt.Local().Format(time.DateTime))
		if r.TerminalAt != nil {
			fmt.Fprintf(w, "Finished:  %s\n", r.TerminalAt.Local().Format(time.DateTime))
		}

		if len(r.StepResults) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintf(w, "%-22s %-9s %-8s %-10s %s\n", "STEP", "STATUS", "ATTEMPT", "DURATION", "SUMMARY")
			for _, sr := range r.StepResults {
				fmt.Fprintf(w, "%-22s %-9s %-8d %-10s %s\n",
					sr.Step, sr.Status, sr.Attempt, sr.Duration.Round(time.Millisecond), sr.Summary)
			}
		}
		return nil
	},
}

var pipelineRetryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Schedule a fresh run for a finished run's PR revision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			RunID string `json:"run_id"`
		}
		if err := serverAPI().PostJSON(cmd.Context(), "/api/runs/"+args[0]+"/retry", struct{}{}, &resp); err != nil {
			return fmt.Errorf("retry run: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scheduled run %s\n", resp.RunID)
		return nil
	},
}

var pipelineCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel an active run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			RunID string `json:"run_id"`
		}
		if err := serverAPI().PostJSON(cmd.Context(), "/api/runs/"+args[0]+"/cancel", struct{}{}, &resp); err != nil {
			return fmt.Errorf("cancel run: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled run %s\n", resp.RunID)
		return nil
	},
}

var serverAddr string

// serverAPI targets the serve process's HTTP API for commands that need the
// live scheduler rather than the database.
func serverAPI() *httpapi.Client {
	addr := serverAddr
	if !strings.Contains(addr, "://") {
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		addr = "http://" + addr
	}
	return httpapi.New(addr, 30*time.Second)
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func init() {
	pipelineListCmd.Flags().String("state", "", "filter by state (e.g. FAILED)")
	pipelineRetryCmd.Flags().StringVar(&serverAddr, "server", ":8080", "address of the running serve process")
	pipelineCancelCmd.Flags().StringVar(&serverAddr, "server", ":8080", "address of the running serve process")
	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineCmd.AddCommand(pipelineShowCmd)
	pipelineCmd.AddCommand(pipelineRetryCmd)
	pipelineCmd.AddCommand(pipelineCancelCmd)
}
