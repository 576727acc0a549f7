package cli

import (
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jcarver/prwarden/internal/agent"
	"github.com/jcarver/prwarden/internal/engine"
	"github.com/jcarver/prwarden/internal/executor"
	"github.com/jcarver/prwarden/internal/feedback"
	"github.com/jcarver/prwarden/internal/github"
	"github.com/jcarver/prwarden/internal/notify"
	"github.com/jcarver/prwarden/internal/retrypolicy"
	"github.com/jcarver/prwarden/internal/runners"
	"github.com/jcarver/prwarden/internal/sandbox"
	"github.com/jcarver/prwarden/internal/scheduler"
	"github.com/jcarver/prwarden/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: webhook ingress, scheduler, API, and event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if problems := validateConfig(cfg); len(problems) > 0 {
			for _, p := range problems {
				log.Printf("[config] %s", p)
			}
			return fmt.Errorf("%d configuration problem(s)", len(problems))
		}
		p := cfg.Pipeline

		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		sink := notify.NewSink(store, notify.NewMetrics())

		sandboxClient := sandbox.NewClient(p.Sandbox.BaseURL, p.Sandbox.TimeoutDuration(15*time.Minute))
		agentClient := agent.NewClient(p.Agent.BaseURL, p.Agent.TimeoutDuration(time.Minute))
		analysisClient := runners.NewAnalysisClient(p.Analysis.BaseURL, p.Analysis.TimeoutDuration(10*time.Minute))
		uiTestClient := runners.NewUITestClient(p.UITest.BaseURL, p.UITest.TimeoutDuration(10*time.Minute))

		ghClient, err := github.NewClient(p.Repo)
		if err != nil {
			return fmt.Errorf("github client: %w", err)
		}

		execs, err := executor.NewSet(
			executor.NewSnapshotExecutor(sandboxClient, p.Sandbox.BaseImage, p.Sandbox.Tools, p.Sandbox.Env),
			executor.NewCloneExecutor(sandboxClient),
			executor.NewSetupExecutor(sandboxClient, p.Sandbox.SetupCommands),
			executor.NewDeployExecutor(sandboxClient, p.Sandbox.DeployCommand),
			executor.NewAnalysisExecutor(analysisClient),
			executor.NewUITestExecutor(uiTestClient),
		)
		if err != nil {
			return fmt.Errorf("build executor set: %w", err)
		}

		policy := retrypolicy.Policy{
			MaxAttempts:  p.Retry.MaxAttempts,
			BaseDelay:    p.Retry.BaseDelayDuration(2 * time.Second),
			Factor:       p.Retry.Factor,
			Jitter:       p.Retry.Jitter,
			StepDeadline: p.Retry.StepDeadlineDuration(10 * time.Minute),
		}

		eng := engine.New(store, execs, policy, ghClient, sandboxClient, sink, engine.Config{
			AutoMerge:     p.AutoMerge,
			MergeStrategy: p.MergeStrategy,
			MaxIterations: p.Feedback.MaxIterations,
		})
		fb := feedback.New(agentClient, store, sink, p.Feedback.MaxIterations, p.Feedback.LogExcerptBytes)
		sched := scheduler.New(store, eng, fb, sandboxClient, sink, p.Project,
			p.Scheduler.Workers, p.Scheduler.QueueWaitDuration(10*time.Second))
		defer sched.Stop()

		srv := web.NewServer(store, sched, sink, p.Project, p.Repo, p.Server.Addr)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Printf("[serve] project=%s repo=%s workers=%d auto_merge=%v",
			p.Project, p.Repo, p.Scheduler.Workers, p.AutoMerge)
		return srv.Start(ctx)
	},
}
