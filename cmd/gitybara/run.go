package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Pr0fe5s0r/gitybara/internal/agent"
	"github.com/Pr0fe5s0r/gitybara/internal/metrics"
	"github.com/Pr0fe5s0r/gitybara/internal/orchestrator"
)

func runCmd() *cobra.Command {
	var repo string
	var issueNum int
	var newBranch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Work on a single issue in the foreground",
		Long: `Work on a single issue and wait for the outcome.

The issue does not need the trigger label. A finished job is started
again; a job waiting for clarification or already running is left alone.
Interrupting the command cancels the run.

Example:
  gitybara run --repo owner/repo --issue 123
  gitybara run --repo owner/repo --issue 123 --new-branch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSingle(cmd, repo, issueNum, newBranch)
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Repository (owner/repo)")
	cmd.Flags().IntVar(&issueNum, "issue", 0, "Issue number")
	cmd.Flags().BoolVar(&newBranch, "new-branch", false, "Always create a dedicated branch")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("issue")

	return cmd
}

func runSingle(cmd *cobra.Command, repo string, issueNum int, newBranch bool) error {
	key, err := issueKey(repo, issueNum)
	if err != nil {
		return err
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.cleanup()

	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	provider, err := e.provider()
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	runner := agent.NewClient(e.cfg.Agent.Command, e.cfg.Agent.Timeout, e.cfg.Agent.Model, e.logger)
	d := orchestrator.New(e.cfg, st, provider, runner, metrics.New(), e.logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job, err := d.RunOnce(ctx, key, newBranch)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Issue %s: %s\n", key, job.Status)
	if job.Branch != "" {
		fmt.Fprintf(out, "Branch: %s\n", job.Branch)
	}
	if job.MergeRequestURL != "" {
		fmt.Fprintf(out, "Merge request: %s\n", job.MergeRequestURL)
	}
	if job.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", job.Error)
	}
	return nil
}
