package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Pr0fe5s0r/gitybara/internal/api"
	"github.com/Pr0fe5s0r/gitybara/internal/scheduler"
	"github.com/Pr0fe5s0r/gitybara/internal/state"
	"github.com/Pr0fe5s0r/gitybara/internal/store"
)

func statusCmd() *cobra.Command {
	var repo, status string
	var issueNum, limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show jobs and live tasks",
		Long: `Show the jobs recorded in the store and, when the daemon is
reachable, the tasks it is currently running.

If --issue is specified, shows detailed status for that issue.

Example:
  gitybara status
  gitybara status --repo owner/repo --status failed
  gitybara status --repo owner/repo --issue 123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				if _, err := state.ParseStatus(status); err != nil {
					return err
				}
			}
			return showStatus(cmd, repo, issueNum, status, limit)
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Only this repository (owner/repo)")
	cmd.Flags().IntVar(&issueNum, "issue", 0, "Specific issue number (requires --repo)")
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of jobs listed")

	return cmd
}

func showStatus(cmd *cobra.Command, repo string, issueNum int, status string, limit int) error {
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

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if issueNum > 0 {
		key, err := issueKey(repo, issueNum)
		if err != nil {
			return err
		}
		job, err := st.LatestJob(ctx, key)
		if err != nil {
			return fmt.Errorf("no job for %s: %w", key, err)
		}
		var attempts []store.ConflictAttempt
		if job.MergeRequestNumber > 0 {
			if attempts, err = st.ListAttempts(ctx, job.Owner, job.Name, job.MergeRequestNumber); err != nil {
				return err
			}
		}
		printJob(out, job, attempts)
		return nil
	}

	f := store.Filter{Limit: limit}
	if repo != "" {
		if f.Owner, f.Name, err = parseRepo(repo); err != nil {
			return err
		}
	}
	if status != "" {
		f.Statuses = []state.Status{state.Status(status)}
	}
	jobs, err := st.ListJobs(ctx, f)
	if err != nil {
		return err
	}
	printJobs(out, jobs)

	if e.cfg.Control.Listen == "" {
		return nil
	}
	tasks, err := api.NewClient(e.cfg.Control.Listen).Tasks(ctx)
	if err != nil {
		fmt.Fprintf(out, "\nLive tasks unavailable: %v\n", err)
		return nil
	}
	fmt.Fprintln(out)
	printTasks(out, tasks, time.Now())
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printJobs(w io.Writer, jobs []*store.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ISSUE\tTITLE\tSTATUS\tBRANCH\tMR\tUPDATED")
	fmt.Fprintln(tw, "-----\t-----\t------\t------\t--\t-------")
	for _, j := range jobs {
		mr := "-"
		if j.MergeRequestNumber > 0 {
			mr = fmt.Sprintf("!%d", j.MergeRequestNumber)
		}
		branch := j.Branch
		if branch == "" {
			branch = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.Key, truncate(j.Title, 50), j.Status, branch, mr, j.UpdatedAt.Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

func printJob(w io.Writer, j *store.Job, attempts []store.ConflictAttempt) {
	fmt.Fprintf(w, "Issue %s: %s\n", j.Key, j.Title)
	fmt.Fprintf(w, "Status: %s\n", j.Status)
	if j.Branch != "" {
		fmt.Fprintf(w, "Branch: %s\n", j.Branch)
	}
	if j.MergeRequestURL != "" {
		fmt.Fprintf(w, "Merge request: %s\n", j.MergeRequestURL)
	}
	if j.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", j.Error)
	}
	if j.StaleCount > 0 {
		fmt.Fprintf(w, "Recovered after crashes: %d\n", j.StaleCount)
	}
	fmt.Fprintf(w, "Created: %s\n", j.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Last Updated: %s\n", j.UpdatedAt.Format("2006-01-02 15:04:05"))

	if len(attempts) == 0 {
		return
	}
	fmt.Fprintln(w, "\nConflict resolution attempts:")
	for _, a := range attempts {
		line := fmt.Sprintf("  %s  %s", a.CreatedAt.Format("2006-01-02 15:04"), a.Outcome)
		if len(a.ResolvedFiles) > 0 {
			line += "  resolved: " + strings.Join(a.ResolvedFiles, ", ")
		}
		if len(a.EscalatedFiles) > 0 {
			line += "  escalated: " + strings.Join(a.EscalatedFiles, ", ")
		}
		if a.Reason != "" {
			line += "  (" + a.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func printTasks(w io.Writer, tasks []scheduler.Info, now time.Time) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No running tasks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tISSUE\tRUNNING\tCANCELLING\tWORKSPACE")
	for _, t := range tasks {
		cancelling := "no"
		if t.Cancelled {
			cancelling = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			t.JobID, t.Key, now.Sub(t.StartedAt).Truncate(time.Second), cancelling, t.Workspace)
	}
	tw.Flush()
}
