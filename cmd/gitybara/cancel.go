package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Pr0fe5s0r/gitybara/internal/api"
)

func cancelCmd() *cobra.Command {
	var repo string
	var issueNum int
	var force, all bool

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel work on an issue",
		Long: `Cancel the job of an issue through the running daemon.

A job that has not started is cancelled immediately. A running job stops
at its next checkpoint, discarding its changes; --force interrupts the
agent instead of waiting. The trigger label is removed either way.

Example:
  gitybara cancel --repo owner/repo --issue 123
  gitybara cancel --all --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if all {
				if repo != "" || issueNum != 0 {
					return errors.New("--all cannot be combined with --repo or --issue")
				}
				n, err := client.CancelAll(cmd.Context(), force)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Signalled %d running task(s)\n", n)
				return nil
			}

			key, err := issueKey(repo, issueNum)
			if err != nil {
				return err
			}
			res, err := client.Cancel(cmd.Context(), key, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %s\n", key, res.Message)
			if !res.Success {
				return fmt.Errorf("nothing to cancel for %s", key)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Repository (owner/repo)")
	cmd.Flags().IntVar(&issueNum, "issue", 0, "Issue number")
	cmd.Flags().BoolVar(&force, "force", false, "Interrupt the agent immediately")
	cmd.Flags().BoolVar(&all, "all", false, "Cancel every running task")

	return cmd
}

func resetCmd() *cobra.Command {
	var repo string
	var issueNum int

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Queue a failed job again",
		Long: `Move a failed job back to pending so the daemon retries it on its
next poll.

Example:
  gitybara reset --repo owner/repo --issue 123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := issueKey(repo, issueNum)
			if err != nil {
				return err
			}
			client, err := controlClient()
			if err != nil {
				return err
			}
			job, err := client.Reset(cmd.Context(), key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", key, job.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Repository (owner/repo)")
	cmd.Flags().IntVar(&issueNum, "issue", 0, "Issue number")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("issue")

	return cmd
}

// controlClient connects to the daemon's control API named in the config.
func controlClient() (*api.Client, error) {
	e, err := loadEnv()
	if err != nil {
		return nil, err
	}
	defer e.cleanup()
	if e.cfg.Control.Listen == "" {
		return nil, errors.New("control API is disabled (control.listen is empty)")
	}
	return api.NewClient(e.cfg.Control.Listen), nil
}
