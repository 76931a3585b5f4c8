package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Pr0fe5s0r/gitybara/internal/workspace"
)

func sweepCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove old worktrees",
		Long: `Remove worktrees older than the given age from every mirror and prune
the mirrors' worktree records. A running daemon also sweeps once a day.

Example:
  gitybara sweep --older-than 72h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.cleanup()

			age := e.cfg.Workspace.SweepAfter
			if cmd.Flags().Changed("older-than") {
				age = olderThan
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), e.cfg.Workspace.SweepTimeout)
			defer cancel()

			m := workspace.NewManager(filepath.Join(e.cfg.DataDir, "workspaces"), e.logger)
			removed, err := m.Sweep(ctx, age)
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d worktree(s)\n", removed)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Minimum age (default workspace.sweep_after)")
	return cmd
}
