package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	logFile    string
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gitybara",
		Short: "Resolve labelled issues with a coding agent",
		Long: `Gitybara watches repositories for issues carrying a trigger label and
hands each one to a coding agent in an isolated worktree.

It handles the full lifecycle:
- Jobs: one per issue, persisted across restarts
- Branches: new per issue, or shared with a related issue
- Merge requests: opened, kept up to date, conflicts auto-resolved
- Comments: follow-up requests on finished work reactivate the job`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file (overrides log_file)")

	root.AddCommand(daemonCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(cancelCmd())
	root.AddCommand(resetCmd())
	root.AddCommand(automergeCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gitybara %s\n", version)
		},
	}
}
