package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Pr0fe5s0r/gitybara/internal/config"
	"github.com/Pr0fe5s0r/gitybara/internal/store"
)

func automergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "automerge",
		Short: "Inspect or change the auto-merge policy",
		Long: `Inspect or change the auto-merge policy stored for a repository or a
single merge request. The configuration file only seeds a repository's
policy the first time it is seen; later changes are made here.`,
	}
	cmd.AddCommand(automergeShowCmd())
	cmd.AddCommand(automergeSetCmd())
	return cmd
}

func automergeShowCmd() *cobra.Command {
	var repo string
	var mr int

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective policy",
		Example: `  gitybara automerge show --repo owner/repo
  gitybara automerge show --repo owner/repo --mr 17`,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, name, err := parseRepo(repo)
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

			ctx := cmd.Context()
			if _, err := st.EnsureRepoAutoMerge(ctx, repoDefaults(e.cfg.AutoMerge, owner, name)); err != nil {
				return err
			}
			policy, err := st.EffectiveAutoMerge(ctx, owner, name, mr)
			if err != nil {
				return err
			}
			printPolicy(cmd.OutOrStdout(), policy, mr)
			return nil
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "Repository (owner/repo)")
	cmd.Flags().IntVar(&mr, "mr", 0, "Merge request number")
	cmd.MarkFlagRequired("repo")
	return cmd
}

func automergeSetCmd() *cobra.Command {
	var repo, method string
	var mr, maxAttempts int
	var enabled, clean, resolve bool

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change the policy of a repository or merge request",
		Example: `  gitybara automerge set --repo owner/repo --enabled --clean
  gitybara automerge set --repo owner/repo --resolve=false
  gitybara automerge set --repo owner/repo --mr 17 --enabled=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, name, err := parseRepo(repo)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if method != "" && method != "merge" && method != "squash" && method != "rebase" {
				return fmt.Errorf("invalid merge method %q", method)
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
			ctx := cmd.Context()

			if mr > 0 {
				if flags.Changed("clean") || flags.Changed("resolve") || flags.Changed("max-attempts") {
					return errors.New("only --enabled and --method can be set per merge request")
				}
				o := store.PRAutoMerge{Owner: owner, Name: name, Number: mr}
				if prev, err := st.GetPRAutoMerge(ctx, owner, name, mr); err == nil {
					o = *prev
				} else if !errors.Is(err, store.ErrNotFound) {
					return err
				}
				if flags.Changed("enabled") {
					o.Enabled = store.Ptr(enabled)
				}
				if method != "" {
					o.MergeMethod = store.Ptr(method)
				}
				if err := st.SetPRAutoMerge(ctx, o); err != nil {
					return err
				}
			} else {
				policy, err := st.EnsureRepoAutoMerge(ctx, repoDefaults(e.cfg.AutoMerge, owner, name))
				if err != nil {
					return err
				}
				if flags.Changed("enabled") {
					policy.Enabled = enabled
				}
				if flags.Changed("clean") {
					policy.AutoMergeClean = clean
				}
				if flags.Changed("resolve") {
					policy.AutoResolveConflicts = resolve
				}
				if method != "" {
					policy.MergeMethod = method
				}
				if flags.Changed("max-attempts") {
					if maxAttempts < 1 {
						return errors.New("--max-attempts must be at least 1")
					}
					policy.MaxResolutionAttempts = maxAttempts
				}
				if err := st.SetRepoAutoMerge(ctx, policy); err != nil {
					return err
				}
			}

			policy, err := st.EffectiveAutoMerge(ctx, owner, name, mr)
			if err != nil {
				return err
			}
			printPolicy(cmd.OutOrStdout(), policy, mr)
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Repository (owner/repo)")
	cmd.Flags().IntVar(&mr, "mr", 0, "Only this merge request")
	cmd.Flags().BoolVar(&enabled, "enabled", false, "Merge automatically")
	cmd.Flags().BoolVar(&clean, "clean", false, "Merge requests without conflicts")
	cmd.Flags().BoolVar(&resolve, "resolve", false, "Resolve conflicts automatically")
	cmd.Flags().StringVar(&method, "method", "", "Merge method: merge, squash or rebase")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Conflict resolution attempts before escalating")
	cmd.MarkFlagRequired("repo")
	return cmd
}

func repoDefaults(c config.AutoMergeConfig, owner, name string) store.RepoAutoMerge {
	return store.RepoAutoMerge{
		Owner:                 owner,
		Name:                  name,
		Enabled:               c.Enabled,
		AutoMergeClean:        c.AutoMergeClean,
		AutoResolveConflicts:  c.AutoResolveConflicts,
		MergeMethod:           c.MergeMethod,
		StaleAfter:            c.StaleAfter,
		MaxResolutionAttempts: c.MaxResolutionAttempts,
	}
}

func printPolicy(w io.Writer, p store.RepoAutoMerge, mr int) {
	if mr > 0 {
		fmt.Fprintf(w, "Policy for %s/%s!%d\n", p.Owner, p.Name, mr)
	} else {
		fmt.Fprintf(w, "Policy for %s/%s\n", p.Owner, p.Name)
	}
	fmt.Fprintf(w, "Enabled: %t\n", p.Enabled)
	fmt.Fprintf(w, "Merge clean: %t\n", p.AutoMergeClean)
	fmt.Fprintf(w, "Resolve conflicts: %t\n", p.AutoResolveConflicts)
	fmt.Fprintf(w, "Merge method: %s\n", p.MergeMethod)
	fmt.Fprintf(w, "Max resolution attempts: %d\n", p.MaxResolutionAttempts)
	if p.StaleAfter > 0 {
		fmt.Fprintf(w, "Escalate stale conflicts after: %s\n", p.StaleAfter)
	}
}
