// Package conflict keeps labelled merge requests moving: clean ones are
// handed to auto-merge, conflicting ones get a bounded number of automatic
// resolution attempts before being escalated to a human.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Pr0fe5s0r/gitybara/internal/agent"
	"github.com/Pr0fe5s0r/gitybara/internal/config"
	"github.com/Pr0fe5s0r/gitybara/internal/git"
	"github.com/Pr0fe5s0r/gitybara/internal/metrics"
	"github.com/Pr0fe5s0r/gitybara/internal/providers"
	"github.com/Pr0fe5s0r/gitybara/internal/state"
	"github.com/Pr0fe5s0r/gitybara/internal/store"
	"github.com/Pr0fe5s0r/gitybara/internal/workspace"
)

// Outcome is what one evaluation of a merge request did.
type Outcome string

const (
	OutcomeNoAction         Outcome = "no-action"
	OutcomeAutoMergeEnabled Outcome = "auto-merge-enabled"
	OutcomeMerged           Outcome = "merged"
	OutcomeMergeFailed      Outcome = "merge-failed"
	OutcomeTooFresh         Outcome = "too-fresh"
	OutcomeEscalated        Outcome = "escalated"
	OutcomeResolved         Outcome = "resolved"
	OutcomeFailed           Outcome = "failed"
)

// Limiter bounds concurrent agent runs. The scheduler implements it.
type Limiter interface {
	RunLimited(ctx context.Context, fn func(ctx context.Context) error) error
}

// Repo is a watched repository as the engine sees it.
type Repo struct {
	Owner     string
	Name      string
	RemoteURL string
	Rules     []Rule
}

func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// Engine evaluates merge requests against the stored auto-merge policy.
type Engine struct {
	store      *store.Store
	provider   providers.Provider
	workspaces *workspace.Manager
	runner     agent.Runner
	limiter    Limiter
	defaults   config.AutoMergeConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	requested map[string]bool // merge requests with auto-merge already enabled
}

// NewEngine creates an engine. defaults seed the policy of repositories
// that have none stored yet.
func NewEngine(
	st *store.Store,
	provider providers.Provider,
	workspaces *workspace.Manager,
	runner agent.Runner,
	limiter Limiter,
	defaults config.AutoMergeConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:      st,
		provider:   provider,
		workspaces: workspaces,
		runner:     runner,
		limiter:    limiter,
		defaults:   defaults,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
		requested:  make(map[string]bool),
	}
}

// Scan evaluates every open merge request carrying label. A failure on
// one merge request does not stop the others.
func (e *Engine) Scan(ctx context.Context, repo Repo, label string) error {
	prs, err := e.provider.ListPRsWithLabel(ctx, repo.FullName(), label)
	if err != nil {
		return fmt.Errorf("listing merge requests for %s: %w", repo.FullName(), err)
	}

	var errs []error
	for _, pr := range prs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !pr.Open() {
			continue
		}
		outcome, err := e.Evaluate(ctx, repo, pr)
		if err != nil {
			e.logger.Error("merge request evaluation failed", "repo", repo.FullName(), "mr", pr.Number, "error", err)
			errs = append(errs, fmt.Errorf("%s!%d: %w", repo.FullName(), pr.Number, err))
			continue
		}
		if outcome != OutcomeNoAction {
			e.logger.Info("merge request evaluated", "repo", repo.FullName(), "mr", pr.Number, "outcome", outcome)
		}
	}
	return errors.Join(errs...)
}

// Policy returns the auto-merge policy for one merge request, seeding the
// repository defaults on first use.
func (e *Engine) Policy(ctx context.Context, repo Repo, number int) (store.RepoAutoMerge, error) {
	if _, err := e.store.EnsureRepoAutoMerge(ctx, store.RepoAutoMerge{
		Owner:                 repo.Owner,
		Name:                  repo.Name,
		Enabled:               e.defaults.Enabled,
		AutoMergeClean:        e.defaults.AutoMergeClean,
		AutoResolveConflicts:  e.defaults.AutoResolveConflicts,
		MergeMethod:           e.defaults.MergeMethod,
		StaleAfter:            e.defaults.StaleAfter,
		MaxResolutionAttempts: e.defaults.MaxResolutionAttempts,
	}); err != nil {
		return store.RepoAutoMerge{}, err
	}
	return e.store.EffectiveAutoMerge(ctx, repo.Owner, repo.Name, number)
}

// Evaluate applies the policy to one merge request.
func (e *Engine) Evaluate(ctx context.Context, repo Repo, pr *providers.PR) (Outcome, error) {
	policy, err := e.Policy(ctx, repo, pr.Number)
	if err != nil {
		return "", err
	}
	if !policy.Enabled {
		return OutcomeNoAction, nil
	}

	switch {
	case pr.MergeState == providers.MergeClean && policy.AutoMergeClean:
		return e.autoMerge(ctx, repo, pr, policy.MergeMethod), nil
	case pr.MergeState == providers.MergeDirty && policy.AutoResolveConflicts:
		return e.resolve(ctx, repo, pr, policy)
	default:
		return OutcomeNoAction, nil
	}
}

func mrKey(repo Repo, number int) string {
	return fmt.Sprintf("%s!%d", repo.FullName(), number)
}

// autoMerge enables native auto-merge, falling back to a direct merge.
// Failures are logged and retried on the next cycle.
func (e *Engine) autoMerge(ctx context.Context, repo Repo, pr *providers.PR, method string) Outcome {
	key := mrKey(repo, pr.Number)
	e.mu.Lock()
	done := e.requested[key]
	e.mu.Unlock()
	if done {
		return OutcomeNoAction
	}

	err := e.provider.EnableAutoMerge(ctx, repo.FullName(), pr.Number, method)
	if err == nil {
		e.mu.Lock()
		e.requested[key] = true
		e.mu.Unlock()
		e.metrics.AutoMerge("enabled")
		return OutcomeAutoMergeEnabled
	}
	if !errors.Is(err, providers.ErrAutoMergeUnsupported) {
		e.logger.Warn("enabling auto-merge failed, merging directly", "repo", repo.FullName(), "mr", pr.Number, "error", err)
	}

	if err := e.provider.MergePR(ctx, repo.FullName(), pr.Number, method); err != nil {
		e.logger.Warn("direct merge failed", "repo", repo.FullName(), "mr", pr.Number, "error", err)
		e.metrics.AutoMerge("failed")
		return OutcomeMergeFailed
	}
	e.metrics.AutoMerge("merged")
	return OutcomeMerged
}

func (e *Engine) resolve(ctx context.Context, repo Repo, pr *providers.PR, policy store.RepoAutoMerge) (Outcome, error) {
	escalated, err := e.store.CountAttempts(ctx, repo.Owner, repo.Name, pr.Number, store.AttemptEscalated)
	if err != nil {
		return "", err
	}
	if escalated > 0 {
		return OutcomeNoAction, nil
	}

	if age := e.now().Sub(pr.UpdatedAt); age < policy.StaleAfter {
		e.logger.Debug("conflict too fresh, waiting", "repo", repo.FullName(), "mr", pr.Number, "age", age.Round(time.Second))
		return OutcomeTooFresh, nil
	}

	failed, err := e.store.CountAttempts(ctx, repo.Owner, repo.Name, pr.Number, store.AttemptFailed)
	if err != nil {
		return "", err
	}
	start := e.now()
	if failed >= policy.MaxResolutionAttempts {
		reason := fmt.Sprintf("%d automatic resolution attempts failed", failed)
		return e.escalate(ctx, repo, pr, nil, reason, start)
	}

	e.logger.Info("resolving merge conflicts", "repo", repo.FullName(), "mr", pr.Number, "attempt", failed+1)

	ws, err := e.workspaces.Acquire(ctx, repo.FullName(), repo.RemoteURL, pr.HeadRef, pr.BaseRef)
	if err != nil {
		return "", fmt.Errorf("preparing workspace: %w", err)
	}
	defer e.workspaces.Release(ws)

	// From here on every failure counts as an attempt, so a branch that
	// cannot be merged or pushed is escalated instead of retried forever.
	var part Partition
	fail := func(err error) (Outcome, error) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		e.logger.Warn("conflict resolution failed", "repo", repo.FullName(), "mr", pr.Number, "error", err)
		if rerr := e.record(ctx, repo, pr, store.AttemptFailed, nil, part.Resolve, err.Error(), start); rerr != nil {
			return "", rerr
		}
		return OutcomeFailed, nil
	}

	msg := fmt.Sprintf("Merge branch '%s' into %s", pr.BaseRef, pr.HeadRef)
	err = ws.Git.Merge(ctx, git.RemoteTrackingRef(pr.BaseRef), msg)
	if err != nil && !errors.Is(err, git.ErrMergeConflict) {
		return fail(fmt.Errorf("merging %s: %w", pr.BaseRef, err))
	}

	if err != nil {
		files, err := ws.Git.ConflictedFiles(ctx)
		if err != nil {
			return fail(err)
		}
		part = Split(repo.Rules, files)

		if len(part.Escalate) > 0 {
			if err := ws.Git.MergeAbort(ctx); err != nil {
				e.logger.Warn("merge abort failed", "path", ws.Path, "error", err)
			}
			return e.escalate(ctx, repo, pr, part.Escalate, "conflicts touch protected paths", start)
		}

		if err := ws.Git.TakeTheirs(ctx, part.Ignore...); err != nil {
			return fail(fmt.Errorf("taking base side of ignored files: %w", err))
		}

		if len(part.Resolve) > 0 {
			if err := e.runAgent(ctx, ws, pr.BaseRef, part.Resolve); err != nil {
				_ = ws.Git.MergeAbort(ctx)
				return fail(err)
			}
		}

		if _, err := ws.Git.CommitAll(ctx, msg); err != nil {
			return fail(fmt.Errorf("committing merge: %w", err))
		}
	}

	if err := e.workspaces.Push(ctx, ws, pr.HeadRef); err != nil {
		return fail(err)
	}

	resolved := append(append([]string(nil), part.Resolve...), part.Ignore...)
	reason := "merged cleanly"
	switch {
	case len(part.Resolve) > 0:
		reason = fmt.Sprintf("agent resolved %d files", len(part.Resolve))
	case len(part.Ignore) > 0:
		reason = "only ignored files conflicted"
	}
	if err := e.record(ctx, repo, pr, store.AttemptSuccess, resolved, nil, reason, start); err != nil {
		return "", err
	}
	if len(resolved) > 0 {
		e.comment(ctx, repo, pr.Number, resolvedMessage(pr.BaseRef, resolved))
	}

	if policy.AutoMergeClean {
		e.mu.Lock()
		delete(e.requested, mrKey(repo, pr.Number))
		e.mu.Unlock()
		e.autoMerge(ctx, repo, pr, policy.MergeMethod)
	}
	return OutcomeResolved, nil
}

// runAgent asks the agent to resolve files and checks that no markers are left.
func (e *Engine) runAgent(ctx context.Context, ws *workspace.Workspace, base string, files []string) error {
	run := func(ctx context.Context) error {
		res, err := e.runner.Run(ctx, agent.Request{
			WorkDir: ws.Path,
			Prompt:  agent.ResolveConflictsPrompt(base, files),
		})
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("agent reported failure: %s", firstLine(res.Summary))
		}
		return nil
	}

	var err error
	if e.limiter != nil {
		err = e.limiter.RunLimited(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return err
	}

	marked, err := ws.Git.HasConflictMarkers(files...)
	if err != nil {
		return err
	}
	if marked {
		return errors.New("conflict markers remain after agent run")
	}
	return nil
}

func (e *Engine) escalate(ctx context.Context, repo Repo, pr *providers.PR, files []string, reason string, start time.Time) (Outcome, error) {
	if err := e.record(ctx, repo, pr, store.AttemptEscalated, nil, files, reason, start); err != nil {
		return "", err
	}
	e.logger.Warn("merge request escalated", "repo", repo.FullName(), "mr", pr.Number, "reason", reason)
	e.comment(ctx, repo, pr.Number, escalationMessage(reason, files))
	return OutcomeEscalated, nil
}

func (e *Engine) record(ctx context.Context, repo Repo, pr *providers.PR, outcome store.AttemptOutcome, resolved, escalated []string, reason string, start time.Time) error {
	_, err := e.store.RecordAttempt(ctx, store.ConflictAttempt{
		Owner:          repo.Owner,
		Name:           repo.Name,
		MRNumber:       pr.Number,
		Outcome:        outcome,
		ResolvedFiles:  resolved,
		EscalatedFiles: escalated,
		Reason:         reason,
		Duration:       e.now().Sub(start),
	})
	e.metrics.ConflictAttempt(string(outcome))
	return err
}

// comment posts on the merge request. Failures are logged only.
func (e *Engine) comment(ctx context.Context, repo Repo, number int, body string) {
	if _, err := e.provider.CreateComment(ctx, repo.FullName(), number, state.AddBotMarker(body)); err != nil {
		e.logger.Warn("failed to comment on merge request", "repo", repo.FullName(), "mr", number, "error", err)
	}
}

func escalationMessage(reason string, files []string) string {
	var b strings.Builder
	b.WriteString("**Merge conflicts need a human.** Automatic resolution stopped: ")
	b.WriteString(reason)
	b.WriteString(".")
	if len(files) > 0 {
		b.WriteString("\n\nFiles:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	return b.String()
}

func resolvedMessage(base string, files []string) string {
	return fmt.Sprintf("Merged `%s` and resolved conflicts in %d file(s):\n- `%s`",
		base, len(files), strings.Join(files, "`\n- `"))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
