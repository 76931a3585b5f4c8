// Package orchestrator drives the engine: the daemon polls every watched
// repository, turns labelled issues into jobs, hands them to the scheduler
// and runs the comment and merge-request scans.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Pr0fe5s0r/gitybara/internal/agent"
	"github.com/Pr0fe5s0r/gitybara/internal/association"
	"github.com/Pr0fe5s0r/gitybara/internal/comments"
	"github.com/Pr0fe5s0r/gitybara/internal/config"
	"github.com/Pr0fe5s0r/gitybara/internal/conflict"
	"github.com/Pr0fe5s0r/gitybara/internal/metrics"
	"github.com/Pr0fe5s0r/gitybara/internal/providers"
	"github.com/Pr0fe5s0r/gitybara/internal/scheduler"
	"github.com/Pr0fe5s0r/gitybara/internal/security"
	"github.com/Pr0fe5s0r/gitybara/internal/state"
	"github.com/Pr0fe5s0r/gitybara/internal/store"
	"github.com/Pr0fe5s0r/gitybara/internal/workspace"
)

// shutdownGrace bounds how long Run waits for live tasks after its context
// ends before force-cancelling them.
const shutdownGrace = 30 * time.Second

// ErrUnknownRepo is returned for issues of repositories missing from the
// configuration.
var ErrUnknownRepo = errors.New("repository is not configured")

// sweepEvery is how often the daemon reclaims old worktrees.
const sweepEvery = 24 * time.Hour

// Daemon runs the poll loop.
type Daemon struct {
	config     *config.Config
	store      *store.Store
	provider   providers.Provider
	runner     agent.Runner
	scheduler  *scheduler.Scheduler
	workspaces *workspace.Manager
	resolver   *association.Resolver
	engine     *conflict.Engine
	monitor    *comments.Monitor
	labels     *labeler
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu        sync.Mutex
	bases     map[string]string // repo -> base branch
	lastSweep time.Time
}

// New wires a daemon. m may be nil.
func New(cfg *config.Config, st *store.Store, provider providers.Provider, runner agent.Runner, m *metrics.Metrics, logger *slog.Logger) *Daemon {
	sched := scheduler.New(st, cfg.Concurrency.MaxTotal, logger)
	workspaces := workspace.NewManager(filepath.Join(cfg.DataDir, "workspaces"), logger)

	var oracle agent.Runner
	if cfg.Association.Enabled {
		oracle = runner
	}
	classifier := comments.NewClassifier(cfg.Comments)
	allowlist := security.NewAllowlist(cfg.AllowedUsers, logger)

	return &Daemon{
		config:     cfg,
		store:      st,
		provider:   provider,
		runner:     runner,
		scheduler:  sched,
		workspaces: workspaces,
		resolver:   association.NewResolver(oracle, cfg.Association.Timeout, logger),
		engine:     conflict.NewEngine(st, provider, workspaces, runner, sched, cfg.AutoMerge, m, logger),
		monitor:    comments.NewMonitor(st, provider, classifier, allowlist, cfg.Comments.SimilarityThreshold, m, logger),
		labels:     newLabeler(provider, logger),
		metrics:    m,
		logger:     logger,
		bases:      make(map[string]string),
	}
}

// Scheduler exposes the live task registry to the control API.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// Workspaces returns the workspace manager.
func (d *Daemon) Workspaces() *workspace.Manager {
	return d.workspaces
}

// Run recovers stale jobs and polls until ctx is done, then waits for live
// tasks to wind down.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("starting daemon",
		"repos", len(d.config.Repos),
		"poll_interval", d.config.PollInterval,
		"max_concurrent", d.scheduler.Capacity())

	if err := d.Recover(ctx); err != nil {
		d.logger.Error("stale job recovery failed", "error", err)
	}

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon shutting down", "running", d.scheduler.Active())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := d.scheduler.Shutdown(shutdownCtx); err != nil {
				d.logger.Warn("tasks were interrupted", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			d.Poll(ctx)
		}
	}
}

// Recover demotes jobs left in progress by a process that died.
func (d *Daemon) Recover(ctx context.Context) error {
	recovered, err := d.store.RecoverStale(ctx, d.config.Jobs.StaleAfter, d.config.Jobs.MaxStaleCount)
	for _, r := range recovered {
		d.logger.Warn("recovered stale job", "issue", r.Job.Key.String(), "to", r.To, "stale_count", r.Job.StaleCount)
		d.metrics.Transition(string(state.StatusInProgress), string(r.To))
		d.labels.sync(ctx, r.Job.Repo(), r.Job.Number, r.To)
	}
	return err
}

// Poll runs one cycle over every configured repository in parallel. A
// failure in one repository does not affect the others.
func (d *Daemon) Poll(ctx context.Context) {
	d.metrics.PollCycle()

	var g errgroup.Group
	for _, repo := range d.config.Repos {
		g.Go(func() error {
			d.pollRepo(ctx, repo)
			return nil
		})
	}
	_ = g.Wait()

	d.maybeSweep(ctx)
	d.reportGauges(ctx)
}

func (d *Daemon) pollRepo(ctx context.Context, repo config.RepoConfig) {
	log := d.logger.With("repo", repo.FullName())

	if err := d.discover(ctx, repo); err != nil {
		log.Warn("issue discovery failed", "error", err)
		d.metrics.PollError(repo.FullName(), "discover")
	}

	if d.config.Comments.Enabled {
		reactivations, err := d.monitor.Scan(ctx, repo.Owner, repo.Name)
		if err != nil {
			log.Warn("comment scan failed", "error", err)
			d.metrics.PollError(repo.FullName(), "comments")
		}
		for _, r := range reactivations {
			if r.Resume {
				d.submit(ctx, r.Job)
			}
		}
	}

	if err := d.submitPending(ctx, repo); err != nil {
		log.Warn("submitting jobs failed", "error", err)
		d.metrics.PollError(repo.FullName(), "submit")
	}

	err := d.engine.Scan(ctx, conflict.Repo{
		Owner:     repo.Owner,
		Name:      repo.Name,
		RemoteURL: d.config.RemoteURL(repo),
		Rules:     conflict.RulesFromConfig(repo.ConflictRules),
	}, d.config.LabelFor(repo))
	if err != nil {
		log.Warn("merge request scan failed", "error", err)
		d.metrics.PollError(repo.FullName(), "merge-requests")
	}
}

// discover creates a pending job for every open labelled issue without one.
func (d *Daemon) discover(ctx context.Context, repo config.RepoConfig) error {
	issues, err := d.provider.ListIssuesWithLabel(ctx, repo.FullName(), d.config.LabelFor(repo))
	if err != nil {
		return err
	}
	for _, issue := range issues {
		if issue.State != "" && issue.State != "open" {
			continue
		}
		key := store.Key{Owner: repo.Owner, Name: repo.Name, Number: issue.Number}
		job, created, err := d.store.UpsertJob(ctx, key, issue.Title, false)
		if err != nil {
			return err
		}
		if created {
			d.logger.Info("new job", "issue", key.String(), "title", issue.Title, "job", job.ID)
		}
	}
	return nil
}

// submitPending hands the repository's pending jobs to the scheduler,
// oldest first, until it is full.
func (d *Daemon) submitPending(ctx context.Context, repo config.RepoConfig) error {
	jobs, err := d.store.ListJobs(ctx, store.Filter{Owner: repo.Owner, Name: repo.Name, Statuses: []state.Status{state.StatusPending}})
	if err != nil {
		return err
	}
	slices.Reverse(jobs)
	for _, job := range jobs {
		if !d.submit(ctx, job) {
			break
		}
	}
	return nil
}

// submit starts job. It reports false when the scheduler cannot take more
// work this cycle.
func (d *Daemon) submit(ctx context.Context, job *store.Job) bool {
	_, err := d.scheduler.Submit(ctx, job, d.runJob)
	switch {
	case err == nil:
		d.metrics.Transition(string(job.Status), string(state.StatusInProgress))
		return true
	case errors.Is(err, scheduler.ErrAlreadyClaimed):
		d.logger.Debug("job already claimed", "issue", job.Key.String())
		return true
	case errors.Is(err, scheduler.ErrAtCapacity), errors.Is(err, scheduler.ErrShuttingDown):
		return false
	default:
		d.logger.Error("failed to submit job", "issue", job.Key.String(), "error", err)
		return true
	}
}

// Enqueue creates (or returns) the job for an issue and tries to start it
// right away. It is the entry point for callers outside the poll loop.
func (d *Daemon) Enqueue(ctx context.Context, key store.Key, forceNewBranch bool) (*store.Job, *scheduler.Task, error) {
	if _, ok := d.config.Repo(key.Repo()); !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownRepo, key.Repo())
	}
	issue, err := d.provider.GetIssue(ctx, key.Repo(), key.Number)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching issue %s: %w", key, err)
	}
	job, _, err := d.store.UpsertJob(ctx, key, issue.Title, forceNewBranch)
	if err != nil {
		return nil, nil, err
	}
	if forceNewBranch && !job.ForceNewBranch {
		if err := d.store.UpdateFields(ctx, job.ID, job.Status, store.Update{ForceNewBranch: store.Ptr(true)}); err != nil {
			return nil, nil, err
		}
		job.ForceNewBranch = true
	}

	switch job.Status {
	case state.StatusPending, state.StatusFailed:
	case state.StatusDone:
		job, err = d.store.Transition(ctx, job.ID, state.StatusDone, state.StatusPending, store.Update{Error: store.Ptr("")})
		if err != nil {
			return nil, nil, err
		}
	default:
		return job, nil, nil
	}

	task, err := d.scheduler.Submit(ctx, job, d.runJob)
	if err != nil {
		return job, nil, err
	}
	d.metrics.Transition(string(job.Status), string(state.StatusInProgress))
	return task.Job(), task, nil
}

// RunOnce enqueues one issue and waits for its task to finish.
func (d *Daemon) RunOnce(ctx context.Context, key store.Key, forceNewBranch bool) (*store.Job, error) {
	job, task, err := d.Enqueue(ctx, key, forceNewBranch)
	if err != nil {
		return job, err
	}
	if task == nil {
		return job, fmt.Errorf("job %s is %s", key, job.Status)
	}

	select {
	case <-task.Done():
	case <-ctx.Done():
		d.scheduler.Cancel(task.JobID, true)
		<-task.Done()
	}
	return d.store.GetJob(context.WithoutCancel(ctx), task.JobID)
}

// Cancel stops the job of an issue. A job that has not started is
// cancelled in the store directly; a running one is signalled through the
// scheduler. Either way the trigger label is removed so the next poll does
// not pick the issue up again.
func (d *Daemon) Cancel(ctx context.Context, key store.Key, force bool) (scheduler.Result, error) {
	job, err := d.store.GetActiveJob(ctx, key)
	if err != nil {
		return scheduler.Result{}, err
	}

	switch job.Status {
	case state.StatusPending, state.StatusWaiting:
		if _, err := d.store.Transition(ctx, job.ID, job.Status, state.StatusCancelled, store.Update{}); err != nil {
			if !errors.Is(err, store.ErrTransitionConflict) {
				return scheduler.Result{}, err
			}
			// Claimed in the meantime; fall through to the scheduler.
			return d.scheduler.Cancel(job.ID, force), nil
		}
		d.metrics.Transition(string(job.Status), string(state.StatusCancelled))
		d.labels.sync(ctx, job.Repo(), job.Number, state.StatusCancelled)
		d.dropTrigger(ctx, job)
		return scheduler.Result{Success: true, Message: "cancelled before start"}, nil
	case state.StatusInProgress:
		return d.scheduler.Cancel(job.ID, force), nil
	default:
		return scheduler.Result{Success: false, Message: "not running"}, nil
	}
}

// Reset moves a failed job back to pending.
func (d *Daemon) Reset(ctx context.Context, key store.Key) (*store.Job, error) {
	job, err := d.store.GetActiveJob(ctx, key)
	if err != nil {
		return nil, err
	}
	job, err = d.store.Transition(ctx, job.ID, state.StatusFailed, state.StatusPending, store.Update{Error: store.Ptr(""), ResetStaleCount: true})
	if err != nil {
		return nil, err
	}
	d.metrics.Transition(string(state.StatusFailed), string(state.StatusPending))
	d.labels.sync(ctx, job.Repo(), job.Number, state.StatusPending)
	return job, nil
}

// dropTrigger removes the trigger label so the next poll does not create a
// new job for a cancelled one.
func (d *Daemon) dropTrigger(ctx context.Context, job *store.Job) {
	repo, ok := d.config.Repo(job.Repo())
	if !ok {
		return
	}
	if err := d.provider.RemoveLabel(ctx, job.Repo(), job.Number, d.config.LabelFor(repo)); err != nil {
		d.logger.Warn("failed to remove trigger label", "issue", job.Key.String(), "error", err)
	}
}

// baseBranch returns the branch merge requests target, asking the provider
// once per repository when the config leaves it open.
func (d *Daemon) baseBranch(ctx context.Context, repo config.RepoConfig) (string, error) {
	if repo.BaseBranch != "" {
		return repo.BaseBranch, nil
	}
	d.mu.Lock()
	base, ok := d.bases[repo.FullName()]
	d.mu.Unlock()
	if ok {
		return base, nil
	}

	base, err := d.provider.GetDefaultBranch(ctx, repo.FullName())
	if err != nil {
		return "", fmt.Errorf("resolving default branch of %s: %w", repo.FullName(), err)
	}
	d.mu.Lock()
	d.bases[repo.FullName()] = base
	d.mu.Unlock()
	return base, nil
}

func (d *Daemon) maybeSweep(ctx context.Context) {
	d.mu.Lock()
	due := time.Since(d.lastSweep) >= sweepEvery
	if due {
		d.lastSweep = time.Now()
	}
	d.mu.Unlock()
	if !due {
		return
	}

	sweepCtx, cancel := context.WithTimeout(ctx, d.config.Workspace.SweepTimeout)
	defer cancel()
	removed, err := d.workspaces.Sweep(sweepCtx, d.config.Workspace.SweepAfter)
	if err != nil {
		d.logger.Warn("workspace sweep incomplete", "removed", removed, "error", err)
		return
	}
	if removed > 0 {
		d.logger.Info("swept old workspaces", "removed", removed)
	}
}

func (d *Daemon) reportGauges(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	d.metrics.SetRunning(d.scheduler.Active())
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		d.logger.Debug("failed to count jobs", "error", err)
		return
	}
	byName := make(map[string]int, len(counts))
	for st, n := range counts {
		byName[string(st)] = n
	}
	d.metrics.SetJobCounts(byName)
}
