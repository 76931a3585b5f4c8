package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/Pr0fe5s0r/gitybara/internal/agent"
	"github.com/Pr0fe5s0r/gitybara/internal/association"
	"github.com/Pr0fe5s0r/gitybara/internal/config"
	"github.com/Pr0fe5s0r/gitybara/internal/progress"
	"github.com/Pr0fe5s0r/gitybara/internal/providers"
	"github.com/Pr0fe5s0r/gitybara/internal/retry"
	"github.com/Pr0fe5s0r/gitybara/internal/scheduler"
	"github.com/Pr0fe5s0r/gitybara/internal/state"
	"github.com/Pr0fe5s0r/gitybara/internal/store"
	"github.com/Pr0fe5s0r/gitybara/internal/workspace"
)

var (
	errNoChanges = errors.New("agent made no changes")
	// errMergeRequestGone means the merge request of the job's branch was
	// deleted on the platform while the job was running.
	errMergeRequestGone = errors.New("merge request disappeared")
)

// outcome is how a run that did not fail ended.
type outcome struct {
	status   state.Status // done or waiting
	question string
	branch   string
	mr       *providers.PR
}

// runJob executes a claimed job and settles its final status. It is the
// scheduler.Func of every job.
func (d *Daemon) runJob(ctx context.Context, t *scheduler.Task) error {
	job := t.Job()
	log := d.logger.With("job", job.ID, "issue", job.Key.String())
	reporter := progress.NewReporter(d.provider, job.Repo(), job.Number, d.config.Progress.DebounceInterval, d.config.Progress.Enabled)

	// Follow-up requests live in the comment ledger until a run settles.
	pending, err := d.store.PendingRequests(ctx, job.Owner, job.Name, job.Number)
	var requests []string
	var commentIDs []int64
	for _, p := range pending {
		requests = append(requests, p.Request)
		commentIDs = append(commentIDs, p.CommentID)
	}

	var out *outcome
	if err == nil {
		stop := d.heartbeat(ctx, job.ID)
		out, err = d.execute(ctx, t, job, requests, reporter, log)
		stop()
	} else {
		err = fmt.Errorf("loading follow-up requests: %w", err)
	}
	return d.settle(ctx, t, job, commentIDs, out, err, reporter, log)
}

func (d *Daemon) execute(ctx context.Context, t *scheduler.Task, job *store.Job, requests []string, reporter *progress.Reporter, log *slog.Logger) (*outcome, error) {
	repo, ok := d.config.Repo(job.Repo())
	if !ok {
		return nil, fmt.Errorf("repository %s is no longer configured", job.Repo())
	}
	d.labels.sync(ctx, job.Repo(), job.Number, state.StatusInProgress)
	d.report(ctx, reporter.ForceUpdate, progress.StatusClaimed, log)

	// Comments already on the thread are input to this run.
	d.baseline(ctx, job, log)

	issue, err := d.provider.GetIssue(ctx, job.Repo(), job.Number)
	if err != nil {
		return nil, fmt.Errorf("fetching issue: %w", err)
	}
	if issue.State != "" && issue.State != "open" {
		return nil, fmt.Errorf("%w: issue is %s", scheduler.ErrCancelled, issue.State)
	}
	base, err := d.baseBranch(ctx, repo)
	if err != nil {
		return nil, err
	}

	branch, existing := d.chooseBranch(ctx, job, issue, reporter, log)
	ws, err := d.acquire(ctx, repo, branch, base, existing, log)
	if err != nil {
		return nil, err
	}
	defer d.workspaces.Release(ws)
	t.SetWorkspace(ws.Path)

	if err := t.Checkpoint(ctx); err != nil {
		return nil, err
	}

	prompt, kind := buildPrompt(job, issue, branch, requests)
	if kind == "implement" {
		d.report(ctx, reporter.Update, progress.FormatImplementing(branch), log)
	} else {
		d.report(ctx, reporter.ForceUpdate, progress.FormatFollowUp(len(requests)), log)
	}

	res, err := d.runAgent(ctx, ws, prompt, kind, log)
	if err != nil {
		return nil, err
	}

	if q, ok := agent.Clarification(res.Summary); ok {
		log.Info("agent asked for clarification", "question", q)
		return &outcome{status: state.StatusWaiting, question: q}, nil
	}

	changed, err := ws.Git.HasChanges(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case !changed && !res.Success:
		return nil, fmt.Errorf("agent failed: %s", firstLine(res.Summary))
	case !changed:
		return nil, errNoChanges
	case !res.Success:
		log.Warn("agent reported failure but left changes, committing them", "files", len(res.FilesChanged))
	}

	if err := t.Checkpoint(ctx); err != nil {
		return nil, err
	}

	d.report(ctx, reporter.Update, progress.StatusPushing, log)
	if _, err := ws.Git.CommitAll(ctx, commitMessage(issue, requests)); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	if err := d.workspaces.Push(ctx, ws, branch); err != nil {
		return nil, err
	}
	// Record the branch right away so it is offered to other issues.
	if err := d.store.UpdateFields(ctx, job.ID, state.StatusInProgress, store.Update{Branch: store.Ptr(branch)}); err != nil {
		log.Warn("failed to record branch", "branch", branch, "error", err)
	}

	pr, err := d.ensureMergeRequest(ctx, job, issue, repo, branch, base, res.Summary)
	if err != nil {
		return nil, err
	}
	log.Info("changes pushed", "branch", branch, "mr", pr.Number)
	return &outcome{status: state.StatusDone, branch: branch, mr: pr}, nil
}

// settle records how the run ended. Writes use a context detached from the
// task so they land even after a force cancel or shutdown. The follow-up
// requests the run was given are consumed unless it was interrupted.
func (d *Daemon) settle(ctx context.Context, t *scheduler.Task, job *store.Job, commentIDs []int64, out *outcome, runErr error, reporter *progress.Reporter, log *slog.Logger) error {
	sctx := context.WithoutCancel(ctx)
	interrupted := runErr != nil && ctx.Err() != nil && !t.Cancelled() && !errors.Is(runErr, scheduler.ErrCancelled)
	if !interrupted {
		if err := d.store.ConsumeRequests(sctx, job.Owner, job.Name, commentIDs); err != nil {
			log.Error("failed to consume follow-up requests", "error", err)
		}
	}

	switch {
	case errors.Is(runErr, scheduler.ErrCancelled) || (runErr != nil && t.Cancelled()):
		d.finish(sctx, job, state.StatusCancelled, store.Update{}, log)
		d.dropTrigger(sctx, job)
		d.report(sctx, reporter.Finalize, progress.StatusCancelled, log)
		return scheduler.ErrCancelled

	case runErr != nil && ctx.Err() != nil:
		// Interrupted by shutdown. The job goes back to the queue as is and
		// its requests stay pending in the ledger.
		d.finish(sctx, job, state.StatusPending, store.Update{}, log)
		return ctx.Err()

	case runErr != nil:
		msg := runErr.Error()
		d.finish(sctx, job, state.StatusFailed, store.Update{Error: store.Ptr(msg)}, log)
		status := progress.FormatFailed(runErr)
		if errors.Is(runErr, errNoChanges) {
			status = progress.StatusNoChanges
		}
		d.report(sctx, reporter.Finalize, status, log)
		return runErr

	case out.status == state.StatusWaiting:
		d.finish(sctx, job, state.StatusWaiting, store.Update{Error: store.Ptr("")}, log)
		d.report(sctx, reporter.Finalize, progress.FormatWaiting(out.question), log)
		return nil

	default:
		if t.Cancelled() {
			log.Info("cancellation arrived after the changes were published")
		}
		d.finish(sctx, job, state.StatusDone, store.Update{
			Branch:             store.Ptr(out.branch),
			MergeRequestURL:    store.Ptr(out.mr.HTMLURL),
			MergeRequestNumber: store.Ptr(out.mr.Number),
			Error:              store.Ptr(""),
			ForceNewBranch:     store.Ptr(false),
			ResetStaleCount:    true,
		}, log)
		d.report(sctx, reporter.Finalize, progress.FormatCompleted(out.mr.HTMLURL), log)
		return nil
	}
}

func (d *Daemon) finish(ctx context.Context, job *store.Job, to state.Status, upd store.Update, log *slog.Logger) {
	if _, err := d.store.Transition(ctx, job.ID, state.StatusInProgress, to, upd); err != nil {
		log.Error("failed to record job status", "to", to, "error", err)
		return
	}
	d.metrics.Transition(string(state.StatusInProgress), string(to))
	d.labels.sync(ctx, job.Repo(), job.Number, to)
	log.Info("job finished", "status", to)
}

// chooseBranch returns the branch to work on and whether it already exists
// on the remote.
func (d *Daemon) chooseBranch(ctx context.Context, job *store.Job, issue *providers.Issue, reporter *progress.Reporter, log *slog.Logger) (string, bool) {
	if job.Branch != "" {
		return job.Branch, true
	}

	var active []association.ActiveBranch
	if !job.ForceNewBranch {
		var err error
		active, err = d.activeBranches(ctx, job)
		if err != nil {
			log.Warn("failed to list active branches", "error", err)
		}
	}

	decision := d.resolver.Resolve(ctx, issue, job.ForceNewBranch, active)
	if decision.Action == association.Join {
		d.report(ctx, reporter.ForceUpdate, progress.FormatJoined(decision.Branch, decision.Reason), log)
		return decision.Branch, true
	}
	return BranchName(issue.Number, issue.Title), false
}

// activeBranches lists the branches other jobs of the repository own: those
// of unfinished jobs, and those of finished jobs whose merge request is
// still open.
func (d *Daemon) activeBranches(ctx context.Context, job *store.Job) ([]association.ActiveBranch, error) {
	jobs, err := d.store.ListJobs(ctx, store.Filter{
		Owner:    job.Owner,
		Name:     job.Name,
		Statuses: []state.Status{state.StatusPending, state.StatusInProgress, state.StatusWaiting, state.StatusDone},
		Limit:    50,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var active []association.ActiveBranch
	for _, j := range jobs {
		if j.ID == job.ID || j.Branch == "" || seen[j.Branch] {
			continue
		}
		if j.Status == state.StatusDone && j.MergeRequestNumber == 0 {
			continue
		}
		b := association.ActiveBranch{Branch: j.Branch, Issue: j.Number, Title: j.Title}
		if j.MergeRequestNumber > 0 {
			pr, err := d.provider.GetPR(ctx, j.Repo(), j.MergeRequestNumber)
			switch {
			case err == nil && pr.Open():
				b.MRTitle, b.MRBody = pr.Title, pr.Body
			case j.Status == state.StatusDone:
				continue
			}
		}
		seen[j.Branch] = true
		active = append(active, b)
	}
	return active, nil
}

// acquire checks out branch when it exists, otherwise base. A branch that
// vanished from the remote, for example deleted after its merge, is
// recreated from base.
func (d *Daemon) acquire(ctx context.Context, repo config.RepoConfig, branch, base string, existing bool, log *slog.Logger) (*workspace.Workspace, error) {
	remote := d.config.RemoteURL(repo)
	if existing {
		ws, err := d.workspaces.Acquire(ctx, repo.FullName(), remote, branch, base)
		if err == nil {
			return ws, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("branch not available, starting from base", "branch", branch, "base", base, "error", err)
	}
	ws, err := d.workspaces.Acquire(ctx, repo.FullName(), remote, base)
	if err != nil {
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}
	return ws, nil
}

// runAgent runs the agent with retries. A failed attempt that left changes
// in the worktree is not retried; it counts as a run that reported failure
// so the changes are committed.
func (d *Daemon) runAgent(ctx context.Context, ws *workspace.Workspace, prompt, kind string, log *slog.Logger) (*agent.Result, error) {
	opts := retry.DefaultOptions(d.config.Retry, retry.ClassifyAgent)
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("agent run failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	start := time.Now()
	res, err := retry.DoWithResult(ctx, opts, func() (*agent.Result, error) {
		res, err := d.runner.Run(ctx, agent.Request{WorkDir: ws.Path, Prompt: prompt, Model: d.config.Agent.Model})
		if err == nil || ctx.Err() != nil {
			return res, err
		}
		if dirty, derr := ws.Git.HasChanges(ctx); derr == nil && dirty {
			log.Warn("agent run failed after changing files", "error", err)
			return &agent.Result{Success: false, Summary: err.Error()}, nil
		}
		return nil, err
	})
	d.metrics.AgentRun(kind, err == nil && res.Success, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("agent run: %w", err)
	}
	return res, nil
}

// ensureMergeRequest returns the open merge request of branch, creating one
// when there is none. A merge request that another job opened for a shared
// branch is reused.
func (d *Daemon) ensureMergeRequest(ctx context.Context, job *store.Job, issue *providers.Issue, repo config.RepoConfig, branch, base, summary string) (*providers.PR, error) {
	number := job.MergeRequestNumber
	shared := false
	if number == 0 {
		owner, err := d.branchOwner(ctx, job, branch)
		if err != nil {
			return nil, err
		}
		if owner != nil {
			number, shared = owner.MergeRequestNumber, true
		}
	}

	if number > 0 {
		pr, err := d.provider.GetPR(ctx, job.Repo(), number)
		switch {
		case errors.Is(err, providers.ErrNotFound):
			return nil, fmt.Errorf("%w: !%d of branch %s", errMergeRequestGone, number, branch)
		case err != nil:
			return nil, fmt.Errorf("fetching merge request !%d: %w", number, err)
		case pr.Open():
			if shared {
				note := fmt.Sprintf("This branch now also addresses #%d: %s", issue.Number, issue.Title)
				if _, err := d.provider.CreateComment(ctx, job.Repo(), pr.Number, state.AddBotMarker(note)); err != nil {
					d.logger.Warn("failed to note joined issue", "mr", pr.Number, "error", err)
				}
			}
			return pr, nil
		}
	}

	pr, err := d.provider.CreatePR(ctx, job.Repo(), providers.PRCreate{
		Title:  issue.Title,
		Body:   mergeRequestBody(issue, summary),
		Head:   branch,
		Base:   base,
		Labels: []string{d.config.LabelFor(repo)},
	})
	if err != nil {
		return nil, fmt.Errorf("creating merge request: %w", err)
	}
	return pr, nil
}

// branchOwner finds another job of the repository that opened a merge
// request for branch.
func (d *Daemon) branchOwner(ctx context.Context, job *store.Job, branch string) (*store.Job, error) {
	jobs, err := d.store.ListJobs(ctx, store.Filter{Owner: job.Owner, Name: job.Name})
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.ID != job.ID && j.Branch == branch && j.MergeRequestNumber > 0 && j.Status != state.StatusCancelled {
			return j, nil
		}
	}
	return nil, nil
}

func (d *Daemon) heartbeat(ctx context.Context, jobID int64) func() {
	every := d.config.Jobs.StaleAfter / 3
	if every < time.Second {
		every = time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.store.Touch(ctx, jobID); err != nil && ctx.Err() == nil {
					d.logger.Debug("heartbeat failed", "job", jobID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (d *Daemon) baseline(ctx context.Context, job *store.Job, log *slog.Logger) {
	if !d.config.Comments.Enabled {
		return
	}
	if _, err := d.monitor.Baseline(ctx, job); err != nil {
		log.Warn("failed to record existing comments", "error", err)
	}
}

func (d *Daemon) report(ctx context.Context, update func(context.Context, string) error, status string, log *slog.Logger) {
	if err := update(ctx, status); err != nil {
		log.Warn("failed to update status comment", "error", err)
	}
}

func buildPrompt(job *store.Job, issue *providers.Issue, branch string, requests []string) (prompt, kind string) {
	switch {
	case len(requests) == 0:
		return agent.ImplementPrompt(issue.Number, issue.Title, issue.Body, branch), "implement"
	case job.MergeRequestNumber > 0:
		return agent.FollowUpPrompt(issue.Number, issue.Title, requests), "follow-up"
	default:
		return agent.ResumePrompt(issue.Number, issue.Title, issue.Body, branch, requests), "resume"
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

const maxSlug = 40

// BranchName derives the work branch of an issue, e.g. work/issue-42-fix-typo.
func BranchName(number int, title string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > maxSlug {
		slug = strings.TrimRight(slug[:maxSlug], "-")
	}
	if slug == "" {
		return fmt.Sprintf("work/issue-%d", number)
	}
	return fmt.Sprintf("work/issue-%d-%s", number, slug)
}

func commitMessage(issue *providers.Issue, requests []string) string {
	if len(requests) > 0 {
		return fmt.Sprintf("Address review comments on #%d\n\nRefs #%d", issue.Number, issue.Number)
	}
	return fmt.Sprintf("Resolve #%d: %s\n\nRefs #%d", issue.Number, issue.Title, issue.Number)
}

const maxSummary = 2000

func mergeRequestBody(issue *providers.Issue, summary string) string {
	summary = strings.TrimSpace(summary)
	if len(summary) > maxSummary {
		summary = summary[:maxSummary] + "..."
	}
	return fmt.Sprintf("Closes #%d\n\n%s", issue.Number, summary)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
