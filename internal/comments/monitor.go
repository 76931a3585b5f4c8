package comments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Pr0fe5s0r/gitybara/internal/metrics"
	"github.com/Pr0fe5s0r/gitybara/internal/providers"
	"github.com/Pr0fe5s0r/gitybara/internal/security"
	"github.com/Pr0fe5s0r/gitybara/internal/state"
	"github.com/Pr0fe5s0r/gitybara/internal/store"
)

// OutcomeReply marks a human answer on a job waiting for clarification
// that did not classify as actionable on its own.
const OutcomeReply = "reply"

// OutcomeBaseline marks comments that already existed when a job finished
// a run; they were part of the work's input and never trigger it again.
const OutcomeBaseline = "baseline"

// Reactivation is follow-up work found on one job.
type Reactivation struct {
	Job      *store.Job
	Requests []string
	Comments []int64
	// Resume is set for a waiting job; the job keeps its status and is
	// claimed from waiting.
	Resume bool
}

// Monitor scans comments of jobs that are not being worked on.
type Monitor struct {
	store      *store.Store
	provider   providers.Provider
	classifier *Classifier
	allowlist  *security.Allowlist
	similarity float64
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewMonitor(
	st *store.Store,
	provider providers.Provider,
	classifier *Classifier,
	allowlist *security.Allowlist,
	similarity float64,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		store:      st,
		provider:   provider,
		classifier: classifier,
		allowlist:  allowlist,
		similarity: similarity,
		metrics:    m,
		logger:     logger,
	}
}

var scannedStatuses = []state.Status{state.StatusDone, state.StatusFailed, state.StatusWaiting}

// Scan checks every done, failed and waiting job of a repository. Done and
// failed jobs with actionable comments are moved back to pending before
// they are returned.
func (m *Monitor) Scan(ctx context.Context, owner, name string) ([]Reactivation, error) {
	jobs, err := m.store.ListJobs(ctx, store.Filter{Owner: owner, Name: name, Statuses: scannedStatuses})
	if err != nil {
		return nil, err
	}

	var out []Reactivation
	var errs []error
	for _, job := range jobs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		r, err := m.ScanJob(ctx, job)
		if err != nil {
			m.logger.Warn("comment scan failed", "issue", job.Key.String(), "error", err)
			errs = append(errs, err)
			continue
		}
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, errors.Join(errs...)
}

// ScanJob classifies the unseen comments of one job and returns the
// requests no run has consumed yet. It returns nil when there are none.
func (m *Monitor) ScanJob(ctx context.Context, job *store.Job) (*Reactivation, error) {
	thread, err := m.thread(ctx, job)
	if err != nil {
		return nil, err
	}

	prior, err := m.store.ListProcessedComments(ctx, job.Owner, job.Name, job.Number,
		string(ActionFix), string(ActionFeedback), string(ActionClarification), string(ActionFutureFix), OutcomeReply)
	if err != nil {
		return nil, err
	}
	surfaced := make([]string, 0, len(prior))
	for _, p := range prior {
		surfaced = append(surfaced, p.Body)
	}

	repo := job.Repo()
	waiting := job.Status == state.StatusWaiting
	r := &Reactivation{Job: job, Resume: waiting}
	var deferred []string

	for i, cm := range thread {
		seen, err := m.store.IsCommentProcessed(ctx, job.Owner, job.Name, cm.ID)
		if err != nil {
			return nil, err
		}
		if seen {
			continue
		}

		bot := m.classifier.IsBot(cm)
		authorized := bot || m.allowlist.IsAuthorized(repo, cm.Author)
		cl := Classification{Action: ActionIgnore}
		if authorized {
			cl = m.classifier.Classify(cm, thread[:i])
		}

		outcome := string(ActionIgnore)
		switch {
		case m.classifier.Actionable(cl):
			outcome = string(cl.Action)
		case waiting && authorized && !bot:
			outcome = OutcomeReply
		}
		if outcome != string(ActionIgnore) && m.isDuplicate(cm.Body, surfaced) {
			outcome = store.OutcomeDuplicate
		}

		request := ""
		switch {
		case outcome == string(ActionIgnore), outcome == store.OutcomeDuplicate, cl.Action == ActionFutureFix:
		case waiting:
			request = strings.TrimSpace(cm.Body)
		case cl.Action == ActionFix || cl.Action == ActionFeedback:
			request = cl.Request
		}

		recorded, err := m.store.RecordComment(ctx, store.ProcessedComment{
			Owner:       job.Owner,
			Name:        job.Name,
			CommentID:   cm.ID,
			IssueNumber: job.Number,
			ContentHash: contentHash(cm.Body),
			Outcome:     outcome,
			Confidence:  cl.Confidence,
			Body:        cm.Body,
			Request:     request,
		})
		if err != nil {
			return nil, err
		}
		if !recorded {
			continue
		}
		m.metrics.CommentClassified(outcome)

		switch outcome {
		case string(ActionIgnore), store.OutcomeDuplicate:
			continue
		}
		surfaced = append(surfaced, cm.Body)

		switch {
		case cl.Action == ActionFutureFix:
			deferred = append(deferred, cl.Request)
		case request == "" && cl.Action == ActionClarification:
			m.logger.Info("question on finished job", "issue", job.Key.String(), "comment", cm.ID)
			if err := m.provider.ReactToComment(ctx, repo, cm.ID, "eyes"); err != nil {
				m.logger.Warn("failed to acknowledge comment", "issue", job.Key.String(), "error", err)
			}
		}
	}

	if len(deferred) > 0 {
		m.surfaceDeferred(ctx, job, deferred)
	}

	// Requests stay pending in the ledger until a run consumes them, so work
	// found before a restart is picked up again here.
	pending, err := m.store.PendingRequests(ctx, job.Owner, job.Name, job.Number)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	for _, p := range pending {
		r.Requests = append(r.Requests, p.Request)
		r.Comments = append(r.Comments, p.CommentID)
	}

	if !waiting {
		updated, err := m.store.Transition(ctx, job.ID, job.Status, state.StatusPending, store.Update{Error: store.Ptr("")})
		if err != nil {
			if errors.Is(err, store.ErrTransitionConflict) {
				return nil, nil
			}
			return nil, err
		}
		r.Job = updated
	}
	m.logger.Info("job reactivated by comments", "issue", job.Key.String(), "comments", len(r.Comments), "resume", waiting)
	return r, nil
}

// Baseline records every comment currently on the job's thread without
// classifying it. The job runner calls it when a run ends so that only
// comments written afterwards can reactivate the job.
func (m *Monitor) Baseline(ctx context.Context, job *store.Job) (int, error) {
	thread, err := m.thread(ctx, job)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cm := range thread {
		recorded, err := m.store.RecordComment(ctx, store.ProcessedComment{
			Owner:       job.Owner,
			Name:        job.Name,
			CommentID:   cm.ID,
			IssueNumber: job.Number,
			ContentHash: contentHash(cm.Body),
			Outcome:     OutcomeBaseline,
			Body:        cm.Body,
		})
		if err != nil {
			return n, err
		}
		if recorded {
			n++
		}
	}
	return n, nil
}

// thread returns the issue comments plus the merge request's, oldest first.
func (m *Monitor) thread(ctx context.Context, job *store.Job) ([]*providers.Comment, error) {
	comments, err := m.provider.GetComments(ctx, job.Repo(), job.Number)
	if err != nil {
		return nil, fmt.Errorf("fetching comments of %s: %w", job.Key, err)
	}
	if job.MergeRequestNumber > 0 {
		mrComments, err := m.provider.GetPRComments(ctx, job.Repo(), job.MergeRequestNumber)
		switch {
		case errors.Is(err, providers.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("fetching merge request comments of %s: %w", job.Key, err)
		default:
			comments = append(comments, mrComments...)
		}
	}
	sort.SliceStable(comments, func(i, j int) bool { return comments[i].CreatedAt.Before(comments[j].CreatedAt) })
	return comments, nil
}

func (m *Monitor) isDuplicate(body string, surfaced []string) bool {
	for _, s := range surfaced {
		if Similarity(body, s) > m.similarity {
			return true
		}
	}
	return false
}

func (m *Monitor) surfaceDeferred(ctx context.Context, job *store.Job, items []string) {
	for _, it := range items {
		m.logger.Info("deferred work noted", "issue", job.Key.String(), "item", firstLine(it))
	}
	var b strings.Builder
	b.WriteString("Noted deferred work from the discussion:\n")
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", firstLine(it))
	}
	if _, err := m.provider.CreateComment(ctx, job.Repo(), job.Number, state.AddBotMarker(b.String())); err != nil {
		m.logger.Warn("failed to post deferred work", "issue", job.Key.String(), "error", err)
	}
}

func contentHash(body string) string {
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(strings.ToLower(body)), " ")))
	return hex.EncodeToString(sum[:])
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
