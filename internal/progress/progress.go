// Package progress keeps a single status comment per issue up to date while
// a job runs.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Pr0fe5s0r/gitybara/internal/providers"
	"github.com/Pr0fe5s0r/gitybara/internal/state"
)

const (
	StatusClaimed         = "👀 Picked up, preparing a workspace..."
	StatusJoined          = "🔗 Continuing on branch `%s`: %s"
	StatusImplementing    = "🔨 Implementing changes on `%s`..."
	StatusPushing         = "🚀 Pushing changes and opening a merge request..."
	StatusWaiting         = "⏳ Waiting for clarification: %s"
	StatusCompleted       = "✨ Completed successfully"
	StatusCompletedWithMR = "✨ Completed successfully - %s"
	StatusNoChanges       = "❌ Failed: the agent made no changes"
	StatusFailed          = "❌ Failed: %s"
	StatusCancelled       = "🛑 Cancelled"
	StatusFollowUp        = "🔁 Addressing %d new comment(s)..."
)

type mode int

const (
	debounced mode = iota
	immediate
	final
)

// Reporter owns the status comment of one issue. The first post creates
// the comment; later posts edit it in place.
type Reporter struct {
	provider providers.Provider
	repo     string
	issue    int
	debounce time.Duration
	enabled  bool

	mu        sync.Mutex
	commentID int64
	posted    time.Time
}

func NewReporter(provider providers.Provider, repo string, issue int, debounce time.Duration, enabled bool) *Reporter {
	return &Reporter{
		provider: provider,
		repo:     repo,
		issue:    issue,
		debounce: debounce,
		enabled:  enabled,
	}
}

// Update posts status unless the previous post is younger than the
// debounce interval.
func (r *Reporter) Update(ctx context.Context, status string) error {
	return r.post(ctx, status, debounced)
}

// ForceUpdate posts status regardless of the debounce interval.
func (r *Reporter) ForceUpdate(ctx context.Context, status string) error {
	return r.post(ctx, status, immediate)
}

// Finalize posts the outcome of the run. It is posted even when progress
// comments are disabled so the issue always records how the job ended.
func (r *Reporter) Finalize(ctx context.Context, status string) error {
	return r.post(ctx, status, final)
}

func (r *Reporter) post(ctx context.Context, status string, m mode) error {
	if !r.enabled && m != final {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m == debounced && r.commentID != 0 && time.Since(r.posted) < r.debounce {
		return nil
	}

	body := formatStatusComment(status)
	if r.commentID == 0 {
		id, err := r.provider.CreateComment(ctx, r.repo, r.issue, body)
		if err != nil {
			return fmt.Errorf("creating status comment on #%d: %w", r.issue, err)
		}
		r.commentID = id
	} else if err := r.provider.UpdateComment(ctx, r.repo, r.commentID, body); err != nil {
		return fmt.Errorf("updating status comment on #%d: %w", r.issue, err)
	}
	r.posted = time.Now()
	return nil
}

func formatStatusComment(status string) string {
	return state.AddBotMarker("**Status:** " + status)
}

func FormatJoined(branch, reason string) string { return fmt.Sprintf(StatusJoined, branch, reason) }

func FormatImplementing(branch string) string { return fmt.Sprintf(StatusImplementing, branch) }

func FormatWaiting(question string) string { return fmt.Sprintf(StatusWaiting, question) }

// FormatCompleted links the merge request when there is one.
func FormatCompleted(mrURL string) string {
	if mrURL == "" {
		return StatusCompleted
	}
	return fmt.Sprintf(StatusCompletedWithMR, mrURL)
}

func FormatFailed(err error) string { return fmt.Sprintf(StatusFailed, err.Error()) }

func FormatFollowUp(n int) string { return fmt.Sprintf(StatusFollowUp, n) }
