package providers

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/Pr0fe5s0r/gitybara/internal/retry"
)

// Retrying decorates a Provider so every call waits on a shared rate
// limiter and is retried with backoff on 5xx and 429 responses.
type Retrying struct {
	inner   Provider
	opts    retry.Options
	limiter *rate.Limiter
}

// NewRetrying wraps p. A nil limiter disables pacing; a nil classifier in
// opts defaults to retry.ClassifyHost.
func NewRetrying(p Provider, opts retry.Options, limiter *rate.Limiter) *Retrying {
	if opts.Classifier == nil {
		opts.Classifier = retry.ClassifyHost
	}
	return &Retrying{inner: p, opts: opts, limiter: limiter}
}

// NewLimiter builds the request pacer. A non-positive rate means unlimited.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func do[T any](ctx context.Context, r *Retrying, fn func() (T, error)) (T, error) {
	return retry.DoWithResult(ctx, r.opts, func() (T, error) {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, err
			}
		}
		return fn()
	})
}

func doErr(ctx context.Context, r *Retrying, fn func() error) error {
	_, err := do(ctx, r, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (r *Retrying) Name() string { return r.inner.Name() }

func (r *Retrying) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	return do(ctx, r, func() (*Issue, error) { return r.inner.GetIssue(ctx, repo, number) })
}

func (r *Retrying) ListIssuesWithLabel(ctx context.Context, repo string, label string) ([]*Issue, error) {
	return do(ctx, r, func() ([]*Issue, error) { return r.inner.ListIssuesWithLabel(ctx, repo, label) })
}

func (r *Retrying) GetComments(ctx context.Context, repo string, number int) ([]*Comment, error) {
	return do(ctx, r, func() ([]*Comment, error) { return r.inner.GetComments(ctx, repo, number) })
}

func (r *Retrying) CreateComment(ctx context.Context, repo string, number int, body string) (int64, error) {
	return do(ctx, r, func() (int64, error) { return r.inner.CreateComment(ctx, repo, number, body) })
}

func (r *Retrying) UpdateComment(ctx context.Context, repo string, commentID int64, body string) error {
	return doErr(ctx, r, func() error { return r.inner.UpdateComment(ctx, repo, commentID, body) })
}

func (r *Retrying) ReactToComment(ctx context.Context, repo string, commentID int64, reaction string) error {
	return doErr(ctx, r, func() error { return r.inner.ReactToComment(ctx, repo, commentID, reaction) })
}

func (r *Retrying) EnsureLabel(ctx context.Context, repo, label, color string) error {
	return doErr(ctx, r, func() error { return r.inner.EnsureLabel(ctx, repo, label, color) })
}

func (r *Retrying) AddLabel(ctx context.Context, repo string, number int, label string) error {
	return doErr(ctx, r, func() error { return r.inner.AddLabel(ctx, repo, number, label) })
}

func (r *Retrying) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	return doErr(ctx, r, func() error { return r.inner.RemoveLabel(ctx, repo, number, label) })
}

func (r *Retrying) CreatePR(ctx context.Context, repo string, pr PRCreate) (*PR, error) {
	return do(ctx, r, func() (*PR, error) { return r.inner.CreatePR(ctx, repo, pr) })
}

func (r *Retrying) GetPR(ctx context.Context, repo string, number int) (*PR, error) {
	return do(ctx, r, func() (*PR, error) { return r.inner.GetPR(ctx, repo, number) })
}

func (r *Retrying) ListPRsWithLabel(ctx context.Context, repo string, label string) ([]*PR, error) {
	return do(ctx, r, func() ([]*PR, error) { return r.inner.ListPRsWithLabel(ctx, repo, label) })
}

func (r *Retrying) GetPRComments(ctx context.Context, repo string, number int) ([]*Comment, error) {
	return do(ctx, r, func() ([]*Comment, error) { return r.inner.GetPRComments(ctx, repo, number) })
}

func (r *Retrying) EnableAutoMerge(ctx context.Context, repo string, number int, method string) error {
	return doErr(ctx, r, func() error { return r.inner.EnableAutoMerge(ctx, repo, number, method) })
}

func (r *Retrying) MergePR(ctx context.Context, repo string, number int, method string) error {
	return doErr(ctx, r, func() error { return r.inner.MergePR(ctx, repo, number, method) })
}

func (r *Retrying) GetDefaultBranch(ctx context.Context, repo string) (string, error) {
	return do(ctx, r, func() (string, error) { return r.inner.GetDefaultBranch(ctx, repo) })
}
