// Package retry runs operations with exponential backoff, classifying each
// failure as retryable, rate limited or permanent.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/Pr0fe5s0r/gitybara/internal/config"
)

// ErrorType is how a failure affects the next attempt.
type ErrorType int

const (
	// Retryable failures back off exponentially.
	Retryable ErrorType = iota
	// RateLimited failures wait RateLimitRetry before the next attempt.
	RateLimited
	// Permanent failures are returned at once.
	Permanent
)

func (t ErrorType) String() string {
	switch t {
	case Retryable:
		return "retryable"
	case RateLimited:
		return "rate_limited"
	default:
		return "permanent"
	}
}

// Classifier maps an error to its ErrorType.
type Classifier func(error) ErrorType

// Options bound a retried operation. MaxAttempts <= 0 retries until success,
// a permanent failure or the end of the context.
type Options struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	RateLimitRetry time.Duration
	Classifier     Classifier

	// OnRetry, when set, is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultOptions builds Options from the retry section of the configuration.
func DefaultOptions(cfg config.RetryConfig, classifier Classifier) Options {
	return Options{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffBase:    cfg.BackoffBase,
		RateLimitRetry: cfg.RateLimitRetry,
		Classifier:     classifier,
	}
}

// maxBackoff bounds a single backoff before jitter.
const maxBackoff = 5 * time.Minute

// calculateBackoff returns base * 2^attempt, capped at maxBackoff, plus up to
// 25% jitter.
func calculateBackoff(base time.Duration, attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(base) * multiplier)

	if delay > maxBackoff || delay < 0 {
		delay = maxBackoff
	}

	jitter := time.Duration(rand.Float64() * 0.25 * float64(delay))
	return delay + jitter
}

// Do retries fn according to opts.
func Do(ctx context.Context, opts Options, fn func() error) error {
	_, err := DoWithResult(ctx, opts, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for operations that produce a value. The value of the
// last attempt is returned alongside its error.
func DoWithResult[T any](ctx context.Context, opts Options, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error
	infinite := opts.MaxAttempts <= 0

	for attempt := 0; infinite || attempt < opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}

		errType := Permanent
		if opts.Classifier != nil {
			errType = opts.Classifier(lastErr)
		}

		var delay time.Duration
		switch errType {
		case Permanent:
			return result, lastErr
		case RateLimited:
			delay = opts.RateLimitRetry
		case Retryable:
			// no delay after the final attempt
			if !infinite && attempt >= opts.MaxAttempts-1 {
				continue
			}
			delay = calculateBackoff(opts.BackoffBase, attempt)
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, lastErr, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return result, err
		}
	}

	return result, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
