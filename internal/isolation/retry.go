package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/roach88/docstore/internal/store"
)

// ErrRetryExhausted wraps the last error once every attempt lost a
// concurrent update.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// RetryPolicy bounds WithRetry. Sleeps grow linearly: Initial, then
// Initial+Increment, Initial+2*Increment, ...
type RetryPolicy struct {
	Attempts  int
	Initial   time.Duration
	Increment time.Duration

	// OnRetry, when set, is called before each sleep with the 1-based number
	// of the failed attempt.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy returns 10 attempts, starting at 1ms, +50ms each.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  10,
		Initial:   time.Millisecond,
		Increment: 50 * time.Millisecond,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	var n int64
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		d := p.Initial + time.Duration(n)*p.Increment
		n++
		return d, false
	})
	retries := uint64(0)
	if p.Attempts > 1 {
		retries = uint64(p.Attempts - 1)
	}
	return retry.WithMaxRetries(retries, linear)
}

// WithRetry reruns task while it fails with a retryable store error (a lost
// write race), up to p.Attempts runs in total. Any other error returns
// immediately.
func WithRetry[M Connection, T any](p RetryPolicy, task Task[M, T]) Task[M, T] {
	return func(ctx context.Context, m M) (T, error) {
		var out T
		attempt := 0
		err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
			attempt++
			v, err := task(ctx, m)
			if err == nil {
				out = v
				return nil
			}
			if !store.IsRetryable(err) {
				return err
			}
			if attempt < p.Attempts {
				slog.Debug("concurrent update, retrying",
					"attempt", attempt,
					"error", err)
				if p.OnRetry != nil {
					p.OnRetry(attempt, err)
				}
			}
			return retry.RetryableError(err)
		})
		if err == nil {
			return out, nil
		}
		var zero T
		if store.IsRetryable(err) {
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
		}
		return zero, err
	}
}
