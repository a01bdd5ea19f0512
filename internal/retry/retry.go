// Package retry re-runs whole logical operations that failed with a
// concurrency conflict. Any other error is returned unchanged on first sight.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"loyalty-engine/internal/models"
)

// Policy bounds how often and how fast an operation is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy retries a conflicting operation up to three times in total.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempts are used up. op must redo its reads; it is never resumed halfway.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		eb.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		eb.MaxInterval = p.MaxBackoff
	}
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if models.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Exhausted reports whether err is a conflict that survived every attempt.
func Exhausted(err error) bool {
	return errors.Is(err, models.ErrConcurrencyConflict)
}
