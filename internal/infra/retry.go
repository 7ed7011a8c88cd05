package infra

import (
	"context"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/cenkalti/backoff/v5"
)

// RetryRead runs an idempotent read with a per-attempt timeout, retrying
// only ErrTransientStore failures with exponential backoff. Never use it
// for writes whose repetition would double count.
func RetryRead[T any](ctx context.Context, tries int, timeout time.Duration, read func(context.Context) (T, error)) (T, error) {
	if tries < 1 {
		tries = 1
	}
	op := func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		v, err := read(attemptCtx)
		if err != nil && !domain.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithMaxElapsedTime(time.Duration(tries)*timeout),
	)
}
