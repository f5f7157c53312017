package client

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/zlnvch/docsync/syncerr"
)

type RetryPolicy struct {
	// Attempts after the first call.
	Retries uint64
	Base    time.Duration
	Max     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: 4, Base: 100 * time.Millisecond, Max: 2 * time.Second}
}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.Base)
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	return retry.WithMaxRetries(p.Retries, b)
}

// do runs fn until it succeeds, fails with a non-transient error, or the
// policy gives up. The last error is returned unchanged.
func (p RetryPolicy) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if syncerr.Retriable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
