package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the exponential backoff around oracle and store calls.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a config leaves the policy empty.
var DefaultRetryPolicy = RetryPolicy{
	MaxTries:        3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxTries == 0 {
		p.MaxTries = DefaultRetryPolicy.MaxTries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	return p
}

// withRetry runs op until it succeeds, returns a backoff.Permanent error, the
// try budget is spent or ctx is done.
func withRetry[T any](ctx context.Context, logCtx *slog.Logger, what string, policy RetryPolicy, op func() (T, error)) (T, error) {
	policy = policy.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logCtx.Warn("Call failed, will retry.", "call", what, "attempt", attempt, "maxTries", policy.MaxTries, "backoff", next.String(), "error", err)
		}),
	)
}
