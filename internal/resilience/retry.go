package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Strob0t/CreditForge/internal/config"
)

// RetryPolicy bounds exponential backoff for transient errors.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewRetryPolicy converts the retry config section.
func NewRetryPolicy(cfg config.Retry) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Retry runs op until it succeeds, permanent reports its error as not
// retryable, the attempts are used up or ctx is done. The last error is
// returned unwrapped.
func Retry[T any](ctx context.Context, p RetryPolicy, op string, fn func(context.Context) (T, error), permanent func(error) bool) (T, error) {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	attempt := 0
	return backoff.Retry(ctx,
		func() (T, error) {
			attempt++
			v, err := fn(ctx)
			if err != nil && permanent != nil && permanent(err) {
				return v, backoff.Permanent(err)
			}
			return v, err
		},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.WarnContext(ctx, "transient error, retrying",
				"op", op, "attempt", attempt, "next_in", next, "error", err)
		}),
	)
}

// Do is Retry for operations without a result.
func Do(ctx context.Context, p RetryPolicy, op string, fn func(context.Context) error, permanent func(error) bool) error {
	_, err := Retry(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, permanent)
	return err
}
