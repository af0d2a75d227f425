// Package retry runs collaborator calls under a bounded retry policy with a
// recovery action between attempts.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// DefaultAttempts matches the attempt cap used for directory and firewall calls.
const DefaultAttempts = 5

// Policy describes how one call site retries.
type Policy struct {
	// Op names the call in log output.
	Op string
	// Attempts caps total tries; zero means DefaultAttempts.
	Attempts uint
	// Unlimited retries until success or context cancellation.
	Unlimited bool
	Interval  time.Duration
	// Recover runs after each failed attempt, e.g. to reconnect.
	Recover func(ctx context.Context) error
	// Absorb logs exhaustion and returns the zero value with a nil error.
	Absorb bool
	// Retryable reports whether err is transient. Nil treats every error as transient.
	Retryable func(error) bool
	Logger    *zap.SugaredLogger
}

// Do runs fn under p.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	tries := p.Attempts
	if tries == 0 {
		tries = DefaultAttempts
	}
	if p.Unlimited {
		tries = 0
	}

	op := func() (T, error) {
		v, err := fn(ctx)
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, next time.Duration) {
		logger.Warnw("retrying after failure", "op", p.Op, "err", err, "next", next)
		if p.Recover == nil {
			return
		}
		if rerr := p.Recover(ctx); rerr != nil {
			logger.Warnw("recovery action failed", "op", p.Op, "err", rerr)
		}
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Interval)),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return v, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if p.Absorb && ctx.Err() == nil {
		logger.Errorw("giving up", "op", p.Op, "err", err)
		var zero T
		return zero, nil
	}
	return v, err
}

// Run is Do for calls without a result.
func Run(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
