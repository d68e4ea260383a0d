// Package retry runs external calls with a bounded per-attempt timeout and
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/cenkalti/backoff/v5"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/metrics"
)

const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 200 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
	DefaultAttemptTimeout  = 30 * time.Second
)

// Policy bounds one retried operation.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
	// Retryable decides which failures are retried; errs.IsRetryable when nil.
	Retryable func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		AttemptTimeout:  DefaultAttemptTimeout,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	if p.Retryable == nil {
		p.Retryable = errs.IsRetryable
	}
	return p
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, logger ectologger.Logger, operation string, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, logger, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, p Policy, logger ectologger.Logger, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval

	attempt := 0
	op := func() (T, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()

		result, err := fn(attemptCtx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = errs.Transient(err, "%s timed out after %s", operation, p.AttemptTimeout)
		}
		if !p.Retryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	notify := func(err error, wait time.Duration) {
		metrics.RecordRetry(operation)
		if logger != nil {
			logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"operation": operation,
				"attempt":   attempt,
				"wait":      wait.String(),
			}).Warnf("Retrying %s after transient failure", operation)
		}
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithNotify(notify),
	)
}
