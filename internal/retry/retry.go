// Package retry provides the bounded retry primitive shared by sandbox polling
// and dev-server warm-up.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is wrapped into the error returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of calls, including the first. Values below 1 mean 1.
	Attempts int
	// Interval is the wait before the second attempt.
	Interval time.Duration
	// Multiplier grows the interval after each attempt. Values <= 1 keep it fixed.
	Multiplier float64
	// MaxInterval caps a growing interval. Zero = uncapped.
	MaxInterval time.Duration
}

// Fixed returns a policy with a constant interval.
func Fixed(attempts int, interval time.Duration) Policy {
	return Policy{Attempts: attempts, Interval: interval}
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p Policy) backOff() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.Interval)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.Reset()
	return b
}

// NotifyFunc observes a failed attempt before the wait that follows it.
type NotifyFunc func(attempt int, err error, wait time.Duration)

// Permanent marks err as non-retryable: Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, fails permanently, the attempts run out or
// ctx is done. Exhaustion yields an error wrapping both ErrExhausted and the
// last failure.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error), notify NotifyFunc) (T, error) {
	attempt := 0
	var permanent bool
	op := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		var perr *backoff.PermanentError
		if errors.As(err, &perr) {
			permanent = true
		}
		return v, err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(p.attempts()-1)), ctx)
	onRetry := func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	}

	v, err := backoff.RetryNotifyWithData(op, b, onRetry)
	if err == nil || permanent {
		return v, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return v, ctxErr
	}
	return v, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
}

// Until polls check until it reports true. A check error counts as "not yet".
func Until(ctx context.Context, p Policy, check func(ctx context.Context) (bool, error), notify NotifyFunc) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		ok, err := check(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if !ok {
			return struct{}{}, errNotReady
		}
		return struct{}{}, nil
	}, notify)
	return err
}

var errNotReady = errors.New("not ready")
