// Package retry runs an operation with bounded, linearly increasing waits.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// LinearBackOff waits Base, 2*Base, 3*Base, ... between attempts.
type LinearBackOff struct {
	Base    time.Duration
	attempt int
}

func (b *LinearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.Base * time.Duration(b.attempt)
}

func (b *LinearBackOff) Reset() { b.attempt = 0 }

var _ backoff.BackOff = (*LinearBackOff)(nil)

// Policy bounds a retried operation. MaxAttempts counts the first call.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
}

// Notify is called before each wait with the error that caused it.
type Notify func(attempt int, err error, wait time.Duration)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a Permanent error, the context is
// done, or MaxAttempts calls have been made. The last error is returned
// unwrapped.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) error, notify Notify) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(&LinearBackOff{Base: policy.Base}),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, op(ctx, attempt)
	}, opts...)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}
