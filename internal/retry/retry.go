// Package retry runs optimistic operations a bounded number of times with
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qms/dispatch-service/internal/store"

	"github.com/cenkalti/backoff/v5"
)

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
	}
}

func (p Policy) normalize() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// Stop marks err as final: Do returns it unchanged without retrying, even
// when it wraps a transient error.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

type stopError struct {
	err error
}

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Do calls op until it succeeds or fails with a non-transient error. Transient
// errors (see store.IsTransient) are retried; once attempts run out they are
// reported as store.ErrConflict.
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.normalize()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	var final error
	result, err := backoff.Retry(ctx, func() (T, error) {
		value, err := op(ctx)
		var stop *stopError
		switch {
		case errors.As(err, &stop):
			final = stop.err
			return value, backoff.Permanent(stop.err)
		case err != nil && !store.IsTransient(err):
			final = err
			return value, backoff.Permanent(err)
		}
		return value, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(policy.MaxAttempts)))
	if err == nil {
		return result, nil
	}
	if final != nil {
		return result, final
	}
	if store.IsTransient(err) {
		return result, fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return result, err
}
