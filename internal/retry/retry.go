package retry

import (
	"context"
	"errors"
	"time"
)

// DefaultBackoff is the default set of delays between attempts.
var DefaultBackoff = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error to signal that retrying cannot help (e.g. a 4xx
// response from a remote API).
func Permanent(err error) error {
	return &permanentError{err: err}
}

type options struct {
	maxAttempts int
	backoff     []time.Duration
}

// Option configures retry behavior.
type Option func(*options)

// WithMaxAttempts sets the total number of attempts, including the first.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithBackoff sets the delays between attempts. When fewer delays than
// attempts are given, the last delay is reused.
func WithBackoff(delays ...time.Duration) Option {
	return func(o *options) { o.backoff = delays }
}

func resolveOptions(opts []Option) options {
	o := options{maxAttempts: 3, backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DoVal executes fn until it succeeds, returns a permanent error, the context
// is cancelled, or attempts are exhausted. The last error is returned on
// exhaustion.
func DoVal[T any](ctx context.Context, fn func() (T, error), opts ...Option) (T, error) {
	o := resolveOptions(opts)

	var zero T
	var lastErr error
	for attempt := range o.maxAttempts {
		val, err := fn()
		if err == nil {
			return val, nil
		}
		lastErr = err

		var pe *permanentError
		if errors.As(lastErr, &pe) {
			return zero, pe.err
		}

		// No sleep after the final attempt.
		if attempt < o.maxAttempts-1 {
			select {
			case <-ctx.Done():
				return zero, lastErr
			case <-time.After(delayFor(o.backoff, attempt)):
			}
		}
	}
	return zero, lastErr
}

// Do is DoVal for functions that only return an error.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	_, err := DoVal(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, opts...)
	return err
}

func delayFor(backoff []time.Duration, attempt int) time.Duration {
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}
