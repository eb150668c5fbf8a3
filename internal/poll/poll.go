// Package poll provides bounded polling for conditions that become true
// asynchronously (a device appearing, a service answering).
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/edvin/stackboot/internal/model"
)

// ErrNotReady is the conventional "try again" result of a poll function.
var ErrNotReady = errors.New("not ready")

// Until calls fn every interval until it returns a nil error, at most
// maxAttempts times. Exhaustion returns a *model.TimeoutError wrapping the
// last error. A fn error wrapped with Permanent stops polling immediately.
func Until[T any](ctx context.Context, operation string, interval time.Duration, maxAttempts int, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		return zero, fmt.Errorf("poll %s: maxAttempts must be at least 1", operation)
	}

	var (
		result  T
		lastErr error
	)
	backoff := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewConstant(interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			var perm *permanentError
			if errors.As(err, &perm) {
				return perm
			}
			lastErr = err
			return retry.RetryableError(err)
		}
		result = v
		return nil
	})
	if err == nil {
		return result, nil
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return zero, perm.err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, fmt.Errorf("poll %s: %w", operation, ctxErr)
	}
	return zero, &model.TimeoutError{Operation: operation, Attempts: maxAttempts, Interval: interval, Err: lastErr}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
