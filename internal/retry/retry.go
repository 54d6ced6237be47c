// SPDX-License-Identifier: MPL-2.0

// Package retry re-attempts infrastructure operations a bounded number of times.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is wrapped by the error returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

type (
	// Policy bounds how often and how patiently an operation is re-attempted.
	// The zero value means a single attempt with no backoff.
	Policy struct {
		// Attempts is the total number of tries, including the first one.
		Attempts int
		// Backoff is the wait before the second attempt; it doubles afterwards.
		Backoff time.Duration
	}

	// ExhaustedError is returned when the operation failed on every attempt.
	ExhaustedError struct {
		Attempts int
		Last     error
	}

	// Op is one attempt. Returning a Permanent error stops retrying immediately.
	Op func(ctx context.Context, attempt int) error

	permanentError struct{ err error }
)

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Last)
}

// Unwrap exposes both the exhaustion sentinel and the last underlying error.
func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Last} }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do runs op until it succeeds, returns a Permanent error, the context is done,
// or the policy's attempts are used up. A single-attempt failure is returned as-is;
// only a failed re-attempt is reported as ExhaustedError.
func Do(ctx context.Context, p Policy, op Op) error {
	attempts := max(p.Attempts, 1)

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("retry aborted: %w", err)
			}
			if wait := p.Backoff * time.Duration(1<<(attempt-1)); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return fmt.Errorf("retry aborted: %w", ctx.Err())
				case <-timer.C:
				}
			}
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}

	if attempts == 1 {
		return lastErr
	}
	return &ExhaustedError{Attempts: attempts, Last: lastErr}
}
