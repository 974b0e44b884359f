// Package dbretry centralizes the persistence layer's retry policy. The
// original system scattered ad-hoc retries across its database manager
// (§9 design note); this collects them into one policy applied uniformly
// by callers that wrap a persistence primitive.
package dbretry

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"

	"github.com/gprofiler-dev/profctl/internal/reconcile"
	"github.com/gprofiler-dev/profctl/internal/repository"
)

// maxAttempts bounds retries at 3 per §7's transient-error handling rule.
const maxAttempts = 3

// Do retries fn up to 3 times total with exponential backoff when it
// returns a transient error, and returns immediately on a non-transient
// one. A gorm.ErrRecordNotFound or any application-level validation or
// conflict error is never transient and is returned on the first attempt.
func Do(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// isTransient reports whether err looks like a connection-level database
// failure rather than a logical outcome (not-found, constraint violation,
// validation). Logical outcomes must never be retried, retrying a unique
// constraint violation, for instance, would just fail identically three
// times instead of surfacing the conflict immediately.
func isTransient(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, gorm.ErrInvalidTransaction) {
		return false
	}
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrConflict) {
		return false
	}
	if errors.Is(err, reconcile.ErrMissingTargets) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Timeout()
	}
	// Anything else reaching here is assumed to be a driver/connection
	// level failure (reset, deadlock, broken pipe) rather than a logical
	// outcome, since those are always returned as sentinel or validation
	// errors the caller checks for before reaching this wrapper.
	return true
}
