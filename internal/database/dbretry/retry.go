package dbretry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

var (
	maxElapsedTime  = 15 * time.Second
	initialInterval = 250 * time.Millisecond
	maxInterval     = 3 * time.Second
	maxRetries      = uint64(4)
)

// retryableCodes are PostgreSQL SQLSTATE codes worth another attempt.
var retryableCodes = map[string]struct{}{
	"08000": {}, // connection_exception
	"08003": {}, // connection_does_not_exist
	"08006": {}, // connection_failure
	"08001": {}, // sqlclient_unable_to_establish_sqlconnection
	"08004": {}, // sqlserver_rejected_establishment_of_sqlconnection
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"53300": {}, // too_many_connections
	"57P01": {}, // admin_shutdown
	"57P03": {}, // cannot_connect_now
	"55P03": {}, // lock_not_available
}

// networkErrors are substrings of transient network failures.
var networkErrors = []string{
	"connection reset by peer",
	"broken pipe",
	"connection refused",
	"i/o timeout",
	"EOF",
}

// IsRetryableError checks if the given error is retryable.
// Context cancellation is never retried since the caller has given up.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgerr pgdriver.Error
	if errors.As(err, &pgerr) {
		_, ok := retryableCodes[pgerr.Field('C')]
		return ok
	}

	msg := err.Error()
	for _, s := range networkErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}

	return false
}

// Operation wraps a database operation with retry logic.
func Operation[T any](ctx context.Context, operation func(context.Context) (T, error)) (T, error) {
	var result T

	err := retry(ctx, func() error {
		var err error

		result, err = operation(ctx)

		return err
	})

	return result, err
}

// NoResult wraps a database operation that doesn't return a result.
func NoResult(ctx context.Context, operation func(context.Context) error) error {
	return retry(ctx, func() error {
		return operation(ctx)
	})
}

// Transaction wraps a database transaction with retry logic.
func Transaction(ctx context.Context, db *bun.DB, fn func(context.Context, bun.Tx) error) error {
	return NoResult(ctx, func(ctx context.Context) error {
		return db.RunInTx(ctx, nil, fn)
	})
}

// retry runs fn with exponential backoff until it succeeds, fails with a
// non-retryable error, or the retry budget is exhausted.
func retry(ctx context.Context, fn func() error) error {
	var lastErr error

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(maxElapsedTime),
		backoff.WithInitialInterval(initialInterval),
		backoff.WithMaxInterval(maxInterval),
	), maxRetries)

	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}

		if !IsRetryableError(err) {
			return backoff.Permanent(err)
		}

		lastErr = err

		return err
	}, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}

	if lastErr != nil && errors.Is(err, lastErr) {
		return fmt.Errorf("database operation failed after retries: %w", err)
	}

	return err
}
