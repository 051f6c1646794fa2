package workflow

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"

	"github.com/mandalaysoft/billing_backend/utils"
)

const maxRetries = 3

// IsRetryableMySQLError reports whether err is a transient MySQL failure
// worth a fresh attempt: duplicate key (1062, lost number race), deadlock
// (1213) or lock wait timeout (1205).
func IsRetryableMySQLError(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if !errors.As(err, &mysqlErr) {
		return false
	}
	switch mysqlErr.Number {
	case 1062, 1213, 1205:
		return true
	}
	return false
}

// WithConflictRetry runs fn, retrying on retryable MySQL errors with a short
// backoff. Non-retryable errors pass through unchanged; a retryable error
// that survives all attempts comes back wrapped as a ConflictError.
func WithConflictRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !IsRetryableMySQLError(err) {
			return err
		}
	}
	return utils.NewConflictError(err)
}
