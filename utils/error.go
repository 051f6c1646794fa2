package utils

import "fmt"

// Error taxonomy for the billing engine. Handlers map these to HTTP statuses;
// internal detail stays out of user-facing messages.

// ValidationError: bad input, surfaced immediately, nothing written.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError: referenced record does not exist, nothing written.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

func NewNotFoundError(format string, args ...any) error {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrorRecordNotFound is the generic fetch miss returned by FetchModel.
var ErrorRecordNotFound = &NotFoundError{Message: "record not found"}

// ConflictError: a concurrent-mutation collision (duplicate key, deadlock,
// lock wait timeout). Retried internally before being surfaced.
type ConflictError struct {
	Message string
	Err     error
}

func (e *ConflictError) Error() string { return e.Message }
func (e *ConflictError) Unwrap() error { return e.Err }

func NewConflictError(err error) error {
	return &ConflictError{Message: "concurrent update conflict", Err: err}
}

// PartialFailureError: a multi-step transaction failed after partial
// persistence and compensation succeeded. The caller sees a clean failure.
type PartialFailureError struct {
	Step string
	Err  error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("transaction failed at %s and was rolled back", e.Step)
}
func (e *PartialFailureError) Unwrap() error { return e.Err }

// FatalInconsistencyError: compensation itself failed; durable state is
// inconsistent and needs manual reconciliation. Always logged before surfacing.
type FatalInconsistencyError struct {
	BillId int
	Err    error
}

func (e *FatalInconsistencyError) Error() string {
	return fmt.Sprintf("inconsistent state: bill %d could not be compensated", e.BillId)
}
func (e *FatalInconsistencyError) Unwrap() error { return e.Err }

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
