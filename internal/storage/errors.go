package storage

import (
	"errors"

	"github.com/biolis/go-lis/internal/apperr"
)

// conflictError marks a failure caused by a concurrent writer: unique or
// foreign key violations, serialization failures, deadlocks and busy locks.
// Runner retries these; everything else is returned as is.
type conflictError struct {
	cause error
}

func (e *conflictError) Error() string { return "storage conflict: " + e.cause.Error() }

func (e *conflictError) Unwrap() []error { return []error{apperr.ErrConflict, e.cause} }

// Conflict marks err as a retryable storage conflict.
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	var ce *conflictError
	if errors.As(err, &ce) {
		return err
	}
	return &conflictError{cause: err}
}

// IsConflict reports whether err is a retryable storage conflict.
func IsConflict(err error) bool {
	var ce *conflictError
	return errors.As(err, &ce)
}
