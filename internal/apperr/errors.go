// Package apperr defines the error taxonomy shared by every LIS component.
// Callers test for a category with errors.Is; the HTTP layer maps each
// category to a status code.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a concurrent writer won a race. Storage
	// conflicts are retried internally before they reach a caller.
	ErrConflict = errors.New("conflict")
	// ErrBlocked is returned when a delete is refused by a dependency rule.
	ErrBlocked = errors.New("blocked by dependent records")
	// ErrStorageUnavailable is returned when the store cannot be reached or
	// conflicts persisted past the retry budget.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredentials is returned for any failed authentication.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// BlockedError carries the human-readable reason and the number of
// dependent rows that prevented a delete.
type BlockedError struct {
	Reason string
	Count  int64
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrBlocked, e.Reason)
}

// Is reports whether target is ErrBlocked.
func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

// Invalid wraps ErrInvalidInput with a formatted message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with the entity name and id.
func NotFound(entity string, id any) error {
	return fmt.Errorf("%s %v: %w", entity, id, ErrNotFound)
}

// Unavailable wraps err so that it matches ErrStorageUnavailable while
// keeping the original cause in the chain.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
