package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestBlockedErrorMatchesSentinel(t *testing.T) {
	var err error = &BlockedError{Reason: "cannot delete: the patient has 2 orders", Count: 2}
	wrapped := fmt.Errorf("delete patient: %w", err)

	if !errors.Is(wrapped, ErrBlocked) {
		t.Fatalf("expected wrapped error to match ErrBlocked")
	}
	var be *BlockedError
	if !errors.As(wrapped, &be) {
		t.Fatalf("expected errors.As to find *BlockedError")
	}
	if be.Count != 2 {
		t.Errorf("Count = %d, want 2", be.Count)
	}
}

func TestUnavailableKeepsCause(t *testing.T) {
	err := Unavailable(context.DeadlineExceeded)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected cause to stay in chain")
	}
	if Unavailable(nil) != nil {
		t.Errorf("Unavailable(nil) should be nil")
	}
	if again := Unavailable(err); again != err {
		t.Errorf("double wrap should return the same error")
	}
}

func TestHelpers(t *testing.T) {
	if !errors.Is(Invalid("bad %s", "sex"), ErrInvalidInput) {
		t.Errorf("Invalid should wrap ErrInvalidInput")
	}
	if !errors.Is(NotFound("patient", 7), ErrNotFound) {
		t.Errorf("NotFound should wrap ErrNotFound")
	}
}
