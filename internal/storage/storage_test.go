package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/biolis/go-lis/internal/apperr"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"SELECT '?' , ?", "SELECT '?' , $1"},
		{"INSERT INTO t VALUES (?, 'it''s ?', ?)", "INSERT INTO t VALUES ($1, 'it''s ?', $2)"},
	}
	for _, tt := range tests {
		if got := Rebind(tt.in); got != tt.want {
			t.Errorf("Rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConflictMarking(t *testing.T) {
	cause := errors.New("duplicate key")
	err := fmt.Errorf("insert: %w", Conflict(cause))

	if !IsConflict(err) {
		t.Fatalf("expected IsConflict")
	}
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected apperr.ErrConflict in chain")
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause in chain")
	}
	if IsConflict(apperr.ErrConflict) {
		t.Errorf("a domain conflict must not be treated as retryable")
	}
	if Conflict(nil) != nil {
		t.Errorf("Conflict(nil) should be nil")
	}
}

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(context.Context, string, ...any) (int64, error) { return 0, nil }
func (t *fakeTx) Query(context.Context, string, ...any) (Rows, error) { return nil, nil }
func (t *fakeTx) QueryRow(context.Context, string, ...any) Row         { return nil }
func (t *fakeTx) LockKey(context.Context, string) error                { return nil }
func (t *fakeTx) Commit(context.Context) error                         { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error                       { t.rolledBack = true; return nil }

type fakeStore struct {
	txs []*fakeTx
}

func (s *fakeStore) Exec(context.Context, string, ...any) (int64, error) { return 0, nil }
func (s *fakeStore) Query(context.Context, string, ...any) (Rows, error) { return nil, nil }
func (s *fakeStore) QueryRow(context.Context, string, ...any) Row        { return nil }
func (s *fakeStore) Dialect() Dialect                                    { return DialectSQLite }
func (s *fakeStore) Ping(context.Context) error                          { return nil }
func (s *fakeStore) Close() {}
func (s *fakeStore) Begin(context.Context) (Tx, error) {
	tx := &fakeTx{}
	s.txs = append(s.txs, tx)
	return tx, nil
}

func quickPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond}
}

func TestRunnerRetriesConflicts(t *testing.T) {
	store := &fakeStore{}
	r := NewRunner(store, quickPolicy(5), nil)
	retries := 0
	r.OnRetry = func(string, int, error) { retries++ }

	calls := 0
	err := r.InTx(context.Background(), "test", func(ctx context.Context, tx Tx) error {
		calls++
		if calls < 3 {
			return Conflict(errors.New("busy"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if calls != 3 || retries != 2 {
		t.Errorf("calls = %d, retries = %d, want 3 and 2", calls, retries)
	}
	if len(store.txs) != 3 || !store.txs[2].committed {
		t.Errorf("expected the third transaction to commit")
	}
	if !store.txs[0].rolledBack {
		t.Errorf("expected the first transaction to roll back")
	}
}

func TestRunnerExhaustionIsUnavailable(t *testing.T) {
	r := NewRunner(&fakeStore{}, quickPolicy(3), nil)
	calls := 0
	err := r.InTx(context.Background(), "test", func(ctx context.Context, tx Tx) error {
		calls++
		return Conflict(errors.New("deadlock"))
	})
	if !errors.Is(err, apperr.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if errors.Is(err, apperr.ErrConflict) {
		t.Errorf("exhausted conflicts must not surface as ErrConflict")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRunnerDoesNotRetryOtherErrors(t *testing.T) {
	store := &fakeStore{}
	r := NewRunner(store, quickPolicy(5), nil)
	calls := 0
	err := r.InTx(context.Background(), "test", func(ctx context.Context, tx Tx) error {
		calls++
		return apperr.ErrConflict
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected domain conflict to pass through, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if store.txs[0].committed {
		t.Errorf("failed transaction must not commit")
	}
}
