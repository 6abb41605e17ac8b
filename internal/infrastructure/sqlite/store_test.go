package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/biolis/go-lis/internal/storage"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DefaultConfig(filepath.Join(t.TempDir(), "lis.db")), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestDSN(t *testing.T) {
	dsn := DefaultConfig("/tmp/lis.db").DSN()
	for _, want := range []string{"file:/tmp/lis.db?", "busy_timeout(10000)", "foreign_keys(1)", "_txlock=immediate"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN %q missing %q", dsn, want)
		}
	}
}

func TestUniqueViolationIsConflict(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if _, err := s.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, code TEXT UNIQUE)"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Exec(ctx, "INSERT INTO t (id, code) VALUES (?, ?)", 1, "a"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := s.Exec(ctx, "INSERT INTO t (id, code) VALUES (?, ?)", 2, "a")
	if !storage.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	_, err = s.Exec(ctx, "INSERT INTO t (id, code) VALUES (?, ?)", 1, "b")
	if !storage.IsConflict(err) {
		t.Fatalf("expected conflict on primary key, got %v", err)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	for _, q := range []string{
		"CREATE TABLE parent (id INTEGER PRIMARY KEY)",
		"CREATE TABLE child (id INTEGER PRIMARY KEY, parent_id INTEGER NOT NULL REFERENCES parent(id))",
	} {
		if _, err := s.Exec(ctx, q); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}
	_, err := s.Exec(ctx, "INSERT INTO child (id, parent_id) VALUES (1, 99)")
	if !storage.IsConflict(err) {
		t.Fatalf("expected foreign key conflict, got %v", err)
	}
}

func TestQueryRowNoRows(t *testing.T) {
	s := openTemp(t)
	var n int64
	err := s.QueryRow(context.Background(), "SELECT 1 WHERE 1 = 0").Scan(&n)
	if !errors.Is(err, storage.ErrNoRows) {
		t.Fatalf("expected storage.ErrNoRows, got %v", err)
	}
}

func TestTransactionRollback(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	if _, err := s.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create: %v", err)
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Errorf("second rollback should be a no-op, got %v", err)
	}

	var n int64
	if err := s.QueryRow(ctx, "SELECT COUNT(*) FROM t").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}
