// Package testutil provides a migrated SQLite store for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/biolis/go-lis/internal/infrastructure/migrations"
	"github.com/biolis/go-lis/internal/infrastructure/sqlite"
	"github.com/biolis/go-lis/internal/storage"
)

// OpenStore returns a freshly migrated database in the test's temp dir. It
// is closed when the test ends.
func OpenStore(t testing.TB) *sqlite.Store {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, sqlite.DefaultConfig(filepath.Join(t.TempDir(), "lis.db")), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)

	if err := migrations.Up(ctx, store.DB(), storage.DialectSQLite, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

// Runner returns a transaction runner over store with a retry budget large
// enough for heavily contended tests.
func Runner(store storage.Store) *storage.Runner {
	return storage.NewRunner(store, storage.RetryPolicy{
		MaxAttempts: 50,
		BaseDelay:   time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
	}, nil)
}

// Exec runs statements and fails the test on the first error.
func Exec(t testing.TB, q storage.Querier, statements ...string) {
	t.Helper()
	for _, s := range statements {
		if _, err := q.Exec(context.Background(), s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
}
