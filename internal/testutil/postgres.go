package testutil

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/biolis/go-lis/internal/infrastructure/migrations"
	"github.com/biolis/go-lis/internal/infrastructure/postgres"
	"github.com/biolis/go-lis/internal/storage"
)

// PostgresURLEnv names the variable holding the server used by Postgres
// tests. Tests skip when it is unset.
const PostgresURLEnv = "LIS_TEST_DATABASE_URL"

// OpenPostgres returns a store whose search_path points at a fresh schema,
// migrated and dropped when the test ends. Packages tested in parallel
// against the same server never see each other's rows.
func OpenPostgres(t testing.TB) *postgres.Store {
	t.Helper()
	base := os.Getenv(PostgresURLEnv)
	if base == "" {
		t.Skipf("%s not set", PostgresURLEnv)
	}
	ctx := context.Background()

	admin, err := postgres.Open(ctx, postgres.DefaultConfig(base), nil)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	schema := "lis_test_" + uuid.NewString()[:8]
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema)); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		if _, err := admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", schema)); err != nil {
			t.Errorf("drop schema %s: %v", schema, err)
		}
		admin.Close()
	})

	u, err := url.Parse(base)
	if err != nil {
		t.Fatalf("parse %s: %v", PostgresURLEnv, err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	cfg := postgres.DefaultConfig(u.String())
	cfg.MaxConns = 60
	store, err := postgres.Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("open postgres schema %s: %v", schema, err)
	}
	t.Cleanup(store.Close)

	if err := migrations.Up(ctx, store.DB(), storage.DialectPostgres, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

// Backend opens a migrated store for one storage engine.
type Backend struct {
	Name string
	Open func(t testing.TB) storage.Store
}

// Backends lists every engine. The Postgres entry skips unless
// LIS_TEST_DATABASE_URL is set.
func Backends() []Backend {
	return []Backend{
		{Name: "sqlite", Open: func(t testing.TB) storage.Store { return OpenStore(t) }},
		{Name: "postgres", Open: func(t testing.TB) storage.Store { return OpenPostgres(t) }},
	}
}
