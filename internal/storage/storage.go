// Package storage is the narrow relational interface the LIS components run
// on. Two backends implement it: PostgreSQL through pgxpool and SQLite
// through the pure Go modernc driver. Queries are written with ?
// placeholders; backends that need positional parameters rebind them.
package storage

import (
	"context"
	"errors"
)

// Dialect names the SQL flavour a Store speaks.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ErrNoRows is returned by Row.Scan when the query matched nothing.
var ErrNoRows = errors.New("no rows in result set")

// Row is the result of QueryRow.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a forward-only cursor.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Querier runs statements. Exec returns the number of affected rows.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
}

// Tx is a database transaction.
type Tx interface {
	Querier
	// LockKey serializes all transactions that lock the same key until the
	// holder commits or rolls back.
	LockKey(ctx context.Context, key string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is a connection pool.
type Store interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	Dialect() Dialect
	Ping(ctx context.Context) error
	Close()
}

// ForUpdate returns the row-locking suffix for dialects that support it.
// SQLite transactions already hold the database write lock.
func ForUpdate(d Dialect) string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}
