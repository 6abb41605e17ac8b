// Package sqlite implements storage.Store on the pure Go modernc SQLite
// driver. Every transaction starts with BEGIN IMMEDIATE so read-then-write
// sequences are serialized on the database write lock.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/storage"
)

// Config holds connection configuration.
type Config struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		BusyTimeout:  10 * time.Second,
		MaxOpenConns: 8,
	}
}

// DSN builds the driver connection string: WAL journal, enforced foreign
// keys, a busy timeout and immediate transactions.
func (c Config) DSN() string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite",
		c.Path, c.BusyTimeout.Milliseconds())
}

// Store is a storage.Store backed by database/sql and modernc.org/sqlite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database file.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = "lis.db"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultConfig(cfg.Path).BusyTimeout
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, apperr.Unavailable(fmt.Errorf("ping sqlite: %w", err))
	}

	logger.Info("opened sqlite database", zap.String("path", cfg.Path))
	return &Store{db: db, logger: logger}, nil
}

// DB returns the underlying handle, for migrations.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() storage.Dialect { return storage.DialectSQLite }

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("close sqlite", zap.Error(err))
	}
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("begin: %w", err))
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return exec(ctx, s.db, query, args)
}

func (s *Store) Query(ctx context.Context, query string, args ...any) (storage.Rows, error) {
	return queryRows(ctx, s.db, query, args)
}

func (s *Store) QueryRow(ctx context.Context, query string, args ...any) storage.Row {
	return row{s.db.QueryRowContext(ctx, query, args...)}
}

// Tx is a storage.Tx over *sql.Tx.
type Tx struct {
	tx *sql.Tx
}

// LockKey is a no-op: an immediate transaction already owns the write lock
// for the whole database.
func (t *Tx) LockKey(context.Context, string) error { return nil }

func (t *Tx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classify(err)
	}
	return nil
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return exec(ctx, t.tx, query, args)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (storage.Rows, error) {
	return queryRows(ctx, t.tx, query, args)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) storage.Row {
	return row{t.tx.QueryRowContext(ctx, query, args...)}
}

type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func exec(ctx context.Context, c conn, query string, args []any) (int64, error) {
	res, err := c.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func queryRows(ctx context.Context, c conn, query string, args []any) (storage.Rows, error) {
	r, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return rows{r}, nil
}

type row struct{ r *sql.Row }

func (r row) Scan(dest ...any) error { return classify(r.r.Scan(dest...)) }

type rows struct{ r *sql.Rows }

func (r rows) Next() bool             { return r.r.Next() }
func (r rows) Scan(dest ...any) error { return classify(r.r.Scan(dest...)) }
func (r rows) Err() error             { return classify(r.r.Err()) }
func (r rows) Close()                 { _ = r.r.Close() }

// classify maps driver errors onto the storage taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNoRows
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Unavailable(err)
	}

	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		if errors.Is(err, sql.ErrConnDone) {
			return apperr.Unavailable(err)
		}
		return err
	}

	code := sqErr.Code()
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE,
		sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
		sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return storage.Conflict(err)
	}
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return storage.Conflict(err)
	case sqlite3.SQLITE_CONSTRAINT:
		msg := sqErr.Error()
		if strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "FOREIGN KEY") {
			return storage.Conflict(err)
		}
	case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL,
		sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
		return apperr.Unavailable(err)
	}
	return err
}
