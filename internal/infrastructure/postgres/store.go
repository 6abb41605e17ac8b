// Package postgres implements storage.Store on a pgx connection pool.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/storage"
)

// Config holds pool configuration.
type Config struct {
	URL               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		MaxConns:          20,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		HealthCheckPeriod: time.Minute,
	}
}

// Store is a storage.Store backed by pgxpool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	dbOnce sync.Once
	db     *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperr.Unavailable(fmt.Errorf("create connection pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Unavailable(fmt.Errorf("ping database: %w", err))
	}

	logger.Info("connected to postgres",
		zap.Int32("max_conns", poolCfg.MaxConns),
		zap.Int32("min_conns", poolCfg.MinConns))

	return &Store{pool: pool, logger: logger}, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// DB returns a database/sql handle sharing the pool, for migrations. The
// handle is created once and closed by Close; callers must not close it.
func (s *Store) DB() *sql.DB {
	s.dbOnce.Do(func() {
		s.db = stdlib.OpenDBFromPool(s.pool)
	})
	return s.db
}

func (s *Store) Dialect() storage.Dialect { return storage.DialectPostgres }

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.pool.Ping(ctx))
}

func (s *Store) Close() {
	s.dbOnce.Do(func() {})
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("close sql handle", zap.Error(err))
		}
	}
	s.pool.Close()
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, classify(fmt.Errorf("begin: %w", err))
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return exec(ctx, s.pool, query, args)
}

func (s *Store) Query(ctx context.Context, query string, args ...any) (storage.Rows, error) {
	return queryRows(ctx, s.pool, query, args)
}

func (s *Store) QueryRow(ctx context.Context, query string, args ...any) storage.Row {
	return row{s.pool.QueryRow(ctx, storage.Rebind(query), args...)}
}

// Tx is a storage.Tx over pgx.Tx.
type Tx struct {
	tx pgx.Tx
}

// LockKey takes a transaction-scoped advisory lock on the hash of key.
func (t *Tx) LockKey(ctx context.Context, key string) error {
	if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
		return classify(fmt.Errorf("advisory lock %q: %w", key, err))
	}
	return nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
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
	return row{t.tx.QueryRow(ctx, storage.Rebind(query), args...)}
}

type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func exec(ctx context.Context, c conn, query string, args []any) (int64, error) {
	tag, err := c.Exec(ctx, storage.Rebind(query), args...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func queryRows(ctx context.Context, c conn, query string, args []any) (storage.Rows, error) {
	r, err := c.Query(ctx, storage.Rebind(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	return rows{r}, nil
}

type row struct{ r pgx.Row }

func (r row) Scan(dest ...any) error { return classify(r.r.Scan(dest...)) }

type rows struct{ r pgx.Rows }

func (r rows) Next() bool             { return r.r.Next() }
func (r rows) Scan(dest ...any) error { return classify(r.r.Scan(dest...)) }
func (r rows) Err() error             { return classify(r.r.Err()) }
func (r rows) Close()                 { r.r.Close() }

// SQLSTATE codes that mean another transaction got there first.
var conflictCodes = map[string]bool{
	"23505": true, // unique_violation
	"23503": true, // foreign_key_violation
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

// classify maps driver errors onto the storage taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNoRows
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Unavailable(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case conflictCodes[pgErr.Code]:
			return storage.Conflict(err)
		case strings.HasPrefix(pgErr.Code, "08"), // connection_exception
			strings.HasPrefix(pgErr.Code, "57P"), // operator_intervention
			pgErr.Code == "53300":                // too_many_connections
			return apperr.Unavailable(err)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) {
		return apperr.Unavailable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Unavailable(err)
	}
	return err
}
