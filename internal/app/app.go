// Package app wires configuration into the storage backend and the
// application services shared by every binary.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/clinical"
	"github.com/biolis/go-lis/internal/config"
	"github.com/biolis/go-lis/internal/credential"
	"github.com/biolis/go-lis/internal/guard"
	"github.com/biolis/go-lis/internal/infrastructure/migrations"
	"github.com/biolis/go-lis/internal/infrastructure/postgres"
	"github.com/biolis/go-lis/internal/infrastructure/sqlite"
	"github.com/biolis/go-lis/internal/lab"
	"github.com/biolis/go-lis/internal/observability/metrics"
	"github.com/biolis/go-lis/internal/sequence"
	"github.com/biolis/go-lis/internal/storage"
)

// Store is a storage backend that can also hand out a database/sql handle
// for migrations.
type Store interface {
	storage.Store
	DB() *sql.DB
}

// OpenStore connects to the backend selected by DATABASE_DRIVER.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		pc := postgres.DefaultConfig(cfg.DatabaseURL)
		pc.MaxConns = cfg.DBMaxConns
		pc.MinConns = cfg.DBMinConns
		return postgres.Open(ctx, pc, logger)
	case config.DriverSQLite:
		return sqlite.Open(ctx, sqlite.DefaultConfig(cfg.SQLitePath), logger)
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
}

// Migrate applies pending migrations to s.
func Migrate(ctx context.Context, s Store, logger *zap.Logger) error {
	return migrations.Up(ctx, s.DB(), s.Dialect(), logger)
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Services are the application services built over one store.
type Services struct {
	Store       Store
	Runner      *storage.Runner
	Metrics     *metrics.Metrics
	Allocator   *sequence.Allocator
	Guard       *guard.Guard
	Resolver    *clinical.Resolver
	Lab         *lab.Service
	Credentials *credential.Service
}

// NewServices builds the services. reg may be nil when metrics are not
// exported.
func NewServices(s Store, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(reg)
	}

	policy := storage.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.TxMaxAttempts
	runner := storage.NewRunner(s, policy, logger.Named("storage"))
	runner.OnRetry = m.TxRetried

	allocator := sequence.New(runner, sequence.Config{Location: loc}, m, logger.Named("sequence"))
	g := guard.New(runner, m, logger.Named("guard"))
	resolver := clinical.NewResolver(s, clinical.Config{Location: loc}, logger.Named("clinical"))

	creds, err := credential.NewService(runner, allocator, m, logger.Named("credential"))
	if err != nil {
		return nil, fmt.Errorf("credential service: %w", err)
	}

	svc := lab.NewService(lab.Deps{
		Runner:    runner,
		Allocator: allocator,
		Guard:     g,
		Resolver:  resolver,
		Metrics:   m,
	}, logger.Named("lab"))

	return &Services{
		Store:       s,
		Runner:      runner,
		Metrics:     m,
		Allocator:   allocator,
		Guard:       g,
		Resolver:    resolver,
		Lab:         svc,
		Credentials: creds,
	}, nil
}
