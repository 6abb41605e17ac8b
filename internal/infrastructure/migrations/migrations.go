// Package migrations embeds the schema for every supported dialect and
// applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/storage"
)

//go:embed postgres/*.sql sqlite/*.sql
var embedMigrations embed.FS

// Status describes one migration.
type Status struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

func provider(db *sql.DB, dialect storage.Dialect) (*goose.Provider, error) {
	var gd goose.Dialect
	switch dialect {
	case storage.DialectPostgres:
		gd = goose.DialectPostgres
	case storage.DialectSQLite:
		gd = goose.DialectSQLite3
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	fsys, err := fs.Sub(embedMigrations, string(dialect))
	if err != nil {
		return nil, fmt.Errorf("migrations for %s: %w", dialect, err)
	}
	p, err := goose.NewProvider(gd, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	return p, nil
}

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB, dialect storage.Dialect, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := provider(db, dialect)
	if err != nil {
		return err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("migration applied",
			zap.Int64("version", r.Source.Version),
			zap.String("path", r.Source.Path),
			zap.Duration("duration", r.Duration))
	}
	return nil
}

// Statuses reports every known migration and whether it has been applied.
func Statuses(ctx context.Context, db *sql.DB, dialect storage.Dialect) ([]Status, error) {
	p, err := provider(db, dialect)
	if err != nil {
		return nil, err
	}
	raw, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]Status, 0, len(raw))
	for _, s := range raw {
		out = append(out, Status{
			Version:   s.Source.Version,
			Path:      s.Source.Path,
			Applied:   s.State == goose.StateApplied,
			AppliedAt: s.AppliedAt,
		})
	}
	return out, nil
}
