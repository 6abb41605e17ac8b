package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/observability/metrics"
	"github.com/biolis/go-lis/internal/storage"
)

const (
	// OrderNumberPrefix starts every order number.
	OrderNumberPrefix = "ORD-"
	// MaxDailyOrders is the largest per-day sequence the four digit field
	// can hold.
	MaxDailyOrders = 9999

	orderNumberLockKey = "sequence:order_numbers"
	// 1-based offset of NNNN in ORD-YYYYMMDD-NNNN.
	orderSeqOffset = len(OrderNumberPrefix) + len("20060102-") + 1
)

// ErrDailyOrderCapacity is returned once a calendar day has issued
// MaxDailyOrders order numbers. It is a Conflict that is never retried.
var ErrDailyOrderCapacity = fmt.Errorf("%w: daily order number capacity of %d exhausted", apperr.ErrConflict, MaxDailyOrders)

// InsertFunc persists the new row using the allocated value inside the
// allocating transaction.
type InsertFunc[T any] func(ctx context.Context, tx storage.Tx, value T) error

// Config holds allocator configuration.
type Config struct {
	// Location decides which calendar day an order number belongs to.
	Location *time.Location
	// Now is the clock. It is read after the order number lock is held.
	Now func() time.Time
}

// DefaultConfig returns UTC with the wall clock.
func DefaultConfig() Config {
	return Config{Location: time.UTC, Now: time.Now}
}

// Allocator issues identifiers and order numbers.
type Allocator struct {
	runner  *storage.Runner
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates an Allocator.
func New(runner *storage.Runner, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Allocator{
		runner:  runner,
		config:  cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("sequence"),
	}
}

// NextID returns max(existing)+1 for d, or 1 for an empty table. The value
// stays reserved until tx ends, so the caller must insert it in tx.
func (a *Allocator) NextID(ctx context.Context, tx storage.Tx, d Domain) (int64, error) {
	if d.Table == "" || d.Column == "" {
		return 0, apperr.Invalid("sequence domain is not configured")
	}

	ctx, span := a.tracer.Start(ctx, "sequence_next_id",
		trace.WithAttributes(attribute.String("domain", d.Name)))
	defer span.End()

	if err := tx.LockKey(ctx, d.lockKey()); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("lock %s: %w", d.Name, err)
	}

	var next int64
	query := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) + 1 FROM %s", d.Column, d.Table)
	if err := tx.QueryRow(ctx, query).Scan(&next); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("next id for %s: %w", d.Name, err)
	}

	span.SetAttributes(attribute.Int64("id", next))
	a.metrics.IDAllocated(d.Name)
	return next, nil
}

// AllocateNextID allocates the next identifier for d and runs insert with
// it in a single transaction. On a conflict the whole allocation is
// replayed; the returned id is the one that was committed.
func (a *Allocator) AllocateNextID(ctx context.Context, d Domain, insert InsertFunc[int64]) (int64, error) {
	if insert == nil {
		return 0, apperr.Invalid("insert function is required")
	}

	var id int64
	err := a.runner.InTx(ctx, "allocate_"+d.Table, func(ctx context.Context, tx storage.Tx) error {
		next, err := a.NextID(ctx, tx, d)
		if err != nil {
			return err
		}
		if err := insert(ctx, tx, next); err != nil {
			return err
		}
		id = next
		return nil
	})
	if err != nil {
		return 0, err
	}

	a.logger.Debug("identifier allocated", zap.String("domain", d.Name), zap.Int64("id", id))
	return id, nil
}

// NextOrderNumber returns the next ORD-YYYYMMDD-NNNN for today. The clock
// is read only after the order number lock is held, so numbers issued later
// never carry an earlier date.
func (a *Allocator) NextOrderNumber(ctx context.Context, tx storage.Tx) (string, error) {
	ctx, span := a.tracer.Start(ctx, "sequence_next_order_number")
	defer span.End()

	if err := tx.LockKey(ctx, orderNumberLockKey); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("lock order numbers: %w", err)
	}

	prefix := OrderNumberPrefix + a.config.Now().In(a.config.Location).Format("20060102") + "-"

	var last int64
	query := fmt.Sprintf(
		"SELECT COALESCE(MAX(CAST(SUBSTR(order_number, %d) AS INTEGER)), 0) FROM orders WHERE order_number LIKE ?",
		orderSeqOffset)
	if err := tx.QueryRow(ctx, query, prefix+"%").Scan(&last); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("last order number: %w", err)
	}

	next := last + 1
	if next > MaxDailyOrders {
		span.RecordError(ErrDailyOrderCapacity)
		a.logger.Error("daily order number capacity exhausted", zap.String("prefix", prefix))
		return "", ErrDailyOrderCapacity
	}

	number := fmt.Sprintf("%s%04d", prefix, next)
	span.SetAttributes(attribute.String("order_number", number))
	a.metrics.OrderNumberIssued()
	return number, nil
}

// GenerateOrderNumber issues the next order number and runs insert with it
// in a single transaction.
func (a *Allocator) GenerateOrderNumber(ctx context.Context, insert InsertFunc[string]) (string, error) {
	if insert == nil {
		return "", apperr.Invalid("insert function is required")
	}

	var number string
	err := a.runner.InTx(ctx, "generate_order_number", func(ctx context.Context, tx storage.Tx) error {
		n, err := a.NextOrderNumber(ctx, tx)
		if err != nil {
			return err
		}
		if err := insert(ctx, tx, n); err != nil {
			return err
		}
		number = n
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDailyOrderCapacity) {
			return "", err
		}
		return "", fmt.Errorf("generate order number: %w", err)
	}
	return number, nil
}
