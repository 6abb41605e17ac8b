package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/observability/metrics"
	"github.com/biolis/go-lis/internal/storage"
)

// Decision is the outcome of a delete check.
type Decision struct {
	Allowed       bool   `json:"allowed"`
	BlockingCount int64  `json:"blocking_count"`
	Reason        string `json:"reason,omitempty"`
}

// Err returns the blocking error for a refused decision, or nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &apperr.BlockedError{Reason: d.Reason, Count: d.BlockingCount}
}

// Guard evaluates delete rules against the store.
type Guard struct {
	runner  *storage.Runner
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a Guard.
func New(runner *storage.Runner, m *metrics.Metrics, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		runner:  runner,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("guard"),
	}
}

// CanDelete reports whether the record may be deleted right now. The answer
// is advisory: use Delete to act on it atomically.
func (g *Guard) CanDelete(ctx context.Context, kind Kind, id int64) (Decision, error) {
	var d Decision
	err := g.runner.InTx(ctx, "can_delete", func(ctx context.Context, tx storage.Tx) error {
		var err error
		d, err = g.Check(ctx, tx, kind, id)
		return err
	})
	return d, err
}

// Check evaluates the rules for kind inside tx. The parent row is locked
// first so a concurrent child insert either finishes before the counts are
// taken or waits until tx ends.
func (g *Guard) Check(ctx context.Context, tx storage.Tx, kind Kind, id int64) (Decision, error) {
	e, err := EntityFor(kind)
	if err != nil {
		return Decision{}, err
	}

	ctx, span := g.tracer.Start(ctx, "guard_check",
		trace.WithAttributes(
			attribute.String("entity", string(kind)),
			attribute.Int64("id", id)))
	defer span.End()

	if err := g.lockParent(ctx, tx, e, id); err != nil {
		span.RecordError(err)
		return Decision{}, err
	}

	var (
		total   int64
		reasons []string
	)
	for _, r := range e.Rules {
		var n int64
		q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", r.ChildTable, r.Column)
		if err := tx.QueryRow(ctx, q, id).Scan(&n); err != nil {
			span.RecordError(err)
			return Decision{}, fmt.Errorf("count %s: %w", r.ChildTable, err)
		}
		if n > 0 {
			total += n
			reasons = append(reasons, fmt.Sprintf("%d %s", n, r.Noun))
		}
	}

	d := Decision{Allowed: total == 0, BlockingCount: total}
	if !d.Allowed {
		d.Reason = fmt.Sprintf("cannot delete: the %s has %s", e.Label, strings.Join(reasons, " and "))
	}
	span.SetAttributes(attribute.Bool("allowed", d.Allowed), attribute.Int64("blocking_count", total))
	g.metrics.GuardDecision(string(kind), d.Allowed)
	return d, nil
}

// Delete removes the record if and only if no rule blocks it. The check
// and the delete share one transaction. A refused delete returns the
// decision together with an error matching apperr.ErrBlocked.
func (g *Guard) Delete(ctx context.Context, kind Kind, id int64) (Decision, error) {
	e, err := EntityFor(kind)
	if err != nil {
		return Decision{}, err
	}

	var d Decision
	err = g.runner.InTx(ctx, "guarded_delete", func(ctx context.Context, tx storage.Tx) error {
		var err error
		d, err = g.DeleteTx(ctx, tx, kind, id)
		return err
	})
	if err != nil {
		return d, err
	}

	g.logger.Info("record deleted",
		zap.String("entity", string(e.Kind)),
		zap.Int64("id", id))
	return d, nil
}

// DeleteTx is Delete inside a caller-owned transaction.
func (g *Guard) DeleteTx(ctx context.Context, tx storage.Tx, kind Kind, id int64) (Decision, error) {
	d, err := g.Check(ctx, tx, kind, id)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, d.Err()
	}

	e, _ := EntityFor(kind)
	n, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", e.Table), id)
	if err != nil {
		return d, fmt.Errorf("delete %s %d: %w", e.Label, id, err)
	}
	if n == 0 {
		return d, apperr.NotFound(e.Label, id)
	}
	return d, nil
}

func (g *Guard) lockParent(ctx context.Context, tx storage.Tx, e Entity, id int64) error {
	var found int64
	q := fmt.Sprintf("SELECT id FROM %s WHERE id = ?", e.Table) + storage.ForUpdate(g.runner.Store().Dialect())
	err := tx.QueryRow(ctx, q, id).Scan(&found)
	if errors.Is(err, storage.ErrNoRows) {
		return apperr.NotFound(e.Label, id)
	}
	if err != nil {
		return fmt.Errorf("lock %s %d: %w", e.Label, id, err)
	}
	return nil
}
