package storage

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/apperr"
)

// RetryPolicy bounds how often a conflicting transaction is replayed.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt. It doubles per
	// attempt and gets up to 50% jitter.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   2 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
	}
}

// TxFunc is the body of a transaction. It must be safe to run more than
// once: a conflict discards all of its work and calls it again.
type TxFunc func(ctx context.Context, tx Tx) error

// Runner executes transaction bodies against a Store and replays them on
// storage conflicts.
type Runner struct {
	store  Store
	policy RetryPolicy
	logger *zap.Logger
	tracer trace.Tracer

	// OnRetry, when set, is called before every replay.
	OnRetry func(op string, attempt int, err error)
}

// NewRunner creates a Runner.
func NewRunner(store Store, policy RetryPolicy, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	return &Runner{
		store:  store,
		policy: policy,
		logger: logger,
		tracer: otel.Tracer("storage"),
	}
}

// Store returns the underlying store.
func (r *Runner) Store() Store { return r.store }

// InTx runs fn inside a transaction and commits it. Storage conflicts roll
// the transaction back and replay fn; once the attempts are spent the
// failure is reported as apperr.ErrStorageUnavailable.
func (r *Runner) InTx(ctx context.Context, op string, fn TxFunc) error {
	ctx, span := r.tracer.Start(ctx, "storage_tx",
		trace.WithAttributes(attribute.String("op", op)))
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := r.once(ctx, fn)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return nil
		}
		if !IsConflict(err) {
			span.RecordError(err)
			return err
		}
		lastErr = err
		if attempt == r.policy.MaxAttempts {
			break
		}

		r.logger.Debug("transaction conflict, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if r.OnRetry != nil {
			r.OnRetry(op, attempt, err)
		}

		select {
		case <-ctx.Done():
			return apperr.Unavailable(ctx.Err())
		case <-time.After(r.backoff(attempt)):
		}
	}

	r.logger.Warn("transaction conflict persisted",
		zap.String("op", op),
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr))
	err := fmt.Errorf("%w: %s: conflict persisted after %d attempts: %v",
		apperr.ErrStorageUnavailable, op, r.policy.MaxAttempts, lastErr)
	span.RecordError(err)
	return err
}

func (r *Runner) once(ctx context.Context, fn TxFunc) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Runner) backoff(attempt int) time.Duration {
	d := r.policy.BaseDelay << (attempt - 1)
	if r.policy.MaxDelay > 0 && d > r.policy.MaxDelay {
		d = r.policy.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	return d/2 + rand.N(d/2+1)
}
