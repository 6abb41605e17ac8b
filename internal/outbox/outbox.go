// Package outbox implements the transactional outbox: events are written
// in the same transaction as the change they describe and relayed to the
// broker afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/observability/metrics"
	"github.com/biolis/go-lis/internal/storage"
)

// DeadLetterTopic receives entries that exhausted their retries.
const DeadLetterTopic = "dead.letter"

const relayLockKey = "outbox:relay"

// Entry represents an event to be published via the outbox pattern
type Entry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// Config holds configuration for the relay
type Config struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the maximum retries before moving to dead letter
	MaxRetries int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		MaxRetries:   5,
	}
}

// Publisher defines the interface for publishing outbox entries
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// WriteEntry stores entry using q, which should be the transaction of the
// change the event describes.
func WriteEntry(ctx context.Context, q storage.Querier, entry *Entry) error {
	now := time.Now().UTC()
	err := q.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		[]byte(entry.Payload),
		entry.KafkaTopic,
		entry.KafkaKey,
		now, now,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	entry.CreatedAt = now
	return nil
}

// Relay polls unprocessed entries and publishes them.
type Relay struct {
	store     storage.Store
	config    Config
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay.
func NewRelay(store storage.Store, publisher Publisher, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		store:     store,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling and processing outbox entries
func (r *Relay) Start() {
	go r.processLoop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop gracefully stops the relay
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) processLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ProcessBatch(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
			if _, err := r.MoveToDeadLetter(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("dead letter sweep failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes up to BatchSize pending entries and returns how
// many were published. Only one relay works a batch at a time.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	acquired, err := r.tryLock(ctx, tx)
	if err != nil || !acquired {
		return 0, err
	}

	entries, err := r.fetch(ctx, tx, "retry_count < ?", r.config.MaxRetries)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if err := r.processEntry(ctx, tx, entry); err != nil {
			r.logger.Error("failed to process outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			continue
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return published, nil
}

// tryLock keeps concurrent relays on PostgreSQL from working the same
// batch. SQLite transactions are already exclusive.
func (r *Relay) tryLock(ctx context.Context, tx storage.Tx) (bool, error) {
	if r.store.Dialect() != storage.DialectPostgres {
		return true, nil
	}
	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock(hashtext(?))", relayLockKey).Scan(&acquired); err != nil {
		return false, fmt.Errorf("relay lock: %w", err)
	}
	return acquired, nil
}

func (r *Relay) fetch(ctx context.Context, tx storage.Tx, cond string, arg any) ([]*Entry, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND ` + cond + `
		ORDER BY created_at ASC, id ASC
		LIMIT ?`
	if r.store.Dialect() == storage.DialectPostgres {
		query += " FOR UPDATE SKIP LOCKED"
	}

	rows, err := tx.Query(ctx, query, arg, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var payload []byte
		err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entry.Payload = payload
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *Relay) processEntry(ctx context.Context, tx storage.Tx, entry *Entry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	now := time.Now().UTC()
	if err := r.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		if _, updateErr := tx.Exec(ctx,
			"UPDATE outbox SET retry_count = retry_count + 1, last_error = ?, updated_at = ? WHERE id = ?",
			err.Error(), now, entry.ID); updateErr != nil {
			r.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := tx.Exec(ctx, "UPDATE outbox SET processed_at = ?, updated_at = ? WHERE id = ?", now, now, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	r.metrics.MessageProduced()

	r.logger.Debug("outbox entry processed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
	return nil
}

// MoveToDeadLetter publishes entries that exhausted their retries to
// DeadLetterTopic and marks them processed.
func (r *Relay) MoveToDeadLetter(ctx context.Context) (int64, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	entries, err := r.fetch(ctx, tx, "retry_count >= ?", r.config.MaxRetries)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range entries {
		dlPayload, err := json.Marshal(map[string]any{
			"original_topic": entry.KafkaTopic,
			"event_type":     entry.EventType,
			"aggregate_id":   entry.AggregateID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})
		if err != nil {
			r.logger.Error("failed to encode dead letter", zap.Error(err))
			continue
		}

		if err := r.publisher.Publish(ctx, DeadLetterTopic, entry.KafkaKey, dlPayload); err != nil {
			r.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, "UPDATE outbox SET processed_at = ?, updated_at = ? WHERE id = ?", now, now, entry.ID); err != nil {
			r.logger.Error("failed to mark DLQ entry", zap.Error(err))
			continue
		}
		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return count, nil
}

// CleanupProcessed removes processed entries older than olderThan.
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := r.store.Exec(ctx,
		"DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < ?",
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return n, nil
}

// Stats summarizes the outbox.
type Stats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (r *Relay) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.store.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count < ?", r.config.MaxRetries).Scan(&stats.Pending)
	if err != nil {
		return nil, err
	}

	err = r.store.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NOT NULL AND processed_at > ?",
		time.Now().UTC().Add(-24*time.Hour)).Scan(&stats.Processed)
	if err != nil {
		return nil, err
	}

	err = r.store.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count >= ?", r.config.MaxRetries).Scan(&stats.Failed)
	if err != nil {
		return nil, err
	}

	var oldest time.Time
	err = r.store.QueryRow(ctx,
		"SELECT created_at FROM outbox WHERE processed_at IS NULL ORDER BY created_at ASC LIMIT 1").Scan(&oldest)
	switch {
	case err == nil:
		stats.OldestPending = &oldest
	case !errors.Is(err, storage.ErrNoRows):
		return nil, err
	}

	r.metrics.SetOutboxPending(stats.Pending)
	return stats, nil
}
