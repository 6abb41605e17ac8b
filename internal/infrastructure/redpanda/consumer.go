package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/observability/metrics"
)

// ConsumerConfig holds configuration for the consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// MaxPollRecords bounds the batch handed to the handler.
	MaxPollRecords int
	SessionTimeout time.Duration
	// RetryBackoff is the first wait before a failed batch is handed to the
	// handler again. It doubles up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// StartOffset is earliest or latest.
	StartOffset string
}

// DefaultConsumerConfig returns defaults for the analyzer result feed.
func DefaultConsumerConfig(brokers []string, groupID string, topics ...string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:         brokers,
		GroupID:         groupID,
		Topics:          topics,
		MaxPollRecords:  100,
		SessionTimeout:  30 * time.Second,
		RetryBackoff:    500 * time.Millisecond,
		MaxRetryBackoff: 30 * time.Second,
		StartOffset:     "earliest",
	}
}

// Message is a consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time

	// ctx carries the producer's span context.
	ctx context.Context
}

// Context returns the context propagated with the message, derived from
// the consumer's context.
func (m *Message) Context() context.Context {
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// BatchHandler processes one poll worth of messages. Returning an error
// hands the same batch back after a backoff; offsets are committed only
// once it returns nil, so handlers must be idempotent.
type BatchHandler func(ctx context.Context, msgs []*Message) error

// Consumer reads a consumer group with at-least-once delivery.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	handler BatchHandler
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	consumed atomic.Int64
	retries  atomic.Int64
}

// NewConsumer creates a consumer. Call Start to begin polling.
func NewConsumer(cfg ConsumerConfig, handler BatchHandler, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if len(cfg.Brokers) == 0 || cfg.GroupID == "" || len(cfg.Topics) == 0 {
		return nil, errors.New("brokers, group id and topics are required")
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 100
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	switch cfg.StartOffset {
	case "", "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		return nil, fmt.Errorf("unsupported start offset %q", cfg.StartOffset)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming in the background.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop waits for the current batch to finish and closes the client.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			c.client.AllowRebalance()
			return
		}

		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				continue
			}
			c.logger.Error("fetch error",
				zap.String("topic", fe.Topic),
				zap.Int32("partition", fe.Partition),
				zap.Error(fe.Err))
		}

		records := fetches.Records()
		if len(records) > 0 {
			if err := c.handleBatch(records); err != nil {
				// Only cancellation ends handleBatch with an error.
				c.client.AllowRebalance()
				return
			}
		}
		c.client.AllowRebalance()
	}
}

// handleBatch runs the handler until it succeeds, then commits.
func (c *Consumer) handleBatch(records []*kgo.Record) error {
	msgs := make([]*Message, len(records))
	for i, r := range records {
		msgs[i] = c.toMessage(r)
	}

	ctx, span := c.tracer.Start(c.ctx, "process_batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("batch_size", len(records))))
	defer span.End()

	backoff := c.config.RetryBackoff
	for {
		err := c.handler(ctx, msgs)
		if err == nil {
			break
		}
		c.retries.Add(1)
		span.RecordError(err)
		c.logger.Warn("batch handler failed, retrying",
			zap.Int("batch_size", len(msgs)),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; c.config.MaxRetryBackoff > 0 && backoff > c.config.MaxRetryBackoff {
			backoff = c.config.MaxRetryBackoff
		}
	}

	c.consumed.Add(int64(len(records)))
	c.metrics.MessagesConsumed(len(records))

	if err := c.client.CommitRecords(ctx, records...); err != nil {
		// Redelivered after the next rebalance.
		span.RecordError(err)
		c.logger.Error("failed to commit offsets", zap.Error(err))
	}
	return nil
}

func (c *Consumer) toMessage(r *kgo.Record) *Message {
	m := &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
		ctx:       extractTraceContext(c.ctx, r),
	}
	for _, h := range r.Headers {
		m.Headers[h.Key] = string(h.Value)
	}
	return m
}

// ConsumerStats holds consumer counters.
type ConsumerStats struct {
	MessagesRead int64
	Retries      int64
}

// Stats returns the consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{MessagesRead: c.consumed.Load(), Retries: c.retries.Load()}
}
