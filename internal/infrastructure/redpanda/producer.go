// Package redpanda connects the laboratory to a Kafka-compatible broker with
// franz-go: a producer for outbox events, a consumer for analyzer results
// and topic administration.
package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/observability/metrics"
)

// ProducerConfig holds configuration for the producer
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// Linger is how long records wait for a batch to fill.
	Linger time.Duration
	// Compression is one of none, lz4, snappy, gzip or zstd.
	Compression string
	// RequiredAcks is -1 for all in-sync replicas, 1 for the leader only.
	RequiredAcks int16
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultProducerConfig favors durability over throughput; result
// notifications are low volume.
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:      brokers,
		ClientID:     "lis",
		Linger:       5 * time.Millisecond,
		Compression:  "snappy",
		RequiredAcks: -1,
		MaxRetries:   5,
		RetryBackoff: 100 * time.Millisecond,
	}
}

func (cfg ProducerConfig) options() ([]kgo.Opt, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return cfg.RetryBackoff * time.Duration(attempt+1)
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	switch cfg.RequiredAcks {
	case -1:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("unsupported required acks %d", cfg.RequiredAcks)
	}

	switch cfg.Compression {
	case "", "none":
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	default:
		return nil, fmt.Errorf("unsupported compression %q", cfg.Compression)
	}
	return opts, nil
}

// Producer publishes records and waits for their acknowledgement. It
// satisfies outbox.Publisher.
type Producer struct {
	client  *kgo.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	sent   atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a producer. The connection is established lazily.
func NewProducer(cfg ProducerConfig, m *metrics.Metrics, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{
		client:  client,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish sends one record and returns once the broker acknowledged it.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
			attribute.Int("value_size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		p.logger.Error("failed to produce message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.sent.Add(1)
	p.metrics.MessageProduced()
	p.logger.Debug("message produced",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// Ping checks that a broker is reachable.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
}

// ProducerStats holds producer counters.
type ProducerStats struct {
	MessagesSent int64
	ErrorCount   int64
}

// Stats returns the producer counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{MessagesSent: p.sent.Load(), ErrorCount: p.failed.Load()}
}
