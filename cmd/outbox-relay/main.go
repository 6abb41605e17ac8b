// Package main provides the outbox relay: it publishes critical-result
// events written by the API to Redpanda.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/app"
	"github.com/biolis/go-lis/internal/config"
	"github.com/biolis/go-lis/internal/infrastructure/redpanda"
	"github.com/biolis/go-lis/internal/observability/logging"
	"github.com/biolis/go-lis/internal/observability/metrics"
	"github.com/biolis/go-lis/internal/observability/tracing"
	"github.com/biolis/go-lis/internal/outbox"
)

const (
	serviceName  = "outbox-relay"
	statsEvery   = 30 * time.Second
	cleanupEvery = time.Hour
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireBrokers(); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	if err := admin.EnsureTopics(ctx, int16(cfg.KafkaReplication)); err != nil {
		admin.Close()
		return fmt.Errorf("ensure topics: %w", err)
	}
	admin.Close()

	reg := app.NewRegistry()
	m := metrics.New(reg)

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.KafkaBrokers), m, logger)
	if err != nil {
		return fmt.Errorf("producer creation failed: %w", err)
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	relay := outbox.NewRelay(store, producer, outbox.DefaultConfig(), m, logger)
	relay.Start()
	defer relay.Stop()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           opsRouter(store, producer, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()

	housekeeping(ctx, relay, cfg.OutboxRetention, logger)

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	return server.Shutdown(sctx)
}

// housekeeping refreshes the pending gauge and prunes published entries
// until ctx ends.
func housekeeping(ctx context.Context, relay *outbox.Relay, retention time.Duration, logger *zap.Logger) {
	stats := time.NewTicker(statsEvery)
	defer stats.Stop()
	cleanup := time.NewTicker(cleanupEvery)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			s, err := relay.GetStats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			if s.Failed > 0 {
				logger.Warn("outbox entries awaiting dead letter", zap.Int64("count", s.Failed))
			}
		case <-cleanup.C:
			n, err := relay.CleanupProcessed(ctx, retention)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			logger.Info("outbox cleaned", zap.Int64("deleted", n))
		}
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// opsRouter serves probes and metrics for the worker binaries.
func opsRouter(db, broker pinger, reg prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, p := range []pinger{db, broker} {
			if err := p.Ping(ctx); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler(reg))
	return r
}
