// Package main provides the result import service. It consumes analyzer
// results from Redpanda and records them against their orders.
package main

import (
	"context"
	"encoding/json"
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
	"github.com/biolis/go-lis/internal/resultimport"
	"github.com/biolis/go-lis/pkg/circuitbreaker"
	"github.com/biolis/go-lis/pkg/idempotency"
	"github.com/biolis/go-lis/pkg/workerpool"
)

const (
	serviceName = "result-import"
	groupID     = "lis-result-import"
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

	reg := app.NewRegistry()
	svcs, err := app.NewServices(store, cfg, reg, logger)
	if err != nil {
		return err
	}

	bcfg := circuitbreaker.DefaultConfig("lis-store")
	bcfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		svcs.Metrics.SetBreakerState(name, to.Gauge())
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return err
	}
	svcs.Metrics.SetBreakerState(bcfg.Name, breaker.State().Gauge())

	pcfg := workerpool.DefaultConfig()
	pcfg.Workers = int(cfg.DBMaxConns)
	importer, err := resultimport.New(svcs.Lab, breaker, pcfg, svcs.Metrics, logger)
	if err != nil {
		return err
	}

	icfg := idempotency.DefaultInboxConfig()
	icfg.DefaultTTL = cfg.OutboxRetention
	inbox := idempotency.NewInbox(store, icfg, logger.Named("inbox"))
	inbox.StartCleanup()
	defer inbox.Stop()
	importer.WithInbox(inbox)
	importer.Start()
	defer importer.Stop()

	consumer, err := redpanda.NewConsumer(
		redpanda.DefaultConsumerConfig(cfg.KafkaBrokers, groupID, redpanda.TopicInboundResults),
		importer.HandleBatch, svcs.Metrics, logger)
	if err != nil {
		return fmt.Errorf("consumer creation failed: %w", err)
	}
	consumer.Start()
	defer consumer.Stop()
	logger.Info("result import started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", redpanda.TopicInboundResults))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           opsRouter(store, breaker, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	return server.Shutdown(sctx)
}

// opsRouter serves probes, the breaker state and metrics. Readiness
// fails while the breaker is open.
func opsRouter(db app.Store, breaker *circuitbreaker.CircuitBreaker, reg prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(breaker.Health())
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !breaker.Health().Healthy {
			http.Error(w, "circuit open", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler(reg))
	return r
}
