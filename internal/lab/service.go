// Package lab orchestrates the laboratory workflows: registering patients
// and doctors, maintaining the test catalog, creating orders and recording
// results. Identifiers come from the sequence allocator, deletes go through
// the delete guard and every result write is re-classified.
package lab

import (
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/clinical"
	"github.com/biolis/go-lis/internal/guard"
	"github.com/biolis/go-lis/internal/observability/metrics"
	"github.com/biolis/go-lis/internal/sequence"
	"github.com/biolis/go-lis/internal/storage"
)

// CriticalResultTopic receives an event whenever a result becomes critical.
const CriticalResultTopic = "lab.results.critical"

// Service is the laboratory application service.
type Service struct {
	runner    *storage.Runner
	allocator *sequence.Allocator
	guard     *guard.Guard
	resolver  *clinical.Resolver
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Deps are the collaborators of a Service.
type Deps struct {
	Runner    *storage.Runner
	Allocator *sequence.Allocator
	Guard     *guard.Guard
	Resolver  *clinical.Resolver
	Metrics   *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewService creates a Service.
func NewService(d Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		runner:    d.Runner,
		allocator: d.Allocator,
		guard:     d.Guard,
		resolver:  d.Resolver,
		metrics:   d.Metrics,
		logger:    logger,
		tracer:    otel.Tracer("lab"),
		now:       d.Now,
	}
}

func nullIfEmpty(s string) any {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return s
}
