// Package metrics provides Prometheus metrics for the laboratory service.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	IDsAllocated          *prometheus.CounterVec
	OrderNumbersIssued    prometheus.Counter
	GuardDecisions        *prometheus.CounterVec
	ResultsClassified     *prometheus.CounterVec
	CredentialChecks      *prometheus.CounterVec
	TxRetries             *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	ImportFailures        prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		IDsAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_ids_allocated_total",
			Help: "Identifiers allocated per sequence domain",
		}, []string{"domain"}),
		OrderNumbersIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lis_order_numbers_issued_total",
			Help: "Order numbers issued",
		}),
		GuardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_delete_guard_decisions_total",
			Help: "Delete guard decisions by entity and outcome",
		}, []string{"entity", "outcome"}),
		ResultsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_results_classified_total",
			Help: "Result classifications by status",
		}, []string{"status"}),
		CredentialChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_credential_checks_total",
			Help: "Credential verifications by outcome",
		}, []string{"outcome"}),
		TxRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_tx_retries_total",
			Help: "Transactions replayed after a storage conflict",
		}, []string{"op"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lis_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "status"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		ImportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lis_result_import_failures_total",
			Help: "Inbound analyzer results that could not be recorded",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.IDsAllocated,
		m.OrderNumbersIssued,
		m.GuardDecisions,
		m.ResultsClassified,
		m.CredentialChecks,
		m.TxRetries,
		m.RequestDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.ImportFailures,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) IDAllocated(domain string) {
	if m != nil {
		m.IDsAllocated.WithLabelValues(domain).Inc()
	}
}

func (m *Metrics) OrderNumberIssued() {
	if m != nil {
		m.OrderNumbersIssued.Inc()
	}
}

func (m *Metrics) GuardDecision(entity string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "blocked"
	if allowed {
		outcome = "allowed"
	}
	m.GuardDecisions.WithLabelValues(entity, outcome).Inc()
}

func (m *Metrics) ResultClassified(status string) {
	if m != nil {
		m.ResultsClassified.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) CredentialChecked(ok bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if ok {
		outcome = "accepted"
	}
	m.CredentialChecks.WithLabelValues(outcome).Inc()
}

// TxRetried matches storage.Runner.OnRetry.
func (m *Metrics) TxRetried(op string, _ int, _ error) {
	if m != nil {
		m.TxRetries.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) ObserveRequest(method string, status int, d time.Duration) {
	if m != nil {
		m.RequestDuration.WithLabelValues(method, http.StatusText(status)).Observe(d.Seconds())
	}
}

func (m *Metrics) MessageProduced() {
	if m != nil {
		m.KafkaMessagesProduced.Inc()
	}
}

func (m *Metrics) MessagesConsumed(n int) {
	if m != nil {
		m.KafkaMessagesConsumed.Add(float64(n))
	}
}

func (m *Metrics) ImportFailed() {
	if m != nil {
		m.ImportFailures.Inc()
	}
}

func (m *Metrics) SetOutboxPending(n int64) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(state)
	}
}

// Handler returns the Prometheus HTTP handler for g. A nil g serves the
// default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
