// Package resultimport records analyzer results delivered over Redpanda.
// Each poll batch is fanned out to a worker pool; storage calls go through
// a circuit breaker so an unhealthy database stops the batch instead of
// failing every message in it.
package resultimport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/clinical"
	"github.com/biolis/go-lis/internal/infrastructure/redpanda"
	"github.com/biolis/go-lis/internal/lab"
	"github.com/biolis/go-lis/internal/observability/metrics"
	"github.com/biolis/go-lis/pkg/circuitbreaker"
	"github.com/biolis/go-lis/pkg/idempotency"
	"github.com/biolis/go-lis/pkg/workerpool"
)

// Recorder stores a result for a test of an order.
type Recorder interface {
	RecordResultByOrderNumber(ctx context.Context, orderNumber string, testID int64, in lab.ResultInput) (lab.Result, error)
}

// InboundResult is the JSON body of a lab.results.inbound message.
type InboundResult struct {
	OrderNumber string              `json:"order_number"`
	TestID      int64               `json:"test_id"`
	Value       decimal.NullDecimal `json:"value"`
	Notes       string              `json:"notes,omitempty"`
}

// Decode parses and validates a message body.
func Decode(body []byte) (InboundResult, error) {
	var in InboundResult
	if err := json.Unmarshal(body, &in); err != nil {
		return InboundResult{}, apperr.Invalid("decode inbound result: %v", err)
	}
	in.OrderNumber = strings.TrimSpace(in.OrderNumber)
	switch {
	case in.OrderNumber == "":
		return InboundResult{}, apperr.Invalid("order_number is required")
	case in.TestID <= 0:
		return InboundResult{}, apperr.Invalid("test_id must be positive")
	case !in.Value.Valid:
		return InboundResult{}, apperr.Invalid("value is required")
	}
	return in, nil
}

// Key identifies an inbound result by content. Redeliveries and repeated
// analyzer transmissions of the same measurement share a key.
func (in InboundResult) Key() string {
	return idempotency.GenerateKey(in.OrderNumber, strconv.FormatInt(in.TestID, 10), in.Value.Decimal.String(), in.Notes)
}

const handlerName = "result-import"

// IsRetryable reports whether a failed message should be redelivered
// rather than skipped.
func IsRetryable(err error) bool {
	return errors.Is(err, apperr.ErrStorageUnavailable) ||
		errors.Is(err, apperr.ErrConflict) ||
		errors.Is(err, idempotency.ErrMessageInProgress) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Importer handles batches of inbound results.
type Importer struct {
	recorder Recorder
	breaker  *circuitbreaker.CircuitBreaker
	pool     *workerpool.Pool
	inbox    *idempotency.Inbox
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates an Importer. A nil poolCfg.Retryable defaults to
// IsRetryable. Call Start before handling batches.
func New(recorder Recorder, breaker *circuitbreaker.CircuitBreaker, poolCfg workerpool.Config, m *metrics.Metrics, logger *zap.Logger) (*Importer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil || breaker == nil {
		return nil, errors.New("recorder and circuit breaker are required")
	}
	if poolCfg.Retryable == nil {
		poolCfg.Retryable = IsRetryable
	}

	imp := &Importer{recorder: recorder, breaker: breaker, metrics: m, logger: logger}
	pool, err := workerpool.New(poolCfg, imp.process, logger.Named("pool"))
	if err != nil {
		return nil, err
	}
	imp.pool = pool
	return imp, nil
}

// WithInbox makes the importer record each measurement at most once. A
// message already applied is acknowledged without touching the result,
// so a stale redelivery cannot overwrite a later manual correction.
func (i *Importer) WithInbox(inbox *idempotency.Inbox) *Importer {
	i.inbox = inbox
	return i
}

// Start launches the workers.
func (i *Importer) Start() { i.pool.Start() }

// Stop waits for in-flight messages.
func (i *Importer) Stop() { i.pool.Stop() }

// HandleBatch records every message of a poll. Malformed messages and
// results that cannot apply (unknown order or test) are logged, counted
// and skipped. If any message failed for a retryable reason the batch
// returns an error so the consumer redelivers it; already-recorded
// messages are idempotent on replay.
func (i *Importer) HandleBatch(ctx context.Context, msgs []*redpanda.Message) error {
	tasks := make([]*workerpool.Task, len(msgs))
	for n, msg := range msgs {
		tasks[n] = &workerpool.Task{
			ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
			Payload: msg,
		}
	}

	var (
		retryable int
		firstErr  error
	)
	for n, r := range i.pool.RunBatch(ctx, tasks) {
		if r.Success() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if IsRetryable(r.Error) || errors.Is(r.Error, workerpool.ErrStopped) {
			retryable++
			if firstErr == nil {
				firstErr = r.Error
			}
			continue
		}
		i.metrics.ImportFailed()
		i.logger.Warn("skipping inbound result",
			zap.String("task_id", r.TaskID),
			zap.ByteString("key", msgs[n].Key),
			zap.Error(r.Error))
	}
	if retryable > 0 {
		return fmt.Errorf("%d of %d inbound results need redelivery: %w", retryable, len(msgs), firstErr)
	}
	return nil
}

func (i *Importer) process(ctx context.Context, task *workerpool.Task) (any, error) {
	msg, ok := task.Payload.(*redpanda.Message)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", task.Payload)
	}
	in, err := Decode(msg.Value)
	if err != nil {
		return nil, err
	}

	// Continue the producer's trace under the batch's cancellation.
	if sc := trace.SpanContextFromContext(msg.Context()); sc.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
	}

	var (
		status    clinical.Status
		duplicate bool
	)
	record := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		res, err := i.recorder.RecordResultByOrderNumber(ctx, in.OrderNumber, in.TestID,
			lab.ResultInput{Value: in.Value, Notes: in.Notes})
		if err != nil {
			return nil, err
		}
		status = res.Status
		return json.Marshal(map[string]any{"result_id": res.ID, "status": res.Status})
	}
	err = i.breaker.Execute(ctx, func(ctx context.Context) error {
		if i.inbox == nil {
			_, err := record(ctx, nil)
			return err
		}
		pr, err := i.inbox.Process(ctx, in.Key(), handlerName, msg.Value, record)
		if errors.Is(err, idempotency.ErrDuplicateMessage) {
			duplicate = true
			return nil
		}
		if err != nil {
			return err
		}
		duplicate = !pr.IsNew && !pr.WasRecovered
		return nil
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		i.logger.Debug("inbound result already applied",
			zap.String("order_number", in.OrderNumber),
			zap.Int64("test_id", in.TestID))
		return nil, nil
	}
	i.logger.Debug("inbound result recorded",
		zap.String("order_number", in.OrderNumber),
		zap.Int64("test_id", in.TestID),
		zap.String("status", string(status)))
	return status, nil
}
