package lab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/clinical"
	"github.com/biolis/go-lis/internal/outbox"
	"github.com/biolis/go-lis/internal/storage"
)

// EventCriticalResult is the outbox event type for CriticalResultTopic.
const EventCriticalResult = "ResultCritical"

// CriticalResultEvent is the payload published when a result turns critical.
type CriticalResultEvent struct {
	EventID        string    `json:"event_id"`
	ResultID       int64     `json:"result_id"`
	OrderID        int64     `json:"order_id"`
	OrderNumber    string    `json:"order_number"`
	PatientID      int64     `json:"patient_id"`
	TestID         int64     `json:"test_id"`
	Value          string    `json:"value"`
	ReferenceRange string    `json:"reference_range"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// ResultInput is a measured value and optional notes. A null value clears
// the result back to pending. Empty notes keep the stored notes.
type ResultInput struct {
	Value decimal.NullDecimal `json:"value"`
	Notes string              `json:"notes"`
}

const resultColumns = "id, order_id, test_id, CAST(result_value AS TEXT), is_abnormal, COALESCE(notes, ''), updated_at"

func scanResult(row storage.Row) (Result, error) {
	var (
		r     Result
		value *string
	)
	if err := row.Scan(&r.ID, &r.OrderID, &r.TestID, &value, &r.IsAbnormal, &r.Notes, &r.UpdatedAt); err != nil {
		return Result{}, err
	}
	if value != nil {
		d, err := decimal.NewFromString(*value)
		if err != nil {
			return Result{}, fmt.Errorf("result %d: stored value %q: %w", r.ID, *value, err)
		}
		r.Value = decimal.NewNullDecimal(d)
	}
	return r, nil
}

func loadResults(ctx context.Context, q storage.Querier, orderID int64) ([]Result, error) {
	rows, err := q.Query(ctx, "SELECT "+resultColumns+" FROM test_results WHERE order_id = ? ORDER BY id", orderID)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// rangeFor resolves the applicable range, returning nil when none covers
// the patient.
func (s *Service) rangeFor(ctx context.Context, q storage.Querier, testID int64, sex clinical.Sex, age int) (*clinical.ReferenceRange, error) {
	rng, err := s.resolver.ResolveRangeTx(ctx, q, testID, sex, age)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rng, nil
}

// AddResult records a value for a test of an order. The test is added to
// the order when it was not requested.
func (s *Service) AddResult(ctx context.Context, orderID, testID int64, in ResultInput) (Result, error) {
	var out Result
	err := s.runner.InTx(ctx, "add_result", func(ctx context.Context, tx storage.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, "SELECT id FROM test_results WHERE order_id = ? AND test_id = ?", orderID, testID).Scan(&id)
		switch {
		case errors.Is(err, storage.ErrNoRows):
			if err := mustExist(ctx, tx, "orders", "order", orderID); err != nil {
				return err
			}
			if err := mustExist(ctx, tx, "lab_tests", "lab test", testID); err != nil {
				return err
			}
			r, err := s.insertPendingResult(ctx, tx, orderID, testID)
			if err != nil {
				return err
			}
			id = r.ID
		case err != nil:
			return fmt.Errorf("find result: %w", err)
		}
		out, err = s.applyResult(ctx, tx, id, in)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return out, nil
}

// RecordResult writes a value to an existing result and re-classifies it.
func (s *Service) RecordResult(ctx context.Context, resultID int64, in ResultInput) (Result, error) {
	var out Result
	err := s.runner.InTx(ctx, "record_result", func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = s.applyResult(ctx, tx, resultID, in)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return out, nil
}

// RecordResultByOrderNumber is RecordResult addressed the way analyzers
// report: by order number and test.
func (s *Service) RecordResultByOrderNumber(ctx context.Context, orderNumber string, testID int64, in ResultInput) (Result, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Result{}, apperr.Invalid("order number is required")
	}

	var out Result
	err := s.runner.InTx(ctx, "record_result", func(ctx context.Context, tx storage.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `
			SELECT r.id FROM test_results r JOIN orders o ON o.id = r.order_id
			WHERE o.order_number = ? AND r.test_id = ?`, orderNumber, testID).Scan(&id)
		if errors.Is(err, storage.ErrNoRows) {
			return apperr.NotFound("result", fmt.Sprintf("%s/%d", orderNumber, testID))
		}
		if err != nil {
			return fmt.Errorf("find result: %w", err)
		}
		out, err = s.applyResult(ctx, tx, id, in)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return out, nil
}

// applyResult stores in on result id together with the abnormal flag the
// new value earns.
func (s *Service) applyResult(ctx context.Context, tx storage.Tx, id int64, in ResultInput) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "lab_apply_result")
	defer span.End()
	span.SetAttributes(attribute.Int64("result_id", id))

	prev, err := scanResult(tx.QueryRow(ctx,
		"SELECT "+resultColumns+" FROM test_results WHERE id = ?"+storage.ForUpdate(s.runner.Store().Dialect()), id))
	if errors.Is(err, storage.ErrNoRows) {
		return Result{}, apperr.NotFound("result", id)
	}
	if err != nil {
		return Result{}, fmt.Errorf("load result: %w", err)
	}

	var (
		patientID   int64
		orderNumber string
	)
	if err := tx.QueryRow(ctx, "SELECT patient_id, order_number FROM orders WHERE id = ?", prev.OrderID).
		Scan(&patientID, &orderNumber); err != nil {
		return Result{}, fmt.Errorf("load order of result %d: %w", id, err)
	}
	subject, err := s.resolver.LoadSubject(ctx, tx, patientID)
	if err != nil {
		return Result{}, err
	}
	rng, err := s.rangeFor(ctx, tx, prev.TestID, subject.Sex, s.resolver.Age(subject))
	if err != nil {
		return Result{}, err
	}

	before := clinical.Classify(prev.Value, rng)
	status := clinical.Classify(in.Value, rng)

	next := prev
	next.Value = in.Value
	next.IsAbnormal = status.IsAbnormal()
	next.UpdatedAt = s.now().UTC()
	next.Status = status
	if notes := strings.TrimSpace(in.Notes); notes != "" {
		next.Notes = notes
	}

	var value any
	if in.Value.Valid {
		value = in.Value.Decimal.String()
	}
	if _, err := tx.Exec(ctx,
		"UPDATE test_results SET result_value = ?, is_abnormal = ?, notes = ?, updated_at = ? WHERE id = ?",
		value, next.IsAbnormal, nullIfEmpty(next.Notes), next.UpdatedAt, id); err != nil {
		return Result{}, fmt.Errorf("update result: %w", err)
	}

	if status == clinical.StatusCritical && (before != clinical.StatusCritical || !prev.Value.Decimal.Equal(in.Value.Decimal)) {
		ev := CriticalResultEvent{
			EventID:        uuid.NewString(),
			ResultID:       id,
			OrderID:        prev.OrderID,
			OrderNumber:    orderNumber,
			PatientID:      patientID,
			TestID:         prev.TestID,
			Value:          in.Value.Decimal.String(),
			ReferenceRange: rng.String(),
			RecordedAt:     next.UpdatedAt,
		}
		if err := s.writeCriticalEvent(ctx, tx, ev); err != nil {
			return Result{}, err
		}
	}

	s.metrics.ResultClassified(string(status))
	span.SetAttributes(attribute.String("status", string(status)))
	s.logger.Debug("result recorded",
		zap.Int64("result_id", id),
		zap.String("order_number", orderNumber),
		zap.String("status", string(status)))
	return next, nil
}

func (s *Service) writeCriticalEvent(ctx context.Context, tx storage.Tx, ev CriticalResultEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal critical result event: %w", err)
	}
	entry := &outbox.Entry{
		AggregateID:   strconv.FormatInt(ev.ResultID, 10),
		AggregateType: "TestResult",
		EventType:     EventCriticalResult,
		Payload:       payload,
		KafkaTopic:    CriticalResultTopic,
		KafkaKey:      ev.OrderNumber,
	}
	if err := outbox.WriteEntry(ctx, tx, entry); err != nil {
		return err
	}
	s.logger.Warn("critical result",
		zap.String("order_number", ev.OrderNumber),
		zap.Int64("test_id", ev.TestID),
		zap.String("value", ev.Value),
		zap.String("reference_range", ev.ReferenceRange))
	return nil
}

// DeleteResult removes a result from its order.
func (s *Service) DeleteResult(ctx context.Context, id int64) error {
	return s.runner.InTx(ctx, "delete_result", func(ctx context.Context, tx storage.Tx) error {
		n, err := tx.Exec(ctx, "DELETE FROM test_results WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete result: %w", err)
		}
		if n == 0 {
			return apperr.NotFound("result", id)
		}
		return nil
	})
}
