package lab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/clinical"
	"github.com/biolis/go-lis/internal/guard"
	"github.com/biolis/go-lis/internal/sequence"
	"github.com/biolis/go-lis/internal/storage"
)

// CreateOrder stores an order with one pending result per requested test.
// The order id, its order number and the result ids are allocated in the
// same transaction as the inserts.
func (s *Service) CreateOrder(ctx context.Context, no NewOrder) (Order, error) {
	if len(no.TestIDs) == 0 {
		return Order{}, apperr.Invalid("an order needs at least one test")
	}
	seen := make(map[int64]bool, len(no.TestIDs))
	for _, id := range no.TestIDs {
		if seen[id] {
			return Order{}, apperr.Invalid("test %d is requested twice", id)
		}
		seen[id] = true
	}

	ctx, span := s.tracer.Start(ctx, "lab_create_order")
	defer span.End()

	var order Order
	err := s.runner.InTx(ctx, "create_order", func(ctx context.Context, tx storage.Tx) error {
		if err := mustExist(ctx, tx, "patients", "patient", no.PatientID); err != nil {
			return err
		}
		if err := mustExist(ctx, tx, "doctors", "doctor", no.DoctorID); err != nil {
			return err
		}
		for _, testID := range no.TestIDs {
			if err := mustExist(ctx, tx, "lab_tests", "lab test", testID); err != nil {
				return err
			}
		}

		id, err := s.allocator.NextID(ctx, tx, sequence.Orders)
		if err != nil {
			return err
		}
		number, err := s.allocator.NextOrderNumber(ctx, tx)
		if err != nil {
			return err
		}

		o := Order{
			ID:          id,
			OrderNumber: number,
			PatientID:   no.PatientID,
			DoctorID:    no.DoctorID,
			OrderDate:   s.now().UTC(),
			Notes:       strings.TrimSpace(no.Notes),
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO orders (id, order_number, patient_id, doctor_id, order_date, notes) VALUES (?, ?, ?, ?, ?, ?)",
			o.ID, o.OrderNumber, o.PatientID, o.DoctorID, o.OrderDate, nullIfEmpty(o.Notes)); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, testID := range no.TestIDs {
			r, err := s.insertPendingResult(ctx, tx, o.ID, testID)
			if err != nil {
				return err
			}
			o.Results = append(o.Results, r)
		}
		order = o
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Order{}, err
	}

	span.SetAttributes(attribute.String("order_number", order.OrderNumber))
	s.logger.Info("order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int("tests", len(order.Results)))
	return order, nil
}

func (s *Service) insertPendingResult(ctx context.Context, tx storage.Tx, orderID, testID int64) (Result, error) {
	id, err := s.allocator.NextID(ctx, tx, sequence.TestResults)
	if err != nil {
		return Result{}, err
	}
	r := Result{ID: id, OrderID: orderID, TestID: testID, UpdatedAt: s.now().UTC(), Status: clinical.StatusPending}
	if _, err := tx.Exec(ctx,
		"INSERT INTO test_results (id, order_id, test_id, result_value, is_abnormal, updated_at) VALUES (?, ?, ?, NULL, ?, ?)",
		r.ID, r.OrderID, r.TestID, false, r.UpdatedAt); err != nil {
		return Result{}, fmt.Errorf("insert result: %w", err)
	}
	return r, nil
}

const orderColumns = "id, order_number, patient_id, doctor_id, order_date, COALESCE(notes, '')"

func scanOrder(row storage.Row) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.PatientID, &o.DoctorID, &o.OrderDate, &o.Notes)
	return o, err
}

func (s *Service) loadOrder(ctx context.Context, q storage.Querier, id int64) (Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id))
	if errors.Is(err, storage.ErrNoRows) {
		return Order{}, apperr.NotFound("order", id)
	}
	if err != nil {
		return Order{}, fmt.Errorf("load order: %w", err)
	}
	results, err := loadResults(ctx, q, id)
	if err != nil {
		return Order{}, err
	}
	o.Results = results
	return o, nil
}

// GetOrder loads an order with its results.
func (s *Service) GetOrder(ctx context.Context, id int64) (Order, error) {
	return s.loadOrder(ctx, s.runner.Store(), id)
}

// GetOrderByNumber loads an order by its order number.
func (s *Service) GetOrderByNumber(ctx context.Context, number string) (Order, error) {
	var id int64
	err := s.runner.Store().QueryRow(ctx, "SELECT id FROM orders WHERE order_number = ?", strings.TrimSpace(number)).Scan(&id)
	if errors.Is(err, storage.ErrNoRows) {
		return Order{}, apperr.NotFound("order", number)
	}
	if err != nil {
		return Order{}, fmt.Errorf("find order: %w", err)
	}
	return s.GetOrder(ctx, id)
}

// ListOrders returns a patient's orders, newest first, without results.
func (s *Service) ListOrders(ctx context.Context, patientID int64) ([]Order, error) {
	rows, err := s.runner.Store().Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE patient_id = ? ORDER BY id DESC", patientID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// DeleteOrder deletes an order that has no results.
func (s *Service) DeleteOrder(ctx context.Context, id int64) (guard.Decision, error) {
	return s.guard.Delete(ctx, guard.KindOrder, id)
}

// OrderReport classifies every result of an order against the range that
// applies to the patient today.
func (s *Service) OrderReport(ctx context.Context, orderID int64) (OrderReport, error) {
	ctx, span := s.tracer.Start(ctx, "lab_order_report")
	defer span.End()

	q := s.runner.Store()
	o, err := s.loadOrder(ctx, q, orderID)
	if err != nil {
		return OrderReport{}, err
	}
	subject, err := s.resolver.LoadSubject(ctx, q, o.PatientID)
	if err != nil {
		return OrderReport{}, err
	}

	var patientName, doctorName string
	err = q.QueryRow(ctx, `
		SELECT p.first_name || ' ' || p.last_name, d.first_name || ' ' || d.last_name
		FROM orders o
		JOIN patients p ON p.id = o.patient_id
		JOIN doctors d ON d.id = o.doctor_id
		WHERE o.id = ?`, orderID).Scan(&patientName, &doctorName)
	if err != nil {
		return OrderReport{}, fmt.Errorf("load order parties: %w", err)
	}

	age := s.resolver.Age(subject)
	report := OrderReport{
		Order:       o,
		PatientName: patientName,
		PatientSex:  subject.Sex,
		PatientAge:  age,
		DoctorName:  doctorName,
	}

	tests, err := s.testsOf(ctx, q, orderID)
	if err != nil {
		return OrderReport{}, err
	}

	for _, r := range o.Results {
		rng, err := s.rangeFor(ctx, q, r.TestID, subject.Sex, age)
		if err != nil {
			return OrderReport{}, err
		}
		status := clinical.Classify(r.Value, rng)
		line := ReportLine{
			ResultID:   r.ID,
			TestID:     r.TestID,
			TestCode:   tests[r.TestID].Code,
			TestName:   tests[r.TestID].Name,
			Units:      tests[r.TestID].Units,
			Value:      r.Value,
			Status:     status,
			IsAbnormal: status.IsAbnormal(),
			Notes:      r.Notes,
		}
		if rng != nil {
			line.ReferenceRange = rng.String()
		}
		report.Lines = append(report.Lines, line)
	}
	return report, nil
}

func (s *Service) testsOf(ctx context.Context, q storage.Querier, orderID int64) (map[int64]LabTest, error) {
	rows, err := q.Query(ctx, `
		SELECT t.id, t.code, t.name, t.sample_id, COALESCE(t.units, '')
		FROM lab_tests t JOIN test_results r ON r.test_id = t.id
		WHERE r.order_id = ?`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order tests: %w", err)
	}
	defer rows.Close()

	out := map[int64]LabTest{}
	for rows.Next() {
		var lt LabTest
		if err := rows.Scan(&lt.ID, &lt.Code, &lt.Name, &lt.SampleID, &lt.Units); err != nil {
			return nil, fmt.Errorf("scan lab test: %w", err)
		}
		out[lt.ID] = lt
	}
	return out, rows.Err()
}

// OrderSummary counts the results of an order by classification.
func (s *Service) OrderSummary(ctx context.Context, orderID int64) (OrderSummary, error) {
	report, err := s.OrderReport(ctx, orderID)
	if err != nil {
		return OrderSummary{}, err
	}

	sum := OrderSummary{OrderID: orderID, Total: len(report.Lines)}
	for _, l := range report.Lines {
		switch l.Status {
		case clinical.StatusPending:
			sum.Pending++
			continue
		case clinical.StatusNormal:
			sum.Normal++
		case clinical.StatusAbnormal:
			sum.Abnormal++
		case clinical.StatusCritical:
			sum.Abnormal++
			sum.Critical++
		case clinical.StatusNoRange:
			sum.NoRange++
		}
		sum.Completed++
	}
	if sum.Total > 0 {
		sum.CompletionPercent = float64(sum.Completed) * 100 / float64(sum.Total)
	}
	return sum, nil
}

// RequiredTubes lists the specimen containers to draw for an order, one
// per sample type.
func (s *Service) RequiredTubes(ctx context.Context, orderID int64) ([]Tube, error) {
	q := s.runner.Store()
	if err := mustExist(ctx, q, "orders", "order", orderID); err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT st.id, st.name, st.container_color, COUNT(*)
		FROM test_results r
		JOIN lab_tests t ON t.id = r.test_id
		JOIN sample_types st ON st.id = t.sample_id
		WHERE r.order_id = ?
		GROUP BY st.id, st.name, st.container_color
		ORDER BY st.name`, orderID)
	if err != nil {
		return nil, fmt.Errorf("required tubes: %w", err)
	}
	defer rows.Close()

	var tubes []Tube
	for rows.Next() {
		var t Tube
		if err := rows.Scan(&t.SampleTypeID, &t.SampleName, &t.ContainerColor, &t.TestCount); err != nil {
			return nil, fmt.Errorf("scan tube: %w", err)
		}
		tubes = append(tubes, t)
	}
	return tubes, rows.Err()
}
