package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/storage"
	"github.com/biolis/go-lis/internal/testutil"
)

func setup(t *testing.T) (*Guard, storage.Store) {
	t.Helper()
	return setupOn(t, testutil.OpenStore(t))
}

func setupOn(t *testing.T, store storage.Store) (*Guard, storage.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	birth := time.Date(1985, 6, 1, 0, 0, 0, 0, time.UTC)

	exec := func(q string, args ...any) {
		t.Helper()
		if _, err := store.Exec(ctx, q, args...); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}
	exec(`INSERT INTO patients (id, first_name, last_name, sex, birth_date, created_at) VALUES (1, 'Ana', 'Ruiz', 'F', ?, ?)`, birth, now)
	exec(`INSERT INTO patients (id, first_name, last_name, sex, birth_date, created_at) VALUES (2, 'Juan', 'Soto', 'M', ?, ?)`, birth, now)
	exec(`INSERT INTO doctors (id, first_name, last_name, created_at) VALUES (1, 'Luis', 'Mora', ?)`, now)
	exec(`INSERT INTO sample_types (id, name, container_color) VALUES (1, 'Serum', 'Red')`)
	exec(`INSERT INTO lab_tests (id, code, name, sample_id, units) VALUES (1, 'GLU', 'Glucose', 1, 'mg/dL')`)

	return New(testutil.Runner(store), nil, nil), store
}

func addOrder(t *testing.T, store storage.Store, id, patientID int64) {
	t.Helper()
	_, err := store.Exec(context.Background(),
		`INSERT INTO orders (id, order_number, patient_id, doctor_id, order_date) VALUES (?, ?, ?, 1, ?)`,
		id, fmt.Sprintf("ORD-20240101-%04d", id), patientID, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert order: %v", err)
	}
}

func TestCanDeleteAllowedThenBlocked(t *testing.T) {
	g, store := setup(t)
	ctx := context.Background()

	d, err := g.CanDelete(ctx, KindPatient, 1)
	if err != nil {
		t.Fatalf("CanDelete: %v", err)
	}
	if !d.Allowed || d.BlockingCount != 0 || d.Reason != "" {
		t.Errorf("fresh patient: %+v, want allowed", d)
	}

	addOrder(t, store, 1, 1)

	d, err = g.CanDelete(ctx, KindPatient, 1)
	if err != nil {
		t.Fatalf("CanDelete: %v", err)
	}
	if d.Allowed || d.BlockingCount != 1 {
		t.Fatalf("patient with order: %+v, want blocked with count 1", d)
	}
	if !strings.Contains(d.Reason, "1 orders") {
		t.Errorf("reason %q should name the blocking orders", d.Reason)
	}
}

func TestCanDeleteCombinesRules(t *testing.T) {
	g, store := setup(t)
	ctx := context.Background()
	addOrder(t, store, 1, 1)
	if _, err := store.Exec(ctx,
		`INSERT INTO reference_ranges (id, test_id, sex, min_age, max_age, min_value, max_value) VALUES (1, 1, 'A', 0, 120, '70', '110')`); err != nil {
		t.Fatalf("insert range: %v", err)
	}
	if _, err := store.Exec(ctx,
		`INSERT INTO test_results (id, order_id, test_id, is_abnormal, updated_at) VALUES (1, 1, 1, 0, ?)`, time.Now().UTC()); err != nil {
		t.Fatalf("insert result: %v", err)
	}

	d, err := g.CanDelete(ctx, KindLabTest, 1)
	if err != nil {
		t.Fatalf("CanDelete: %v", err)
	}
	if d.Allowed || d.BlockingCount != 2 {
		t.Fatalf("lab test: %+v, want blocked with count 2", d)
	}
	if !strings.Contains(d.Reason, "results") || !strings.Contains(d.Reason, "reference ranges") {
		t.Errorf("reason %q should mention both rules", d.Reason)
	}

	d, err = g.CanDelete(ctx, KindSampleType, 1)
	if err != nil {
		t.Fatalf("CanDelete: %v", err)
	}
	if d.Allowed || d.BlockingCount != 1 {
		t.Errorf("sample type: %+v, want blocked by 1 lab test", d)
	}
}

func TestDeleteBlockedAndAllowed(t *testing.T) {
	g, store := setup(t)
	ctx := context.Background()
	addOrder(t, store, 1, 1)

	d, err := g.Delete(ctx, KindPatient, 1)
	if !errors.Is(err, apperr.ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	var be *apperr.BlockedError
	if !errors.As(err, &be) || be.Count != 1 || be.Reason != d.Reason {
		t.Errorf("blocked error = %+v, decision = %+v", be, d)
	}

	if _, err := g.Delete(ctx, KindPatient, 2); err != nil {
		t.Fatalf("Delete free patient: %v", err)
	}
	var n int64
	if err := store.QueryRow(ctx, "SELECT COUNT(*) FROM patients WHERE id = 2").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("patient 2 still present")
	}
}

func TestUnknownKindAndMissingRow(t *testing.T) {
	g, _ := setup(t)
	ctx := context.Background()

	if _, err := g.CanDelete(ctx, Kind("Invoices"), 1); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("unknown kind: expected ErrInvalidInput, got %v", err)
	}
	if _, err := g.CanDelete(ctx, KindPatient, 404); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing patient: expected ErrNotFound, got %v", err)
	}
	if _, err := g.Delete(ctx, KindDoctor, 404); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing doctor: expected ErrNotFound, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("sampletypes")
	if err != nil || k != KindSampleType {
		t.Errorf("ParseKind = %q, %v", k, err)
	}
	if _, err := ParseKind("nope"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

// A delete racing a child insert must never leave the child dangling:
// either the delete is blocked or the insert fails.
func TestDeleteRacingChildInsert(t *testing.T) {
	for _, b := range testutil.Backends() {
		t.Run(b.Name, func(t *testing.T) {
			for round := 0; round < 10; round++ {
				raceDeleteAndInsert(t, b, round)
			}
		})
	}
}

func raceDeleteAndInsert(t *testing.T, b testutil.Backend, round int) {
	t.Helper()
	g, store := setupOn(t, b.Open(t))
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		deleteErr error
		insertErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, deleteErr = g.Delete(ctx, KindPatient, 1)
	}()
	go func() {
		defer wg.Done()
		_, insertErr = store.Exec(ctx,
			`INSERT INTO orders (id, order_number, patient_id, doctor_id, order_date) VALUES (1, 'ORD-20240101-0001', 1, 1, ?)`,
			time.Now().UTC())
	}()
	wg.Wait()

	switch {
	case deleteErr == nil && insertErr == nil:
		t.Fatalf("round %d: both delete and insert succeeded", round)
	case deleteErr != nil && !errors.Is(deleteErr, apperr.ErrBlocked):
		t.Fatalf("round %d: unexpected delete error %v", round, deleteErr)
	}

	var orphans int64
	err := store.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders o LEFT JOIN patients p ON p.id = o.patient_id WHERE p.id IS NULL`).Scan(&orphans)
	if err != nil {
		t.Fatalf("orphan check: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("round %d: %d orders reference a deleted patient", round, orphans)
	}
}
