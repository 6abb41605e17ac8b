package lab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/clinical"
	"github.com/biolis/go-lis/internal/guard"
	"github.com/biolis/go-lis/internal/sequence"
	"github.com/biolis/go-lis/internal/storage"
	"github.com/biolis/go-lis/internal/testutil"
)

var clock = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return clock }

type fixture struct {
	svc     *Service
	store   storage.Store
	patient Patient
	doctor  Doctor
	serum   SampleType
	blood   SampleType
	glucose LabTest // range [10, 20] for everyone
	hgb     LabTest // Female 18-65 [12, 15.5], Any 0-120 [11, 17]
	bare    LabTest // no ranges
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.OpenStore(t)
	runner := testutil.Runner(store)
	svc := NewService(Deps{
		Runner:    runner,
		Allocator: sequence.New(runner, sequence.Config{Location: time.UTC, Now: fixedNow}, nil, nil),
		Guard:     guard.New(runner, nil, nil),
		Resolver:  clinical.NewResolver(store, clinical.Config{Location: time.UTC, Now: fixedNow}, nil),
		Now:       fixedNow,
	}, nil)

	ctx := context.Background()
	f := &fixture{svc: svc, store: store}
	var err error

	f.patient, err = svc.CreatePatient(ctx, NewPatient{
		FirstName: "Ana", LastName: "Ruiz", Sex: "F",
		BirthDate: time.Date(1990, 1, 10, 0, 0, 0, 0, time.UTC),
	})
	must(t, err)
	f.doctor, err = svc.CreateDoctor(ctx, NewDoctor{FirstName: "Luis", LastName: "Mora", LicenseNumber: "MED-100"})
	must(t, err)
	f.serum, err = svc.CreateSampleType(ctx, SampleType{Name: "Serum", ContainerColor: "Red"})
	must(t, err)
	f.blood, err = svc.CreateSampleType(ctx, SampleType{Name: "Whole blood", ContainerColor: "Lavender"})
	must(t, err)

	f.glucose, err = svc.CreateLabTest(ctx, LabTest{Code: "glu", Name: "Glucose", SampleID: f.serum.ID, Units: "mg/dL"})
	must(t, err)
	f.hgb, err = svc.CreateLabTest(ctx, LabTest{Code: "HGB", Name: "Hemoglobin", SampleID: f.blood.ID, Units: "g/dL"})
	must(t, err)
	f.bare, err = svc.CreateLabTest(ctx, LabTest{Code: "XYZ", Name: "Research marker", SampleID: f.serum.ID})
	must(t, err)

	addRange(t, svc, f.glucose.ID, clinical.SexAny, 0, 120, "10", "20")
	addRange(t, svc, f.hgb.ID, clinical.SexFemale, 18, 65, "12", "15.5")
	addRange(t, svc, f.hgb.ID, clinical.SexAny, 0, 120, "11", "17")
	return f
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func addRange(t *testing.T, svc *Service, testID int64, sex clinical.Sex, minAge, maxAge int, lo, hi string) clinical.ReferenceRange {
	t.Helper()
	rr, err := svc.AddReferenceRange(context.Background(), clinical.ReferenceRange{
		TestID: testID, Sex: sex, MinAge: minAge, MaxAge: maxAge,
		Min: decimal.RequireFromString(lo), Max: decimal.RequireFromString(hi),
	})
	must(t, err)
	return rr
}

func value(s string) ResultInput {
	return ResultInput{Value: decimal.NewNullDecimal(decimal.RequireFromString(s))}
}

func (f *fixture) order(t *testing.T, tests ...int64) Order {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), NewOrder{PatientID: f.patient.ID, DoctorID: f.doctor.ID, TestIDs: tests})
	must(t, err)
	return o
}

func (f *fixture) count(t *testing.T, q string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := f.store.QueryRow(context.Background(), q, args...).Scan(&n); err != nil {
		t.Fatalf("%s: %v", q, err)
	}
	return n
}

func TestCreateOrderAllocatesNumbersAndPendingResults(t *testing.T) {
	f := newFixture(t)

	o := f.order(t, f.glucose.ID, f.hgb.ID)
	if o.ID != 1 || o.OrderNumber != "ORD-20240615-0001" {
		t.Errorf("first order = %d %s, want 1 ORD-20240615-0001", o.ID, o.OrderNumber)
	}
	if len(o.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(o.Results))
	}
	for i, r := range o.Results {
		if r.ID != int64(i+1) || r.Value.Valid || r.IsAbnormal || r.Status != clinical.StatusPending {
			t.Errorf("result %d = %+v, want pending id %d", i, r, i+1)
		}
	}

	second := f.order(t, f.glucose.ID)
	if second.OrderNumber != "ORD-20240615-0002" || second.Results[0].ID != 3 {
		t.Errorf("second order = %s result %d", second.OrderNumber, second.Results[0].ID)
	}

	got, err := f.svc.GetOrderByNumber(context.Background(), "ORD-20240615-0002")
	must(t, err)
	if got.ID != second.ID || len(got.Results) != 1 {
		t.Errorf("GetOrderByNumber = %+v", got)
	}
}

func TestCreateOrderRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   NewOrder
		want error
	}{
		{"no tests", NewOrder{PatientID: f.patient.ID, DoctorID: f.doctor.ID}, apperr.ErrInvalidInput},
		{"duplicate test", NewOrder{PatientID: f.patient.ID, DoctorID: f.doctor.ID, TestIDs: []int64{f.glucose.ID, f.glucose.ID}}, apperr.ErrInvalidInput},
		{"unknown patient", NewOrder{PatientID: 99, DoctorID: f.doctor.ID, TestIDs: []int64{f.glucose.ID}}, apperr.ErrNotFound},
		{"unknown doctor", NewOrder{PatientID: f.patient.ID, DoctorID: 99, TestIDs: []int64{f.glucose.ID}}, apperr.ErrNotFound},
		{"unknown test", NewOrder{PatientID: f.patient.ID, DoctorID: f.doctor.ID, TestIDs: []int64{f.glucose.ID, 99}}, apperr.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.CreateOrder(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if n := f.count(t, "SELECT COUNT(*) FROM orders"); n != 0 {
		t.Errorf("orders = %d after failed creates, want 0", n)
	}
	if n := f.count(t, "SELECT COUNT(*) FROM test_results"); n != 0 {
		t.Errorf("results = %d after failed creates, want 0", n)
	}
}

func TestRecordResultClassifies(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, f.glucose.ID)
	id := o.Results[0].ID

	cases := []struct {
		value    string
		status   clinical.Status
		abnormal bool
	}{
		{"15", clinical.StatusNormal, false},
		{"10", clinical.StatusNormal, false},
		{"20", clinical.StatusNormal, false},
		{"21", clinical.StatusAbnormal, true},
		{"22", clinical.StatusAbnormal, true},
		{"22.1", clinical.StatusCritical, true},
		{"8", clinical.StatusAbnormal, true},
		{"7.9", clinical.StatusCritical, true},
	}
	for _, tc := range cases {
		r, err := f.svc.RecordResult(context.Background(), id, value(tc.value))
		must(t, err)
		if r.Status != tc.status || r.IsAbnormal != tc.abnormal {
			t.Errorf("value %s: status %s abnormal %v, want %s %v", tc.value, r.Status, r.IsAbnormal, tc.status, tc.abnormal)
		}
		stored := f.count(t, "SELECT COUNT(*) FROM test_results WHERE id = ? AND is_abnormal = ?", id, tc.abnormal)
		if stored != 1 {
			t.Errorf("value %s: stored flag does not match %v", tc.value, tc.abnormal)
		}
	}
}

func TestCorrectionReclassifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, f.glucose.ID)
	id := o.Results[0].ID

	r, err := f.svc.RecordResult(ctx, id, ResultInput{Value: decimal.NewNullDecimal(decimal.NewFromInt(25)), Notes: "hemolyzed"})
	must(t, err)
	if !r.IsAbnormal {
		t.Fatalf("25 should be abnormal")
	}

	r, err = f.svc.RecordResult(ctx, id, value("15"))
	must(t, err)
	if r.IsAbnormal || r.Notes != "hemolyzed" {
		t.Errorf("after correction: abnormal %v notes %q, want false and kept notes", r.IsAbnormal, r.Notes)
	}

	r, err = f.svc.RecordResult(ctx, id, ResultInput{})
	must(t, err)
	if r.Status != clinical.StatusPending || r.IsAbnormal || r.Value.Valid {
		t.Errorf("cleared result = %+v, want pending", r)
	}

	got, err := f.svc.GetOrder(ctx, o.ID)
	must(t, err)
	if got.Results[0].Value.Valid || got.Results[0].IsAbnormal {
		t.Errorf("stored result = %+v, want cleared", got.Results[0])
	}
}

func TestSexSpecificRangeWins(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, f.hgb.ID)

	// 16 is inside the Any range but above the Female 18-65 one.
	r, err := f.svc.RecordResult(context.Background(), o.Results[0].ID, value("16"))
	must(t, err)
	if r.Status != clinical.StatusAbnormal {
		t.Errorf("status = %s, want abnormal against the female range", r.Status)
	}
}

func TestResultWithoutRange(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, f.bare.ID)

	r, err := f.svc.RecordResult(context.Background(), o.Results[0].ID, value("1000"))
	must(t, err)
	if r.Status != clinical.StatusNoRange || r.IsAbnormal {
		t.Errorf("result = %s abnormal %v, want no_range and not abnormal", r.Status, r.IsAbnormal)
	}
}

func TestCriticalResultWritesOutboxEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, f.glucose.ID)
	id := o.Results[0].ID
	entries := func() int64 {
		return f.count(t, "SELECT COUNT(*) FROM outbox WHERE kafka_topic = ?", CriticalResultTopic)
	}

	_, err := f.svc.RecordResult(ctx, id, value("30"))
	must(t, err)
	if n := entries(); n != 1 {
		t.Fatalf("outbox entries = %d, want 1", n)
	}

	var payload []byte
	if err := f.store.QueryRow(ctx, "SELECT payload FROM outbox WHERE kafka_topic = ?", CriticalResultTopic).Scan(&payload); err != nil {
		t.Fatal(err)
	}
	var ev CriticalResultEvent
	must(t, json.Unmarshal(payload, &ev))
	if ev.OrderNumber != o.OrderNumber || ev.Value != "30" || ev.ReferenceRange != "10 - 20" || ev.PatientID != f.patient.ID {
		t.Errorf("event = %+v", ev)
	}

	_, err = f.svc.RecordResult(ctx, id, value("30"))
	must(t, err)
	if n := entries(); n != 1 {
		t.Errorf("rewriting the same critical value added an entry: %d", n)
	}

	_, err = f.svc.RecordResult(ctx, id, value("31"))
	must(t, err)
	_, err = f.svc.RecordResult(ctx, id, value("15"))
	must(t, err)
	if n := entries(); n != 2 {
		t.Errorf("outbox entries = %d, want 2", n)
	}
}

func TestAddResultAndRecordByOrderNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, f.glucose.ID)

	added, err := f.svc.AddResult(ctx, o.ID, f.hgb.ID, value("13"))
	must(t, err)
	if added.Status != clinical.StatusNormal || added.OrderID != o.ID {
		t.Errorf("added = %+v", added)
	}

	again, err := f.svc.AddResult(ctx, o.ID, f.hgb.ID, value("9"))
	must(t, err)
	if again.ID != added.ID || !again.IsAbnormal {
		t.Errorf("second AddResult = %+v, want update of %d", again, added.ID)
	}

	r, err := f.svc.RecordResultByOrderNumber(ctx, o.OrderNumber, f.glucose.ID, value("12"))
	must(t, err)
	if r.ID != o.Results[0].ID || r.Status != clinical.StatusNormal {
		t.Errorf("by order number = %+v", r)
	}

	if _, err := f.svc.RecordResultByOrderNumber(ctx, "ORD-20240615-0099", f.glucose.ID, value("12")); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown order: %v, want not found", err)
	}
	if _, err := f.svc.AddResult(ctx, 99, f.glucose.ID, value("12")); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("AddResult unknown order: %v, want not found", err)
	}
	if _, err := f.svc.RecordResult(ctx, 999, value("1")); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("RecordResult unknown id: %v, want not found", err)
	}
}

func TestOrderReportAndSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, f.glucose.ID, f.hgb.ID, f.bare.ID)

	_, err := f.svc.RecordResult(ctx, o.Results[0].ID, value("40"))
	must(t, err)
	_, err = f.svc.RecordResult(ctx, o.Results[2].ID, value("3"))
	must(t, err)

	report, err := f.svc.OrderReport(ctx, o.ID)
	must(t, err)
	if report.PatientName != "Ana Ruiz" || report.DoctorName != "Luis Mora" || report.PatientAge != 34 {
		t.Errorf("report header = %q %q %d", report.PatientName, report.DoctorName, report.PatientAge)
	}
	if len(report.Lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(report.Lines))
	}
	if l := report.Lines[0]; l.TestCode != "GLU" || l.Status != clinical.StatusCritical || l.ReferenceRange != "10 - 20" {
		t.Errorf("glucose line = %+v", l)
	}
	if l := report.Lines[1]; l.Status != clinical.StatusPending || l.ReferenceRange != "12 - 15.5" {
		t.Errorf("hemoglobin line = %+v", l)
	}

	sum, err := f.svc.OrderSummary(ctx, o.ID)
	must(t, err)
	want := OrderSummary{OrderID: o.ID, Total: 3, Completed: 2, Pending: 1, Abnormal: 1, Critical: 1, NoRange: 1, CompletionPercent: 200.0 / 3}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}

	if _, err := f.svc.OrderReport(ctx, 42); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing order report: %v", err)
	}
}

func TestRequiredTubes(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, f.glucose.ID, f.hgb.ID, f.bare.ID)

	tubes, err := f.svc.RequiredTubes(context.Background(), o.ID)
	must(t, err)
	if len(tubes) != 2 {
		t.Fatalf("tubes = %+v, want 2", tubes)
	}
	if tubes[0].SampleName != "Serum" || tubes[0].TestCount != 2 || tubes[0].ContainerColor != "Red" {
		t.Errorf("serum tube = %+v", tubes[0])
	}
	if tubes[1].SampleName != "Whole blood" || tubes[1].TestCount != 1 {
		t.Errorf("blood tube = %+v", tubes[1])
	}

	if _, err := f.svc.RequiredTubes(context.Background(), 77); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing order: %v", err)
	}
}

func TestGuardedDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, f.glucose.ID)

	var blocked *apperr.BlockedError
	d, err := f.svc.DeleteOrder(ctx, o.ID)
	if !errors.As(err, &blocked) || d.BlockingCount != 1 {
		t.Fatalf("DeleteOrder = %+v, %v; want blocked by one result", d, err)
	}
	if _, err := f.svc.DeletePatient(ctx, f.patient.ID); !errors.Is(err, apperr.ErrBlocked) {
		t.Errorf("DeletePatient: %v, want blocked", err)
	}
	if _, err := f.svc.DeleteLabTest(ctx, f.glucose.ID); !errors.Is(err, apperr.ErrBlocked) {
		t.Errorf("DeleteLabTest: %v, want blocked", err)
	}
	if _, err := f.svc.DeleteSampleType(ctx, f.serum.ID); !errors.Is(err, apperr.ErrBlocked) {
		t.Errorf("DeleteSampleType: %v, want blocked", err)
	}

	must(t, f.svc.DeleteResult(ctx, o.Results[0].ID))
	if err := f.svc.DeleteResult(ctx, o.Results[0].ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second DeleteResult: %v, want not found", err)
	}

	d, err = f.svc.DeleteOrder(ctx, o.ID)
	must(t, err)
	if !d.Allowed {
		t.Errorf("DeleteOrder after clearing results = %+v", d)
	}
	_, err = f.svc.DeletePatient(ctx, f.patient.ID)
	must(t, err)
	_, err = f.svc.DeleteDoctor(ctx, f.doctor.ID)
	must(t, err)
}

func TestDeleteReferenceRangeKeepsStoredFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, f.bare.ID)
	rr := addRange(t, f.svc, f.bare.ID, clinical.SexAny, 0, 120, "1", "2")

	r, err := f.svc.RecordResult(ctx, o.Results[0].ID, value("5"))
	must(t, err)
	if !r.IsAbnormal {
		t.Fatalf("5 against [1, 2] should be abnormal")
	}

	must(t, f.svc.DeleteReferenceRange(ctx, rr.ID))
	got, err := f.svc.GetOrder(ctx, o.ID)
	must(t, err)
	if !got.Results[0].IsAbnormal {
		t.Errorf("flag changed without a write")
	}

	r, err = f.svc.RecordResult(ctx, o.Results[0].ID, value("5"))
	must(t, err)
	if r.IsAbnormal || r.Status != clinical.StatusNoRange {
		t.Errorf("rewrite after range removal = %s abnormal %v", r.Status, r.IsAbnormal)
	}
}

func TestCreatePatientValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := []NewPatient{
		{FirstName: "A", LastName: "B", Sex: "A", BirthDate: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)},
		{FirstName: "A", LastName: "B", Sex: "M", BirthDate: clock.AddDate(0, 0, 1)},
		{FirstName: "", LastName: "B", Sex: "M", BirthDate: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)},
		{FirstName: "A", LastName: "B", Sex: "F"},
	}
	for i, np := range bad {
		if _, err := f.svc.CreatePatient(ctx, np); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("case %d: %v, want invalid input", i, err)
		}
	}

	p, err := f.svc.CreatePatient(ctx, NewPatient{FirstName: "Juan", LastName: "Soto", Sex: "male", BirthDate: time.Date(1970, 3, 3, 0, 0, 0, 0, time.UTC)})
	must(t, err)
	if p.ID != f.patient.ID+1 || p.Sex != clinical.SexMale {
		t.Errorf("patient = %+v", p)
	}

	if _, err := f.svc.CreateDoctor(ctx, NewDoctor{FirstName: "X", LastName: "Y", LicenseNumber: "MED-100"}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate license: %v, want conflict", err)
	}
}

func TestSyncReferenceCatalogIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := DefaultCatalog()

	first, err := f.svc.SyncReferenceCatalog(ctx, def)
	must(t, err)
	// Serum and Whole blood exist already; GLU and HGB keep their ranges.
	if first.SampleTypes != len(def.SampleTypes)-2 || first.LabTests != len(def.Tests)-2 {
		t.Errorf("first sync = %+v", first)
	}
	if first.Ranges == 0 {
		t.Errorf("first sync added no ranges")
	}
	if n := f.count(t, "SELECT COUNT(*) FROM reference_ranges WHERE test_id = ?", f.glucose.ID); n != 1 {
		t.Errorf("glucose ranges = %d, want the existing one only", n)
	}

	second, err := f.svc.SyncReferenceCatalog(ctx, def)
	must(t, err)
	if second != (SyncResult{}) {
		t.Errorf("second sync = %+v, want no changes", second)
	}
}
