package clinical

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/storage"
)

// Subject is the patient data range resolution depends on.
type Subject struct {
	PatientID int64
	Sex       Sex
	BirthDate time.Time
}

// Config holds resolver configuration.
type Config struct {
	// Location is used to decide today's date when computing ages.
	Location *time.Location
	Now      func() time.Time
}

// DefaultConfig returns UTC with the wall clock.
func DefaultConfig() Config {
	return Config{Location: time.UTC, Now: time.Now}
}

// Resolver loads candidate ranges from the store and applies SelectRange.
type Resolver struct {
	store  storage.Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewResolver creates a Resolver.
func NewResolver(store storage.Store, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("clinical"),
	}
}

// Age returns the subject's age today.
func (r *Resolver) Age(s Subject) int {
	return AgeAt(s.BirthDate, r.config.Now().In(r.config.Location))
}

// ResolveRange returns the range that applies to testID, sex and age. It
// returns apperr.ErrNotFound when no range covers them.
func (r *Resolver) ResolveRange(ctx context.Context, testID int64, sex Sex, age int) (ReferenceRange, error) {
	return r.ResolveRangeTx(ctx, r.store, testID, sex, age)
}

// ResolveRangeTx is ResolveRange on a caller-supplied querier.
func (r *Resolver) ResolveRangeTx(ctx context.Context, q storage.Querier, testID int64, sex Sex, age int) (ReferenceRange, error) {
	if sex != SexMale && sex != SexFemale {
		return ReferenceRange{}, apperr.Invalid("sex must be M or F, got %q", sex)
	}
	if age < 0 {
		return ReferenceRange{}, apperr.Invalid("age %d is negative", age)
	}

	ctx, span := r.tracer.Start(ctx, "resolve_reference_range",
		trace.WithAttributes(
			attribute.Int64("test_id", testID),
			attribute.String("sex", string(sex)),
			attribute.Int("age", age)))
	defer span.End()

	candidates, err := CandidateRanges(ctx, q, testID, sex, age)
	if err != nil {
		span.RecordError(err)
		return ReferenceRange{}, err
	}

	rng, ok := SelectRange(candidates, testID, sex, age)
	if !ok {
		return ReferenceRange{}, fmt.Errorf("reference range for test %d, sex %s, age %d: %w", testID, sex, age, apperr.ErrNotFound)
	}
	span.SetAttributes(attribute.Int64("range_id", rng.ID))
	return rng, nil
}

// LoadSubject reads the patient's sex and birth date. A nil q reads
// from the store.
func (r *Resolver) LoadSubject(ctx context.Context, q storage.Querier, patientID int64) (Subject, error) {
	if q == nil {
		q = r.store
	}
	var (
		sex   string
		birth time.Time
	)
	err := q.QueryRow(ctx, "SELECT sex, birth_date FROM patients WHERE id = ?", patientID).Scan(&sex, &birth)
	if errors.Is(err, storage.ErrNoRows) {
		return Subject{}, apperr.NotFound("patient", patientID)
	}
	if err != nil {
		return Subject{}, fmt.Errorf("load patient %d: %w", patientID, err)
	}
	s, err := ParsePatientSex(sex)
	if err != nil {
		return Subject{}, fmt.Errorf("patient %d: %w", patientID, err)
	}
	return Subject{PatientID: patientID, Sex: s, BirthDate: birth}, nil
}

// ResolveForPatient resolves the range for a stored patient's current age.
func (r *Resolver) ResolveForPatient(ctx context.Context, q storage.Querier, patientID, testID int64) (ReferenceRange, error) {
	if q == nil {
		q = r.store
	}
	s, err := r.LoadSubject(ctx, q, patientID)
	if err != nil {
		return ReferenceRange{}, err
	}
	age := r.Age(s)
	if age < 0 {
		return ReferenceRange{}, apperr.Invalid("patient %d has a birth date in the future", patientID)
	}
	return r.ResolveRangeTx(ctx, q, testID, s.Sex, age)
}

const rangeColumns = "id, test_id, sex, min_age, max_age, CAST(min_value AS TEXT), CAST(max_value AS TEXT)"

// CandidateRanges loads the ranges of testID that cover sex and age.
func CandidateRanges(ctx context.Context, q storage.Querier, testID int64, sex Sex, age int) ([]ReferenceRange, error) {
	rows, err := q.Query(ctx,
		"SELECT "+rangeColumns+" FROM reference_ranges WHERE test_id = ? AND min_age <= ? AND max_age >= ? AND sex IN (?, 'A')",
		testID, age, age, string(sex))
	if err != nil {
		return nil, fmt.Errorf("query reference ranges: %w", err)
	}
	return scanRanges(rows)
}

// RangesForTest loads every range defined for testID ordered by ID.
func RangesForTest(ctx context.Context, q storage.Querier, testID int64) ([]ReferenceRange, error) {
	rows, err := q.Query(ctx,
		"SELECT "+rangeColumns+" FROM reference_ranges WHERE test_id = ? ORDER BY id", testID)
	if err != nil {
		return nil, fmt.Errorf("query reference ranges: %w", err)
	}
	return scanRanges(rows)
}

func scanRanges(rows storage.Rows) ([]ReferenceRange, error) {
	defer rows.Close()

	var out []ReferenceRange
	for rows.Next() {
		var (
			rr       ReferenceRange
			sex      string
			min, max string
		)
		if err := rows.Scan(&rr.ID, &rr.TestID, &sex, &rr.MinAge, &rr.MaxAge, &min, &max); err != nil {
			return nil, fmt.Errorf("scan reference range: %w", err)
		}
		rr.Sex = Sex(sex)
		var err error
		if rr.Min, err = decimal.NewFromString(min); err != nil {
			return nil, fmt.Errorf("reference range %d min: %w", rr.ID, err)
		}
		if rr.Max, err = decimal.NewFromString(max); err != nil {
			return nil, fmt.Errorf("reference range %d max: %w", rr.ID, err)
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}
