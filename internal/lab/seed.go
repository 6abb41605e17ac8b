package lab

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/clinical"
	"github.com/biolis/go-lis/internal/sequence"
	"github.com/biolis/go-lis/internal/storage"
)

// RangeDefinition is a reference range in the built-in catalog.
type RangeDefinition struct {
	Sex    clinical.Sex
	MinAge int
	MaxAge int
	Min    string
	Max    string
}

// TestDefinition is a lab test in the built-in catalog.
type TestDefinition struct {
	Code   string
	Name   string
	Sample string
	Units  string
	Ranges []RangeDefinition
}

// CatalogDefinition is the full built-in catalog.
type CatalogDefinition struct {
	SampleTypes []SampleType
	Tests       []TestDefinition
}

// DefaultCatalog returns the catalog a new laboratory starts with.
func DefaultCatalog() CatalogDefinition {
	return CatalogDefinition{
		SampleTypes: []SampleType{
			{Name: "Whole blood", ContainerColor: "Lavender", Description: "EDTA tube"},
			{Name: "Serum", ContainerColor: "Red", Description: "Clot activator tube"},
			{Name: "Plasma", ContainerColor: "Light blue", Description: "Sodium citrate tube"},
			{Name: "Urine", ContainerColor: "Yellow", Description: "Sterile cup"},
		},
		Tests: []TestDefinition{
			{Code: "HGB", Name: "Hemoglobin", Sample: "Whole blood", Units: "g/dL", Ranges: []RangeDefinition{
				{Sex: clinical.SexAny, MinAge: 0, MaxAge: 17, Min: "11.0", Max: "15.5"},
				{Sex: clinical.SexMale, MinAge: 18, MaxAge: 120, Min: "13.5", Max: "17.5"},
				{Sex: clinical.SexFemale, MinAge: 18, MaxAge: 120, Min: "12.0", Max: "15.5"},
			}},
			{Code: "WBC", Name: "White blood cells", Sample: "Whole blood", Units: "10^3/uL", Ranges: []RangeDefinition{
				{Sex: clinical.SexAny, MinAge: 0, MaxAge: 17, Min: "4.5", Max: "13.0"},
				{Sex: clinical.SexAny, MinAge: 18, MaxAge: 120, Min: "4.5", Max: "11.0"},
			}},
			{Code: "PLT", Name: "Platelets", Sample: "Whole blood", Units: "10^3/uL", Ranges: []RangeDefinition{
				{Sex: clinical.SexAny, MinAge: 0, MaxAge: 120, Min: "150", Max: "450"},
			}},
			{Code: "GLU", Name: "Glucose", Sample: "Serum", Units: "mg/dL", Ranges: []RangeDefinition{
				{Sex: clinical.SexAny, MinAge: 0, MaxAge: 120, Min: "70", Max: "100"},
			}},
			{Code: "CREA", Name: "Creatinine", Sample: "Serum", Units: "mg/dL", Ranges: []RangeDefinition{
				{Sex: clinical.SexMale, MinAge: 18, MaxAge: 120, Min: "0.74", Max: "1.35"},
				{Sex: clinical.SexFemale, MinAge: 18, MaxAge: 120, Min: "0.59", Max: "1.04"},
			}},
			{Code: "CHOL", Name: "Total cholesterol", Sample: "Serum", Units: "mg/dL", Ranges: []RangeDefinition{
				{Sex: clinical.SexAny, MinAge: 18, MaxAge: 120, Min: "125", Max: "200"},
			}},
			{Code: "PT", Name: "Prothrombin time", Sample: "Plasma", Units: "s", Ranges: []RangeDefinition{
				{Sex: clinical.SexAny, MinAge: 0, MaxAge: 120, Min: "11", Max: "13.5"},
			}},
			{Code: "UPH", Name: "Urine pH", Sample: "Urine", Ranges: []RangeDefinition{
				{Sex: clinical.SexAny, MinAge: 0, MaxAge: 120, Min: "4.5", Max: "8.0"},
			}},
		},
	}
}

// SyncResult counts what SyncReferenceCatalog inserted.
type SyncResult struct {
	SampleTypes int `json:"sample_types"`
	LabTests    int `json:"lab_tests"`
	Ranges      int `json:"ranges"`
}

// SyncReferenceCatalog inserts the parts of def missing from the store.
// Sample types match by name and tests by code. Ranges are only added to
// tests that have none, so edits made by the laboratory survive.
func (s *Service) SyncReferenceCatalog(ctx context.Context, def CatalogDefinition) (SyncResult, error) {
	s.logger.Info("syncing reference catalog",
		zap.Int("sample_types", len(def.SampleTypes)),
		zap.Int("tests", len(def.Tests)))

	var res SyncResult
	err := s.runner.InTx(ctx, "sync_catalog", func(ctx context.Context, tx storage.Tx) error {
		res = SyncResult{}

		samples := make(map[string]int64, len(def.SampleTypes))
		for _, st := range def.SampleTypes {
			id, created, err := s.ensureSampleType(ctx, tx, st)
			if err != nil {
				return err
			}
			samples[st.Name] = id
			if created {
				res.SampleTypes++
			}
		}

		for _, td := range def.Tests {
			sampleID, ok := samples[td.Sample]
			if !ok {
				return fmt.Errorf("test %s: sample type %q is not in the catalog", td.Code, td.Sample)
			}
			testID, created, err := s.ensureLabTest(ctx, tx, LabTest{Code: td.Code, Name: td.Name, SampleID: sampleID, Units: td.Units})
			if err != nil {
				return err
			}
			if created {
				res.LabTests++
			}
			n, err := s.ensureRanges(ctx, tx, testID, td)
			if err != nil {
				return err
			}
			res.Ranges += n
		}
		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}

	s.logger.Info("reference catalog synced",
		zap.Int("sample_types_added", res.SampleTypes),
		zap.Int("tests_added", res.LabTests),
		zap.Int("ranges_added", res.Ranges))
	return res, nil
}

func (s *Service) ensureSampleType(ctx context.Context, tx storage.Tx, st SampleType) (int64, bool, error) {
	var id int64
	err := tx.QueryRow(ctx, "SELECT id FROM sample_types WHERE name = ?", st.Name).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, storage.ErrNoRows) {
		return 0, false, fmt.Errorf("find sample type: %w", err)
	}
	if id, err = s.allocator.NextID(ctx, tx, sequence.SampleTypes); err != nil {
		return 0, false, err
	}
	if err := insertSampleType(ctx, tx, id, st); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *Service) ensureLabTest(ctx context.Context, tx storage.Tx, lt LabTest) (int64, bool, error) {
	var id int64
	err := tx.QueryRow(ctx, "SELECT id FROM lab_tests WHERE code = ?", lt.Code).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, storage.ErrNoRows) {
		return 0, false, fmt.Errorf("find lab test: %w", err)
	}
	if id, err = s.allocator.NextID(ctx, tx, sequence.LabTests); err != nil {
		return 0, false, err
	}
	if err := insertLabTest(ctx, tx, id, lt); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *Service) ensureRanges(ctx context.Context, tx storage.Tx, testID int64, td TestDefinition) (int, error) {
	var n int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM reference_ranges WHERE test_id = ?", testID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ranges: %w", err)
	}
	if n > 0 {
		return 0, nil
	}

	for _, rd := range td.Ranges {
		rr := clinical.ReferenceRange{TestID: testID, Sex: rd.Sex, MinAge: rd.MinAge, MaxAge: rd.MaxAge}
		var err error
		if rr.Min, err = decimal.NewFromString(rd.Min); err != nil {
			return 0, fmt.Errorf("test %s: range minimum %q: %w", td.Code, rd.Min, err)
		}
		if rr.Max, err = decimal.NewFromString(rd.Max); err != nil {
			return 0, fmt.Errorf("test %s: range maximum %q: %w", td.Code, rd.Max, err)
		}
		if err := rr.Validate(); err != nil {
			return 0, fmt.Errorf("test %s: %w", td.Code, err)
		}
		id, err := s.allocator.NextID(ctx, tx, sequence.ReferenceRanges)
		if err != nil {
			return 0, err
		}
		if err := insertReferenceRange(ctx, tx, id, rr); err != nil {
			return 0, err
		}
	}
	return len(td.Ranges), nil
}
