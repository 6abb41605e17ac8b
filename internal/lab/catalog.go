package lab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/clinical"
	"github.com/biolis/go-lis/internal/guard"
	"github.com/biolis/go-lis/internal/sequence"
	"github.com/biolis/go-lis/internal/storage"
)

// CreateSampleType adds a specimen kind to the catalog.
func (s *Service) CreateSampleType(ctx context.Context, st SampleType) (SampleType, error) {
	st.Name = strings.TrimSpace(st.Name)
	st.ContainerColor = strings.TrimSpace(st.ContainerColor)
	if st.Name == "" || st.ContainerColor == "" {
		return SampleType{}, apperr.Invalid("sample type name and container color are required")
	}

	id, err := s.allocator.AllocateNextID(ctx, sequence.SampleTypes, func(ctx context.Context, tx storage.Tx, id int64) error {
		return insertSampleType(ctx, tx, id, st)
	})
	if err != nil {
		return SampleType{}, err
	}
	st.ID = id
	return st, nil
}

func insertSampleType(ctx context.Context, tx storage.Tx, id int64, st SampleType) error {
	var n int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM sample_types WHERE name = ?", st.Name).Scan(&n); err != nil {
		return fmt.Errorf("check sample type: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: sample type %q already exists", apperr.ErrConflict, st.Name)
	}
	_, err := tx.Exec(ctx,
		"INSERT INTO sample_types (id, name, container_color, description) VALUES (?, ?, ?, ?)",
		id, st.Name, st.ContainerColor, nullIfEmpty(st.Description))
	if err != nil {
		return fmt.Errorf("insert sample type: %w", err)
	}
	return nil
}

// ListSampleTypes returns the sample types ordered by id.
func (s *Service) ListSampleTypes(ctx context.Context) ([]SampleType, error) {
	rows, err := s.runner.Store().Query(ctx,
		"SELECT id, name, container_color, COALESCE(description, '') FROM sample_types ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list sample types: %w", err)
	}
	defer rows.Close()

	var out []SampleType
	for rows.Next() {
		var st SampleType
		if err := rows.Scan(&st.ID, &st.Name, &st.ContainerColor, &st.Description); err != nil {
			return nil, fmt.Errorf("scan sample type: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteSampleType deletes a sample type no test uses.
func (s *Service) DeleteSampleType(ctx context.Context, id int64) (guard.Decision, error) {
	return s.guard.Delete(ctx, guard.KindSampleType, id)
}

// CreateLabTest adds an orderable test.
func (s *Service) CreateLabTest(ctx context.Context, lt LabTest) (LabTest, error) {
	lt.Code = strings.ToUpper(strings.TrimSpace(lt.Code))
	lt.Name = strings.TrimSpace(lt.Name)
	if lt.Code == "" || lt.Name == "" {
		return LabTest{}, apperr.Invalid("test code and name are required")
	}

	id, err := s.allocator.AllocateNextID(ctx, sequence.LabTests, func(ctx context.Context, tx storage.Tx, id int64) error {
		return insertLabTest(ctx, tx, id, lt)
	})
	if err != nil {
		return LabTest{}, err
	}
	lt.ID = id
	return lt, nil
}

func insertLabTest(ctx context.Context, tx storage.Tx, id int64, lt LabTest) error {
	if err := mustExist(ctx, tx, "sample_types", "sample type", lt.SampleID); err != nil {
		return err
	}
	var n int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM lab_tests WHERE code = ?", lt.Code).Scan(&n); err != nil {
		return fmt.Errorf("check test code: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: test code %q already exists", apperr.ErrConflict, lt.Code)
	}
	_, err := tx.Exec(ctx,
		"INSERT INTO lab_tests (id, code, name, sample_id, units) VALUES (?, ?, ?, ?, ?)",
		id, lt.Code, lt.Name, lt.SampleID, nullIfEmpty(lt.Units))
	if err != nil {
		return fmt.Errorf("insert lab test: %w", err)
	}
	return nil
}

const labTestColumns = "id, code, name, sample_id, COALESCE(units, '')"

// GetLabTest loads one test.
func (s *Service) GetLabTest(ctx context.Context, id int64) (LabTest, error) {
	var lt LabTest
	err := s.runner.Store().QueryRow(ctx, "SELECT "+labTestColumns+" FROM lab_tests WHERE id = ?", id).
		Scan(&lt.ID, &lt.Code, &lt.Name, &lt.SampleID, &lt.Units)
	if errors.Is(err, storage.ErrNoRows) {
		return LabTest{}, apperr.NotFound("lab test", id)
	}
	if err != nil {
		return LabTest{}, fmt.Errorf("get lab test: %w", err)
	}
	return lt, nil
}

// ListLabTests returns the catalog ordered by id.
func (s *Service) ListLabTests(ctx context.Context) ([]LabTest, error) {
	rows, err := s.runner.Store().Query(ctx, "SELECT "+labTestColumns+" FROM lab_tests ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list lab tests: %w", err)
	}
	defer rows.Close()

	var out []LabTest
	for rows.Next() {
		var lt LabTest
		if err := rows.Scan(&lt.ID, &lt.Code, &lt.Name, &lt.SampleID, &lt.Units); err != nil {
			return nil, fmt.Errorf("scan lab test: %w", err)
		}
		out = append(out, lt)
	}
	return out, rows.Err()
}

// DeleteLabTest deletes a test that has no results and no ranges.
func (s *Service) DeleteLabTest(ctx context.Context, id int64) (guard.Decision, error) {
	return s.guard.Delete(ctx, guard.KindLabTest, id)
}

// AddReferenceRange validates rr and stores it under the next range id.
// Overlapping ranges are allowed; resolution picks the most specific.
func (s *Service) AddReferenceRange(ctx context.Context, rr clinical.ReferenceRange) (clinical.ReferenceRange, error) {
	sex, err := clinical.ParseSex(string(rr.Sex))
	if err != nil {
		return clinical.ReferenceRange{}, err
	}
	rr.Sex = sex
	if err := rr.Validate(); err != nil {
		return clinical.ReferenceRange{}, err
	}
	id, err := s.allocator.AllocateNextID(ctx, sequence.ReferenceRanges, func(ctx context.Context, tx storage.Tx, id int64) error {
		return insertReferenceRange(ctx, tx, id, rr)
	})
	if err != nil {
		return clinical.ReferenceRange{}, err
	}
	rr.ID = id
	s.logger.Info("reference range added",
		zap.Int64("range_id", id),
		zap.Int64("test_id", rr.TestID),
		zap.String("sex", string(rr.Sex)))
	return rr, nil
}

func insertReferenceRange(ctx context.Context, tx storage.Tx, id int64, rr clinical.ReferenceRange) error {
	if err := mustExist(ctx, tx, "lab_tests", "lab test", rr.TestID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO reference_ranges (id, test_id, sex, min_age, max_age, min_value, max_value)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, rr.TestID, string(rr.Sex), rr.MinAge, rr.MaxAge, rr.Min.String(), rr.Max.String())
	if err != nil {
		return fmt.Errorf("insert reference range: %w", err)
	}
	return nil
}

// ReferenceRanges lists the ranges of a test.
func (s *Service) ReferenceRanges(ctx context.Context, testID int64) ([]clinical.ReferenceRange, error) {
	return clinical.RangesForTest(ctx, s.runner.Store(), testID)
}

// DeleteReferenceRange removes a range. Stored abnormal flags are not
// rewritten; they change on the result's next write.
func (s *Service) DeleteReferenceRange(ctx context.Context, id int64) error {
	n, err := s.runner.Store().Exec(ctx, "DELETE FROM reference_ranges WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete reference range: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("reference range", id)
	}
	return nil
}

// mustExist returns apperr.ErrNotFound unless table has a row with id.
func mustExist(ctx context.Context, q storage.Querier, table, label string, id int64) error {
	var found int64
	err := q.QueryRow(ctx, fmt.Sprintf("SELECT id FROM %s WHERE id = ?", table), id).Scan(&found)
	if errors.Is(err, storage.ErrNoRows) {
		return apperr.NotFound(label, id)
	}
	if err != nil {
		return fmt.Errorf("load %s %d: %w", label, id, err)
	}
	return nil
}
