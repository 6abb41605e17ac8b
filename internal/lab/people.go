package lab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/clinical"
	"github.com/biolis/go-lis/internal/guard"
	"github.com/biolis/go-lis/internal/sequence"
	"github.com/biolis/go-lis/internal/storage"
)

// CreatePatient validates np and stores it under the next patient id.
func (s *Service) CreatePatient(ctx context.Context, np NewPatient) (Patient, error) {
	p := Patient{
		FirstName:  strings.TrimSpace(np.FirstName),
		LastName:   strings.TrimSpace(np.LastName),
		DocumentID: strings.TrimSpace(np.DocumentID),
		Phone:      strings.TrimSpace(np.Phone),
		Email:      strings.TrimSpace(np.Email),
	}
	if p.FirstName == "" || p.LastName == "" {
		return Patient{}, apperr.Invalid("patient first and last name are required")
	}
	sex, err := clinical.ParsePatientSex(np.Sex)
	if err != nil {
		return Patient{}, err
	}
	p.Sex = sex

	if np.BirthDate.IsZero() {
		return Patient{}, apperr.Invalid("birth date is required")
	}
	y, m, d := np.BirthDate.Date()
	p.BirthDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if clinical.AgeAt(p.BirthDate, s.now()) < 0 {
		return Patient{}, apperr.Invalid("birth date %s is in the future", p.BirthDate.Format(time.DateOnly))
	}

	ctx, span := s.tracer.Start(ctx, "lab_create_patient")
	defer span.End()

	p.CreatedAt = s.now().UTC()
	id, err := s.allocator.AllocateNextID(ctx, sequence.Patients, func(ctx context.Context, tx storage.Tx, id int64) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO patients (id, first_name, last_name, document_id, sex, birth_date, phone, email, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.FirstName, p.LastName, nullIfEmpty(p.DocumentID), string(p.Sex), p.BirthDate,
			nullIfEmpty(p.Phone), nullIfEmpty(p.Email), p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert patient: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Patient{}, err
	}
	p.ID = id

	s.logger.Info("patient created", zap.Int64("patient_id", id))
	return p, nil
}

const patientColumns = `id, first_name, last_name, COALESCE(document_id, ''), sex, birth_date,
	COALESCE(phone, ''), COALESCE(email, ''), created_at`

func scanPatient(row storage.Row) (Patient, error) {
	var (
		p   Patient
		sex string
	)
	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.DocumentID, &sex, &p.BirthDate, &p.Phone, &p.Email, &p.CreatedAt)
	p.Sex = clinical.Sex(sex)
	return p, err
}

// GetPatient loads one patient.
func (s *Service) GetPatient(ctx context.Context, id int64) (Patient, error) {
	p, err := scanPatient(s.runner.Store().QueryRow(ctx, "SELECT "+patientColumns+" FROM patients WHERE id = ?", id))
	if errors.Is(err, storage.ErrNoRows) {
		return Patient{}, apperr.NotFound("patient", id)
	}
	if err != nil {
		return Patient{}, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

// ListPatients returns patients ordered by id.
func (s *Service) ListPatients(ctx context.Context) ([]Patient, error) {
	rows, err := s.runner.Store().Query(ctx, "SELECT "+patientColumns+" FROM patients ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePatient deletes a patient that has no orders.
func (s *Service) DeletePatient(ctx context.Context, id int64) (guard.Decision, error) {
	return s.guard.Delete(ctx, guard.KindPatient, id)
}

// CreateDoctor validates nd and stores it under the next doctor id.
func (s *Service) CreateDoctor(ctx context.Context, nd NewDoctor) (Doctor, error) {
	d := Doctor{
		FirstName:     strings.TrimSpace(nd.FirstName),
		LastName:      strings.TrimSpace(nd.LastName),
		LicenseNumber: strings.TrimSpace(nd.LicenseNumber),
		Specialty:     strings.TrimSpace(nd.Specialty),
		Phone:         strings.TrimSpace(nd.Phone),
		Email:         strings.TrimSpace(nd.Email),
		CreatedAt:     s.now().UTC(),
	}
	if d.FirstName == "" || d.LastName == "" {
		return Doctor{}, apperr.Invalid("doctor first and last name are required")
	}

	id, err := s.allocator.AllocateNextID(ctx, sequence.Doctors, func(ctx context.Context, tx storage.Tx, id int64) error {
		if d.LicenseNumber != "" {
			var n int64
			if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM doctors WHERE license_number = ?", d.LicenseNumber).Scan(&n); err != nil {
				return fmt.Errorf("check license: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("%w: license %q is already registered", apperr.ErrConflict, d.LicenseNumber)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, first_name, last_name, license_number, specialty, phone, email, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, d.FirstName, d.LastName, nullIfEmpty(d.LicenseNumber), nullIfEmpty(d.Specialty),
			nullIfEmpty(d.Phone), nullIfEmpty(d.Email), d.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert doctor: %w", err)
		}
		return nil
	})
	if err != nil {
		return Doctor{}, err
	}
	d.ID = id

	s.logger.Info("doctor created", zap.Int64("doctor_id", id))
	return d, nil
}

// GetDoctor loads one doctor.
func (s *Service) GetDoctor(ctx context.Context, id int64) (Doctor, error) {
	var d Doctor
	err := s.runner.Store().QueryRow(ctx, `
		SELECT id, first_name, last_name, COALESCE(license_number, ''), COALESCE(specialty, ''),
		       COALESCE(phone, ''), COALESCE(email, ''), created_at
		FROM doctors WHERE id = ?`, id).
		Scan(&d.ID, &d.FirstName, &d.LastName, &d.LicenseNumber, &d.Specialty, &d.Phone, &d.Email, &d.CreatedAt)
	if errors.Is(err, storage.ErrNoRows) {
		return Doctor{}, apperr.NotFound("doctor", id)
	}
	if err != nil {
		return Doctor{}, fmt.Errorf("get doctor: %w", err)
	}
	return d, nil
}

// DeleteDoctor deletes a doctor with no orders and no linked account.
func (s *Service) DeleteDoctor(ctx context.Context, id int64) (guard.Decision, error) {
	return s.guard.Delete(ctx, guard.KindDoctor, id)
}
