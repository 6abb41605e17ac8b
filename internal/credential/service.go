package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/apperr"
	"github.com/biolis/go-lis/internal/observability/metrics"
	"github.com/biolis/go-lis/internal/sequence"
	"github.com/biolis/go-lis/internal/storage"
)

// Role is a user's access level.
type Role string

const (
	RoleAdmin     Role = "Admin"
	RoleDoctor    Role = "Doctor"
	RoleReception Role = "Reception"
)

// ParseRole resolves a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	for _, r := range []Role{RoleAdmin, RoleDoctor, RoleReception} {
		if strings.EqualFold(string(r), strings.TrimSpace(s)) {
			return r, nil
		}
	}
	return "", apperr.Invalid("unknown role %q", s)
}

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

// ErrLastAdmin is returned when deleting the only remaining administrator.
var ErrLastAdmin = &apperr.BlockedError{Reason: "cannot delete: the last administrator", Count: 1}

// User is an account without its secret.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	Role      Role      `json:"role"`
	DoctorID  *int64    `json:"doctor_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewUser is the input to CreateUser.
type NewUser struct {
	Username string
	FullName string
	Password string
	Role     Role
	DoctorID *int64
}

// Service manages accounts and their credentials. Salt and digest are
// always written together in a single statement.
type Service struct {
	runner    *storage.Runner
	allocator *sequence.Allocator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	// dummySalt keeps unknown-user logins as slow as wrong-password ones.
	dummySalt string
}

// NewService creates a Service.
func NewService(runner *storage.Runner, allocator *sequence.Allocator, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	return &Service{
		runner:    runner,
		allocator: allocator,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("credential"),
		now:       time.Now,
		dummySalt: salt,
	}, nil
}

func validatePassword(pw string) error {
	if len([]rune(pw)) < MinPasswordLength {
		return apperr.Invalid("password must have at least %d characters", MinPasswordLength)
	}
	return nil
}

// CreateUser validates nu, allocates the user id and stores the account
// and its digest in one transaction.
func (s *Service) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	nu.Username = strings.TrimSpace(nu.Username)
	nu.FullName = strings.TrimSpace(nu.FullName)
	if nu.Username == "" {
		return User{}, apperr.Invalid("username is required")
	}
	if nu.FullName == "" {
		return User{}, apperr.Invalid("full name is required")
	}
	role, err := ParseRole(string(nu.Role))
	if err != nil {
		return User{}, err
	}
	switch {
	case role == RoleDoctor && nu.DoctorID == nil:
		return User{}, apperr.Invalid("a Doctor account must be linked to a doctor")
	case role != RoleDoctor && nu.DoctorID != nil:
		return User{}, apperr.Invalid("only Doctor accounts can be linked to a doctor")
	}
	if err := validatePassword(nu.Password); err != nil {
		return User{}, err
	}

	ctx, span := s.tracer.Start(ctx, "credential_create_user",
		trace.WithAttributes(attribute.String("role", string(role))))
	defer span.End()

	salt, err := GenerateSalt()
	if err != nil {
		return User{}, err
	}
	digest := Digest(nu.Password, salt)

	u := User{Username: nu.Username, FullName: nu.FullName, Role: role, DoctorID: nu.DoctorID}
	err = s.runner.InTx(ctx, "create_user", func(ctx context.Context, tx storage.Tx) error {
		if err := s.checkUnique(ctx, tx, u); err != nil {
			return err
		}

		id, err := s.allocator.NextID(ctx, tx, sequence.Users)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if _, err := tx.Exec(ctx,
			`INSERT INTO users (id, username, full_name, role, doctor_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			id, u.Username, u.FullName, string(u.Role), u.DoctorID, now); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO users_security (user_id, salt, password_hash, updated_at) VALUES (?, ?, ?, ?)`,
			id, salt, digest, now); err != nil {
			return fmt.Errorf("insert credentials: %w", err)
		}
		u.ID = id
		u.CreatedAt = now
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return User{}, err
	}

	s.logger.Info("user created",
		zap.Int64("user_id", u.ID),
		zap.String("username", u.Username),
		zap.String("role", string(u.Role)))
	return u, nil
}

func (s *Service) checkUnique(ctx context.Context, tx storage.Tx, u User) error {
	var n int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM users WHERE username = ?", u.Username).Scan(&n); err != nil {
		return fmt.Errorf("check username: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: username %q is taken", apperr.ErrConflict, u.Username)
	}
	if u.DoctorID == nil {
		return nil
	}

	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM doctors WHERE id = ?", *u.DoctorID).Scan(&n); err != nil {
		return fmt.Errorf("check doctor: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("doctor", *u.DoctorID)
	}
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM users WHERE doctor_id = ?", *u.DoctorID).Scan(&n); err != nil {
		return fmt.Errorf("check doctor account: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: doctor %d already has an account", apperr.ErrConflict, *u.DoctorID)
	}
	return nil
}

const userColumns = "u.id, u.username, u.full_name, u.role, u.doctor_id, u.created_at"

func scanUser(row storage.Row, extra ...any) (User, error) {
	var (
		u    User
		role string
	)
	dest := append([]any{&u.ID, &u.Username, &u.FullName, &role, &u.DoctorID, &u.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return User{}, err
	}
	u.Role = Role(role)
	return u, nil
}

// Authenticate returns the account when password matches. Every failure,
// including an unknown username, is apperr.ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	ctx, span := s.tracer.Start(ctx, "credential_authenticate")
	defer span.End()

	var (
		salt   string
		stored []byte
	)
	row := s.runner.Store().QueryRow(ctx,
		"SELECT "+userColumns+", s.salt, s.password_hash FROM users u JOIN users_security s ON s.user_id = u.id WHERE u.username = ?",
		strings.TrimSpace(username))
	u, err := scanUser(row, &salt, &stored)
	if err != nil && !errors.Is(err, storage.ErrNoRows) {
		span.RecordError(err)
		return User{}, fmt.Errorf("authenticate: %w", err)
	}
	if err != nil {
		Verify(password, s.dummySalt, nil)
		s.metrics.CredentialChecked(false)
		return User{}, apperr.ErrInvalidCredentials
	}

	if !Verify(password, salt, stored) {
		s.metrics.CredentialChecked(false)
		s.logger.Info("authentication failed", zap.Int64("user_id", u.ID))
		return User{}, apperr.ErrInvalidCredentials
	}
	s.metrics.CredentialChecked(true)
	return u, nil
}

// ChangePassword replaces the password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	if err := validatePassword(next); err != nil {
		return err
	}
	return s.runner.InTx(ctx, "change_password", func(ctx context.Context, tx storage.Tx) error {
		var (
			salt   string
			stored []byte
		)
		err := tx.QueryRow(ctx, "SELECT salt, password_hash FROM users_security WHERE user_id = ?", userID).Scan(&salt, &stored)
		if errors.Is(err, storage.ErrNoRows) {
			return apperr.NotFound("user", userID)
		}
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		if !Verify(current, salt, stored) {
			s.metrics.CredentialChecked(false)
			return apperr.ErrInvalidCredentials
		}
		s.metrics.CredentialChecked(true)
		return s.replaceSecret(ctx, tx, userID, next)
	})
}

// ResetPassword replaces the password without checking the old one.
func (s *Service) ResetPassword(ctx context.Context, userID int64, next string) error {
	if err := validatePassword(next); err != nil {
		return err
	}
	return s.runner.InTx(ctx, "reset_password", func(ctx context.Context, tx storage.Tx) error {
		return s.replaceSecret(ctx, tx, userID, next)
	})
}

func (s *Service) replaceSecret(ctx context.Context, tx storage.Tx, userID int64, password string) error {
	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	n, err := tx.Exec(ctx,
		"UPDATE users_security SET salt = ?, password_hash = ?, updated_at = ? WHERE user_id = ?",
		salt, Digest(password, salt), s.now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("user", userID)
	}
	s.logger.Info("password replaced", zap.Int64("user_id", userID))
	return nil
}

// GetUser loads one account.
func (s *Service) GetUser(ctx context.Context, userID int64) (User, error) {
	u, err := scanUser(s.runner.Store().QueryRow(ctx,
		"SELECT "+userColumns+" FROM users u WHERE u.id = ?", userID))
	if errors.Is(err, storage.ErrNoRows) {
		return User{}, apperr.NotFound("user", userID)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// ListUsers returns every account ordered by id.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.runner.Store().Query(ctx, "SELECT "+userColumns+" FROM users u ORDER BY u.id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes an account and its credentials. The last Admin
// cannot be deleted.
func (s *Service) DeleteUser(ctx context.Context, userID int64) error {
	err := s.runner.InTx(ctx, "delete_user", func(ctx context.Context, tx storage.Tx) error {
		if err := tx.LockKey(ctx, "users:admins"); err != nil {
			return err
		}

		var role string
		err := tx.QueryRow(ctx, "SELECT role FROM users WHERE id = ?"+storage.ForUpdate(s.runner.Store().Dialect()), userID).Scan(&role)
		if errors.Is(err, storage.ErrNoRows) {
			return apperr.NotFound("user", userID)
		}
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}

		if Role(role) == RoleAdmin {
			var admins int64
			if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM users WHERE role = ?", string(RoleAdmin)).Scan(&admins); err != nil {
				return fmt.Errorf("count admins: %w", err)
			}
			if admins <= 1 {
				return ErrLastAdmin
			}
		}

		if _, err := tx.Exec(ctx, "DELETE FROM users_security WHERE user_id = ?", userID); err != nil {
			return fmt.Errorf("delete credentials: %w", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM users WHERE id = ?", userID); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("user deleted", zap.Int64("user_id", userID))
	return nil
}
