// Package users stores the platform accounts that apply for referrer roles
// and redeem codes.
package users

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/partnerhub/api/pkg/database"
	"github.com/partnerhub/api/pkg/domain"
)

// User is a platform account.
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Name             string    `json:"name"`
	PartnerStatus    string    `json:"partner_status,omitempty"`
	AmbassadorStatus string    `json:"ambassador_status,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// StatusFor returns the mirrored application status for role.
func (u *User) StatusFor(role domain.Role) string {
	if role == domain.RoleAmbassador {
		return u.AmbassadorStatus
	}
	return u.PartnerStatus
}

var columns = []string{"id", "email", "name", "partner_status", "ambassador_status", "created_at", "updated_at"}

// Service handles user persistence.
type Service struct {
	db  *database.Client
	now func() time.Time
}

// NewService creates a new user service
func NewService(db *database.Client) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create registers a user. Emails are unique case-insensitively.
func (s *Service) Create(ctx context.Context, email, name string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	name = strings.TrimSpace(name)
	if email == "" || name == "" {
		return nil, domain.NewValidationError("email and name are required")
	}

	now := s.now()
	u := &User{ID: uuid.NewString(), Email: email, Name: name, CreatedAt: now, UpdatedAt: now}

	b := s.db.Builder()
	query, args := b.Insert(database.TableUsers).
		Columns("id", "email", "name", "created_at", "updated_at").
		Values(u.ID, u.Email, u.Name, u.CreatedAt, u.UpdatedAt).
		Query()
	if _, err := database.Exec(ctx, s.db.DB, query, args); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, domain.NewConflictError("a user with this email already exists")
		}
		return nil, domain.NewStorageError("create user", err)
	}
	return u, nil
}

// Get loads a user by id.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.get(ctx, s.db.DB, id)
}

func (s *Service) get(ctx context.Context, q database.Querier, id string) (*User, error) {
	b := s.db.Builder()
	query, args := b.Select(columns...).
		From(b.Table(database.TableUsers)).
		Where(entsql.EQ("id", id)).
		Limit(1).
		Query()

	var u User
	err := q.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.Email, &u.Name, &u.PartnerStatus, &u.AmbassadorStatus, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.New(domain.ErrUserNotFound, "user not found")
	}
	if err != nil {
		return nil, domain.NewStorageError("get user", err)
	}
	return &u, nil
}

// Exists reports whether a user with id exists.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.Get(ctx, id)
	if errors.Is(err, domain.ErrUserNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SetStatus mirrors a referrer application status on the user record.
func (s *Service) SetStatus(ctx context.Context, q database.Querier, id string, role domain.Role, status string) error {
	column := "partner_status"
	if role == domain.RoleAmbassador {
		column = "ambassador_status"
	}

	b := s.db.Builder()
	query, args := b.Update(database.TableUsers).
		Set(column, status).
		Set("updated_at", s.now()).
		Where(entsql.EQ("id", id)).
		Query()
	n, err := database.Exec(ctx, q, query, args)
	if err != nil {
		return domain.NewStorageError("update user status", err)
	}
	if n == 0 {
		return domain.New(domain.ErrUserNotFound, "user not found")
	}
	return nil
}
