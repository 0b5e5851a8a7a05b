// Package referrer implements the partner/ambassador application workflow:
// submission, approval state changes and payout account linking.
package referrer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/partnerhub/api/pkg/codes"
	"github.com/partnerhub/api/pkg/database"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/logger"
	"github.com/partnerhub/api/pkg/metrics"
	"github.com/partnerhub/api/pkg/money"
	"github.com/partnerhub/api/pkg/phone"
	"github.com/partnerhub/api/pkg/users"
	"github.com/shopspring/decimal"
)

// Notifier tells applicants about approval decisions.
type Notifier interface {
	SendApplicationStatus(ctx context.Context, to, name string, role domain.Role, status, code string) error
}

// PayeeProvider provisions external payout accounts.
type PayeeProvider interface {
	CreatePayee(ctx context.Context, email, referrerID string) (string, error)
	OnboardingLink(ctx context.Context, accountID string) (string, error)
}

// Profile is the applicant-supplied part of a referrer record.
type Profile struct {
	Name           string
	Email          string
	Phone          string
	Company        string
	Website        string
	Bio            string
	PreferredCode  string
	CommissionRate *decimal.Decimal
}

// PayoutLink is returned when a referrer starts payout account onboarding.
type PayoutLink struct {
	AccountID     string `json:"account_id"`
	OnboardingURL string `json:"onboarding_url"`
}

// AccountUpdate is a payout account status change reported by the processor.
type AccountUpdate struct {
	ReferrerID     string
	AccountID      string
	PayoutsEnabled bool
	DisabledReason string
}

// Config holds the role defaults for commission.
type Config struct {
	// DefaultCommission is the referrer's share of post-discount revenue
	// used when a record carries no explicit rate.
	DefaultCommission map[domain.Role]decimal.Decimal
}

// DefaultConfig: partners keep 70% (the platform takes a 30% share),
// ambassadors keep 10%.
func DefaultConfig() Config {
	return Config{
		DefaultCommission: map[domain.Role]decimal.Decimal{
			domain.RolePartner:    decimal.NewFromInt(1).Sub(decimal.RequireFromString("0.30")),
			domain.RoleAmbassador: decimal.RequireFromString("0.10"),
		},
	}
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records workflow transitions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPayees enables payout account linking.
func WithPayees(p PayeeProvider) Option {
	return func(s *Service) { s.payees = p }
}

// Service handles referrer applications
type Service struct {
	db       *database.Client
	codes    *codes.Registry
	users    *users.Service
	notifier Notifier
	payees   PayeeProvider
	validate *validator.Validate
	cfg      Config
	logger   logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	notifyTimeout time.Duration
	wg            sync.WaitGroup
}

// NewService creates a new referrer service
func NewService(db *database.Client, registry *codes.Registry, userSvc *users.Service, notifier Notifier, cfg Config, log logger.Logger, opts ...Option) *Service {
	s := &Service{
		db:            db,
		codes:         registry,
		users:         userSvc,
		notifier:      notifier,
		validate:      validator.New(),
		cfg:           cfg,
		logger:        log,
		now:           func() time.Time { return time.Now().UTC() },
		notifyTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CommissionRate returns the referrer's share of post-discount revenue.
func (s *Service) CommissionRate(r *Referrer) decimal.Decimal {
	if r.CommissionRate != nil {
		return *r.CommissionRate
	}
	return s.cfg.DefaultCommission[r.Role]
}

func (s *Service) normalizeProfile(p Profile) (Profile, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.Company = strings.TrimSpace(p.Company)
	p.Website = strings.TrimSpace(p.Website)
	p.Bio = strings.TrimSpace(p.Bio)

	if p.Name == "" {
		return p, domain.NewValidationError("name is required")
	}
	if err := s.validate.Var(p.Email, "required,email"); err != nil {
		return p, domain.NewValidationError("a valid email is required")
	}
	if p.Phone != "" {
		e164, err := phone.Normalize(p.Phone, "")
		if err != nil {
			return p, err
		}
		p.Phone = e164
	}
	if p.CommissionRate != nil && !money.ValidRate(*p.CommissionRate) {
		return p, domain.NewValidationError("commission rate must be between 0 and 1")
	}
	return p, nil
}

// SubmitApplication registers userID as a referrer for role with a pending
// code. A previously declined application is reopened and keeps its code.
func (s *Service) SubmitApplication(ctx context.Context, userID string, role domain.Role, profile Profile) (*Referrer, error) {
	if !role.Valid() {
		return nil, domain.New(domain.ErrInvalidRole, "role must be partner or ambassador")
	}
	profile, err := s.normalizeProfile(profile)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.Get(ctx, userID); err != nil {
		return nil, err
	}

	existing, err := s.GetByUserRole(ctx, userID, role)
	switch {
	case err == nil:
		if existing.Status == domain.StatusPending || existing.Status == domain.StatusApproved {
			return nil, domain.New(domain.ErrAlreadyApplied, fmt.Sprintf("user already has a %s %s application", existing.Status, role))
		}
		return s.reopen(ctx, existing, profile)
	case !errors.Is(err, domain.ErrReferrerNotFound):
		return nil, err
	}

	id := uuid.NewString()
	code, err := s.codes.Generate(ctx, id, role, profile.PreferredCode)
	if err != nil {
		return nil, err
	}

	now := s.now()
	r := &Referrer{
		ID:             id,
		UserID:         userID,
		Role:           role,
		Name:           profile.Name,
		Email:          profile.Email,
		Phone:          profile.Phone,
		Company:        profile.Company,
		Website:        profile.Website,
		Bio:            profile.Bio,
		CommissionRate: profile.CommissionRate,
		Status:         domain.StatusPending,
		CodeID:         code.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.db.WithTx(ctx, func(tx database.Querier) error {
		b := s.db.Builder()
		query, args := b.Insert(database.TableReferrers).
			Columns("id", "user_id", "role", "name", "email", "phone", "company", "website", "bio",
				"commission_rate", "status", "code_id", "created_at", "updated_at").
			Values(r.ID, r.UserID, string(r.Role), r.Name, r.Email, r.Phone, r.Company, r.Website, r.Bio,
				nullableRate(r.CommissionRate), r.Status, r.CodeID, r.CreatedAt, r.UpdatedAt).
			Query()
		if _, err := database.Exec(ctx, tx, query, args); err != nil {
			if database.IsUniqueViolation(err) {
				return domain.New(domain.ErrAlreadyApplied, fmt.Sprintf("user already applied as %s", role))
			}
			return domain.NewStorageError("create referrer", err)
		}
		return s.users.SetStatus(ctx, tx, userID, role, domain.StatusPending)
	})
	if err != nil {
		if derr := s.codes.Delete(ctx, code.ID); derr != nil {
			s.logger.Error("failed to remove orphaned code", "code_id", code.ID, "error", derr)
		}
		return nil, err
	}

	s.metrics.RecordApplication(string(role), domain.StatusPending)
	s.logger.Info("application submitted", "referrer_id", r.ID, "user_id", userID, "role", role, "code", code.Code)
	return r, nil
}

func (s *Service) reopen(ctx context.Context, r *Referrer, p Profile) (*Referrer, error) {
	if r.CodeID == "" {
		code, err := s.codes.Generate(ctx, r.ID, r.Role, p.PreferredCode)
		if err != nil {
			return nil, err
		}
		r.CodeID = code.ID
	}

	now := s.now()
	err := s.db.WithTx(ctx, func(tx database.Querier) error {
		b := s.db.Builder()
		update := b.Update(database.TableReferrers).
			Set("name", p.Name).
			Set("email", p.Email).
			Set("phone", p.Phone).
			Set("company", p.Company).
			Set("website", p.Website).
			Set("bio", p.Bio).
			Set("status", domain.StatusPending).
			Set("code_id", r.CodeID).
			Set("updated_at", now)
		if p.CommissionRate != nil {
			update.Set("commission_rate", *p.CommissionRate)
		}
		query, args := update.Where(entsql.EQ("id", r.ID)).Query()
		if _, err := database.Exec(ctx, tx, query, args); err != nil {
			return domain.NewStorageError("reopen application", err)
		}
		return s.users.SetStatus(ctx, tx, r.UserID, r.Role, domain.StatusPending)
	})
	if err != nil {
		return nil, err
	}

	r.Name, r.Email, r.Phone = p.Name, p.Email, p.Phone
	r.Company, r.Website, r.Bio = p.Company, p.Website, p.Bio
	if p.CommissionRate != nil {
		r.CommissionRate = p.CommissionRate
	}
	r.Status = domain.StatusPending
	r.UpdatedAt = now

	s.metrics.RecordApplication(string(r.Role), domain.StatusPending)
	s.logger.Info("application reopened", "referrer_id", r.ID, "role", r.Role)
	return r, nil
}

// UpdateStatus moves a referrer to status. Approval activates the code,
// decline deactivates it; any other status is stored as given. The status is
// mirrored on the user and approval decisions are emailed in the background.
func (s *Service) UpdateStatus(ctx context.Context, referrerID, status string) (*Referrer, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" {
		return nil, domain.NewValidationError("status is required")
	}

	r, err := s.Get(ctx, referrerID)
	if err != nil {
		return nil, err
	}

	// a freshly generated code stays pending until the transaction below
	// activates it, and is removed again if that fails
	generated := ""
	if status == domain.StatusApproved && r.CodeID == "" {
		c, err := s.codes.Generate(ctx, r.ID, r.Role, "")
		if err != nil {
			return nil, err
		}
		r.CodeID = c.ID
		generated = c.ID
	}

	var code *codes.Code
	now := s.now()
	err = s.db.WithTx(ctx, func(tx database.Querier) error {
		var err error
		switch status {
		case domain.StatusApproved:
			code, err = s.codes.Activate(ctx, tx, r.CodeID)
		case domain.StatusDeclined:
			if r.CodeID != "" {
				code, err = s.codes.Deactivate(ctx, tx, r.CodeID)
			}
		}
		if err != nil {
			return err
		}

		b := s.db.Builder()
		update := b.Update(database.TableReferrers).
			Set("status", status).
			Set("code_id", r.CodeID).
			Set("updated_at", now)
		if status == domain.StatusApproved && r.ApprovedAt == nil {
			update.Set("approved_at", now)
			r.ApprovedAt = &now
		}
		query, args := update.Where(entsql.EQ("id", r.ID)).Query()
		if _, err := database.Exec(ctx, tx, query, args); err != nil {
			return domain.NewStorageError("update referrer status", err)
		}
		return s.users.SetStatus(ctx, tx, r.UserID, r.Role, status)
	})
	if err != nil {
		if generated != "" {
			if derr := s.codes.Delete(ctx, generated); derr != nil {
				s.logger.Error("failed to remove unused code", "code_id", generated, "error", derr)
			}
		}
		return nil, err
	}

	r.Status = status
	r.UpdatedAt = now
	s.metrics.RecordApplication(string(r.Role), status)
	s.logger.Info("referrer status updated", "referrer_id", r.ID, "role", r.Role, "status", status)

	if status == domain.StatusApproved || status == domain.StatusDeclined {
		codeString := ""
		if code != nil {
			codeString = code.Code
		}
		s.notify(r, status, codeString)
	}
	return r, nil
}

// notify sends the decision email without blocking the caller. Failures are
// logged and counted only.
func (s *Service) notify(r *Referrer, status, code string) {
	if s.notifier == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()
		if err := s.notifier.SendApplicationStatus(ctx, r.Email, r.Name, r.Role, status, code); err != nil {
			s.metrics.RecordNotificationFailure("application_status")
			s.logger.Warn("failed to send status email", "referrer_id", r.ID, "status", status, "error", err)
		}
	}()
}

// Wait blocks until background notifications have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// SetCommissionRate overrides the role default for one referrer; nil clears it.
func (s *Service) SetCommissionRate(ctx context.Context, referrerID string, rate *decimal.Decimal) (*Referrer, error) {
	if rate != nil && !money.ValidRate(*rate) {
		return nil, domain.NewValidationError("commission rate must be between 0 and 1")
	}
	r, err := s.Get(ctx, referrerID)
	if err != nil {
		return nil, err
	}

	b := s.db.Builder()
	query, args := b.Update(database.TableReferrers).
		Set("commission_rate", nullableRate(rate)).
		Set("updated_at", s.now()).
		Where(entsql.EQ("id", referrerID)).
		Query()
	if _, err := database.Exec(ctx, s.db.DB, query, args); err != nil {
		return nil, domain.NewStorageError("set commission rate", err)
	}
	r.CommissionRate = rate
	return r, nil
}

// LinkPayoutAccount creates the referrer's payout account on first use and
// returns a fresh onboarding link for it.
func (s *Service) LinkPayoutAccount(ctx context.Context, referrerID string) (*PayoutLink, error) {
	if s.payees == nil {
		return nil, domain.NewExternalError(domain.KindTransferFailed, "payout accounts are not configured", nil)
	}
	r, err := s.Get(ctx, referrerID)
	if err != nil {
		return nil, err
	}
	if r.Status != domain.StatusApproved {
		return nil, domain.NewValidationError("only approved referrers can link a payout account")
	}

	accountID := r.PayoutAccountID
	if accountID == "" {
		accountID, err = s.payees.CreatePayee(ctx, r.Email, r.ID)
		if err != nil {
			return nil, err
		}

		b := s.db.Builder()
		query, args := b.Update(database.TableReferrers).
			Set("payout_account_id", accountID).
			Set("payouts_enabled", false).
			Set("updated_at", s.now()).
			Where(entsql.And(entsql.EQ("id", r.ID), entsql.EQ("payout_account_id", ""))).
			Query()
		n, err := database.Exec(ctx, s.db.DB, query, args)
		if err != nil {
			return nil, domain.NewStorageError("link payout account", err)
		}
		if n == 0 {
			// a concurrent call linked first; use the stored account
			current, err := s.Get(ctx, r.ID)
			if err != nil {
				return nil, err
			}
			s.logger.Warn("payout account already linked, discarding new account", "referrer_id", r.ID, "discarded", accountID)
			accountID = current.PayoutAccountID
		}
		s.logger.Info("payout account created", "referrer_id", r.ID, "account_id", accountID)
	}

	url, err := s.payees.OnboardingLink(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &PayoutLink{AccountID: accountID, OnboardingURL: url}, nil
}

// ApplyAccountUpdate records payout readiness reported by the processor.
func (s *Service) ApplyAccountUpdate(ctx context.Context, u AccountUpdate) error {
	if u.ReferrerID == "" || u.AccountID == "" {
		return domain.NewValidationError("account update is missing its referrer tag")
	}

	b := s.db.Builder()
	query, args := b.Update(database.TableReferrers).
		Set("payouts_enabled", u.PayoutsEnabled).
		Set("payout_disabled_reason", u.DisabledReason).
		Set("updated_at", s.now()).
		Where(entsql.And(entsql.EQ("id", u.ReferrerID), entsql.EQ("payout_account_id", u.AccountID))).
		Query()
	n, err := database.Exec(ctx, s.db.DB, query, args)
	if err != nil {
		return domain.NewStorageError("apply account update", err)
	}
	if n == 0 {
		return domain.New(domain.ErrReferrerNotFound, "no referrer holds this payout account")
	}
	s.logger.Info("payout account updated", "referrer_id", u.ReferrerID, "payouts_enabled", u.PayoutsEnabled, "reason", u.DisabledReason)
	return nil
}
