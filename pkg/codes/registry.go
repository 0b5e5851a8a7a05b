// Package codes is the registry of promo and referral codes: generation with
// uniqueness guarantees, activation windows and redemption-time validation.
package codes

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/partnerhub/api/pkg/database"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/logger"
	"github.com/partnerhub/api/pkg/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Code is a redeemable code owned by a referrer.
type Code struct {
	ID           string          `json:"id"`
	Code         string          `json:"code"`
	ReferrerID   string          `json:"referrer_id"`
	Role         domain.Role     `json:"role"`
	Status       string          `json:"status"`
	DiscountRate decimal.Decimal `json:"discount_rate"`
	ValidFrom    *time.Time      `json:"valid_from,omitempty"`
	ValidTo      *time.Time      `json:"valid_to,omitempty"`
	TimesUsed    int             `json:"times_used"`
	UsageLimit   *int            `json:"usage_limit,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Validation is the outcome of a successful Validate call.
type Validation struct {
	CodeID       string
	Code         string
	ReferrerID   string
	Role         domain.Role
	DiscountRate decimal.Decimal
}

// Policy holds the per-role code settings.
type Policy struct {
	Prefix       string
	DiscountRate decimal.Decimal
}

// Config configures the registry.
type Config struct {
	ValidityDays int
	MaxAttempts  int
	Policies     map[domain.Role]Policy
}

// DefaultConfig returns the stock partner/ambassador settings.
func DefaultConfig() Config {
	return Config{
		ValidityDays: 100,
		MaxAttempts:  5,
		Policies: map[domain.Role]Policy{
			domain.RolePartner:    {Prefix: "PROMO", DiscountRate: decimal.RequireFromString("0.20")},
			domain.RoleAmbassador: {Prefix: "REF", DiscountRate: decimal.RequireFromString("0.10")},
		},
	}
}

var codePattern = regexp.MustCompile(`^[A-Z0-9_-]{4,32}$`)

var columns = []string{
	"id", "code", "referrer_id", "role", "status", "discount_rate",
	"valid_from", "valid_to", "times_used", "usage_limit", "created_at", "updated_at",
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithDigits overrides the random suffix source used for generated codes.
func WithDigits(digits func() (string, error)) Option {
	return func(r *Registry) { r.digits = digits }
}

// WithMetrics records collisions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry manages code records.
type Registry struct {
	db      *database.Client
	cfg     Config
	logger  logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	digits  func() (string, error)
}

// NewRegistry creates a new code registry
func NewRegistry(db *database.Client, cfg Config, log logger.Logger, opts ...Option) *Registry {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ValidityDays <= 0 {
		cfg.ValidityDays = 100
	}
	r := &Registry{
		db:     db,
		cfg:    cfg,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
		digits: randomDigits,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the settings for role.
func (r *Registry) Policy(role domain.Role) (Policy, error) {
	p, ok := r.cfg.Policies[role]
	if !ok {
		return Policy{}, domain.New(domain.ErrInvalidRole, fmt.Sprintf("no code policy for role %q", role))
	}
	return p, nil
}

// Normalize canonicalises user-entered code text.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(norm.NFKC.String(code)))
}

// Generate creates a pending code for referrerID. A non-empty preferred code
// is used verbatim (after normalisation) or rejected as a duplicate; otherwise
// candidates are synthesised until one is free or attempts run out.
func (r *Registry) Generate(ctx context.Context, referrerID string, role domain.Role, preferred string) (*Code, error) {
	policy, err := r.Policy(role)
	if err != nil {
		return nil, err
	}

	if preferred != "" {
		candidate := Normalize(preferred)
		if !codePattern.MatchString(candidate) {
			return nil, domain.New(domain.ErrInvalidCode, "code must be 4-32 characters of A-Z, 0-9, '-' or '_'")
		}
		taken, err := r.exists(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, domain.New(domain.ErrDuplicateCode, fmt.Sprintf("code %s is already taken", candidate))
		}
		c, err := r.insert(ctx, candidate, referrerID, role, policy)
		if database.IsUniqueViolation(err) {
			return nil, domain.New(domain.ErrDuplicateCode, fmt.Sprintf("code %s is already taken", candidate))
		}
		return c, err
	}

	suffix := referrerSuffix(referrerID)
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		digits, err := r.digits()
		if err != nil {
			return nil, domain.NewInternalError(fmt.Errorf("generate code digits: %w", err))
		}
		candidate := policy.Prefix + suffix + digits

		taken, err := r.exists(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if taken {
			r.metrics.RecordCodeCollision()
			r.logger.Debug("code candidate taken", "candidate", candidate, "attempt", attempt)
			continue
		}

		c, err := r.insert(ctx, candidate, referrerID, role, policy)
		if err == nil {
			return c, nil
		}
		if database.IsUniqueViolation(err) {
			// lost a race with a concurrent insert of the same string
			r.metrics.RecordCodeCollision()
			continue
		}
		return nil, err
	}

	r.logger.Warn("code generation exhausted", "referrer_id", referrerID, "attempts", r.cfg.MaxAttempts)
	return nil, domain.New(domain.ErrGenerationExhausted,
		fmt.Sprintf("could not generate a unique code in %d attempts", r.cfg.MaxAttempts))
}

func (r *Registry) insert(ctx context.Context, code, referrerID string, role domain.Role, policy Policy) (*Code, error) {
	now := r.now()
	c := &Code{
		ID:           uuid.NewString(),
		Code:         code,
		ReferrerID:   referrerID,
		Role:         role,
		Status:       domain.CodePending,
		DiscountRate: policy.DiscountRate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	b := r.db.Builder()
	query, args := b.Insert(database.TableCodes).
		Columns("id", "code", "referrer_id", "role", "status", "discount_rate", "times_used", "created_at", "updated_at").
		Values(c.ID, c.Code, c.ReferrerID, string(c.Role), c.Status, c.DiscountRate, 0, c.CreatedAt, c.UpdatedAt).
		Query()
	if _, err := database.Exec(ctx, r.db.DB, query, args); err != nil {
		return nil, domain.NewStorageError("insert code", err)
	}
	return c, nil
}

func (r *Registry) exists(ctx context.Context, code string) (bool, error) {
	b := r.db.Builder()
	query, args := b.Select(entsql.Count("*")).
		From(b.Table(database.TableCodes)).
		Where(entsql.EQ("code", code)).
		Query()
	var n int
	if err := r.db.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, domain.NewStorageError("check code", err)
	}
	return n > 0, nil
}

// Activate marks the code active. The validity window is (re)started only
// when it has never been set or has already expired. It runs on q so it can
// join the caller's transaction.
func (r *Registry) Activate(ctx context.Context, q database.Querier, codeID string) (*Code, error) {
	c, err := r.getOn(ctx, q, codeID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	b := r.db.Builder()
	update := b.Update(database.TableCodes).
		Set("status", domain.CodeActive).
		Set("updated_at", now)
	if c.ValidTo == nil || c.ExpiredAt(now) {
		from := now
		to := now.AddDate(0, 0, r.cfg.ValidityDays)
		update.Set("valid_from", from).Set("valid_to", to)
		c.ValidFrom, c.ValidTo = &from, &to
	}
	query, args := update.Where(entsql.EQ("id", codeID)).Query()
	if _, err := database.Exec(ctx, q, query, args); err != nil {
		return nil, domain.NewStorageError("activate code", err)
	}

	c.Status = domain.CodeActive
	c.UpdatedAt = now
	r.logger.Info("code activated", "code", c.Code, "valid_to", c.ValidTo)
	return c, nil
}

// Deactivate marks the code inactive on q, leaving its window untouched.
func (r *Registry) Deactivate(ctx context.Context, q database.Querier, codeID string) (*Code, error) {
	c, err := r.getOn(ctx, q, codeID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	b := r.db.Builder()
	query, args := b.Update(database.TableCodes).
		Set("status", domain.CodeInactive).
		Set("updated_at", now).
		Where(entsql.EQ("id", codeID)).
		Query()
	if _, err := database.Exec(ctx, q, query, args); err != nil {
		return nil, domain.NewStorageError("deactivate code", err)
	}

	c.Status = domain.CodeInactive
	c.UpdatedAt = now
	r.logger.Info("code deactivated", "code", c.Code)
	return c, nil
}

// ExpiredAt reports whether the validity window has closed by at. The last
// instant of the window is still valid.
func (c *Code) ExpiredAt(at time.Time) bool {
	return c.ValidTo != nil && at.After(*c.ValidTo)
}

// Validate checks that code can be redeemed at the given instant.
func (r *Registry) Validate(ctx context.Context, code string, at time.Time) (*Validation, error) {
	c, err := r.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if c.Status != domain.CodeActive {
		return nil, domain.New(domain.ErrCodeNotActive, "code is not active")
	}
	if c.ValidFrom == nil || at.Before(*c.ValidFrom) {
		return nil, domain.New(domain.ErrCodeNotYetValid, "code is not valid yet")
	}
	if c.ExpiredAt(at) {
		return nil, domain.New(domain.ErrCodeExpired, "code has expired")
	}
	if c.UsageLimit != nil && c.TimesUsed >= *c.UsageLimit {
		return nil, domain.New(domain.ErrUsageLimitReached, "code usage limit reached")
	}

	return &Validation{
		CodeID:       c.ID,
		Code:         c.Code,
		ReferrerID:   c.ReferrerID,
		Role:         c.Role,
		DiscountRate: c.DiscountRate,
	}, nil
}

// IncrementUsage bumps times_used in place, refusing when the usage limit
// has been reached. It runs on q so it can join the redemption transaction.
func (r *Registry) IncrementUsage(ctx context.Context, q database.Querier, codeID string) error {
	b := r.db.Builder()
	query, args := b.Update(database.TableCodes).
		Add("times_used", 1).
		Set("updated_at", r.now()).
		Where(entsql.And(
			entsql.EQ("id", codeID),
			entsql.Or(
				entsql.IsNull("usage_limit"),
				entsql.ColumnsLT("times_used", "usage_limit"),
			),
		)).
		Query()
	n, err := database.Exec(ctx, q, query, args)
	if err != nil {
		return domain.NewStorageError("increment code usage", err)
	}
	if n == 0 {
		return domain.New(domain.ErrUsageLimitReached, "code usage limit reached")
	}
	return nil
}

// SetUsageLimit caps the number of redemptions; nil removes the cap.
func (r *Registry) SetUsageLimit(ctx context.Context, codeID string, limit *int) (*Code, error) {
	if limit != nil && *limit < 0 {
		return nil, domain.NewValidationError("usage limit must not be negative")
	}
	c, err := r.Get(ctx, codeID)
	if err != nil {
		return nil, err
	}

	var value any
	if limit != nil {
		value = *limit
	}
	b := r.db.Builder()
	query, args := b.Update(database.TableCodes).
		Set("usage_limit", value).
		Set("updated_at", r.now()).
		Where(entsql.EQ("id", codeID)).
		Query()
	if _, err := database.Exec(ctx, r.db.DB, query, args); err != nil {
		return nil, domain.NewStorageError("set usage limit", err)
	}
	c.UsageLimit = limit
	return c, nil
}

// Delete removes a code that has never been redeemed. Codes with redemption
// history are kept so the records stay attributable; deactivate them instead.
func (r *Registry) Delete(ctx context.Context, codeID string) error {
	c, err := r.Get(ctx, codeID)
	if err != nil {
		return err
	}

	return r.db.WithTx(ctx, func(tx database.Querier) error {
		b := r.db.Builder()
		query, args := b.Select(entsql.Count("*")).
			From(b.Table(database.TableRedemptions)).
			Where(entsql.EQ("code_id", codeID)).
			Query()
		var used int
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&used); err != nil {
			return domain.NewStorageError("count code redemptions", err)
		}
		if used > 0 {
			return domain.New(domain.ErrCodeInUse, "code has redemptions and cannot be deleted")
		}

		query, args = b.Delete(database.TableCodes).Where(entsql.EQ("id", codeID)).Query()
		if _, err := database.Exec(ctx, tx, query, args); err != nil {
			return domain.NewStorageError("delete code", err)
		}
		query, args = b.Update(database.TableReferrers).
			Set("code_id", "").
			Where(entsql.EQ("code_id", codeID)).
			Query()
		if _, err := database.Exec(ctx, tx, query, args); err != nil {
			return domain.NewStorageError("detach code", err)
		}
		r.logger.Info("code deleted", "code", c.Code)
		return nil
	})
}

// Get loads a code by id.
func (r *Registry) Get(ctx context.Context, id string) (*Code, error) {
	return r.getOn(ctx, r.db.DB, id)
}

func (r *Registry) getOn(ctx context.Context, q database.Querier, id string) (*Code, error) {
	b := r.db.Builder()
	query, args := b.Select(columns...).
		From(b.Table(database.TableCodes)).
		Where(entsql.EQ("id", id)).
		Limit(1).
		Query()
	return r.one(ctx, q, query, args)
}

// GetByCode loads a code by its string.
func (r *Registry) GetByCode(ctx context.Context, code string) (*Code, error) {
	b := r.db.Builder()
	query, args := b.Select(columns...).
		From(b.Table(database.TableCodes)).
		Where(entsql.EQ("code", Normalize(code))).
		Limit(1).
		Query()
	return r.one(ctx, r.db.DB, query, args)
}

// ListActive returns all active codes, oldest first.
func (r *Registry) ListActive(ctx context.Context) ([]*Code, error) {
	b := r.db.Builder()
	query, args := b.Select(columns...).
		From(b.Table(database.TableCodes)).
		Where(entsql.EQ("status", domain.CodeActive)).
		OrderBy("created_at").
		Query()
	return r.many(ctx, query, args)
}

// ListByReferrer returns the codes owned by a referrer.
func (r *Registry) ListByReferrer(ctx context.Context, referrerID string) ([]*Code, error) {
	b := r.db.Builder()
	query, args := b.Select(columns...).
		From(b.Table(database.TableCodes)).
		Where(entsql.EQ("referrer_id", referrerID)).
		OrderBy("created_at").
		Query()
	return r.many(ctx, query, args)
}

func (r *Registry) one(ctx context.Context, q database.Querier, query string, args []any) (*Code, error) {
	c, err := scanCode(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.New(domain.ErrNoSuchCode, "code not found")
	}
	if err != nil {
		return nil, domain.NewStorageError("get code", err)
	}
	return c, nil
}

func (r *Registry) many(ctx context.Context, query string, args []any) ([]*Code, error) {
	rows, err := r.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("list codes", err)
	}
	defer rows.Close()

	var out []*Code
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, domain.NewStorageError("scan code", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("list codes", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCode(s scanner) (*Code, error) {
	var (
		c          Code
		role       string
		validFrom  sql.NullTime
		validTo    sql.NullTime
		usageLimit sql.NullInt64
	)
	err := s.Scan(&c.ID, &c.Code, &c.ReferrerID, &role, &c.Status, &c.DiscountRate,
		&validFrom, &validTo, &c.TimesUsed, &usageLimit, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Role = domain.Role(role)
	if validFrom.Valid {
		t := validFrom.Time
		c.ValidFrom = &t
	}
	if validTo.Valid {
		t := validTo.Time
		c.ValidTo = &t
	}
	if usageLimit.Valid {
		n := int(usageLimit.Int64)
		c.UsageLimit = &n
	}
	return &c, nil
}

// referrerSuffix takes the last four alphanumeric characters of the
// referrer id so codes stay loosely traceable to their owner.
func referrerSuffix(referrerID string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(referrerID) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	return s
}

func randomDigits() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
