// Package redemption applies codes to purchases: it validates the code for
// the user, computes the discount and revenue split, and records the result
// together with the usage counter and ledger credit in one transaction.
package redemption

import (
	"context"
	"errors"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/partnerhub/api/pkg/codes"
	"github.com/partnerhub/api/pkg/database"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/ledger"
	"github.com/partnerhub/api/pkg/logger"
	"github.com/partnerhub/api/pkg/metrics"
	"github.com/partnerhub/api/pkg/money"
	"github.com/partnerhub/api/pkg/referrer"
	"github.com/partnerhub/api/pkg/users"
	"github.com/shopspring/decimal"
)

// Redemption is the immutable record of one code use.
type Redemption struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Code            string          `json:"code"`
	CodeID          string          `json:"code_id"`
	ReferrerID      string          `json:"referrer_id"`
	Role            domain.Role     `json:"role"`
	OriginalAmount  decimal.Decimal `json:"original_amount"`
	DiscountRate    decimal.Decimal `json:"discount_rate"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	FinalAmount     decimal.Decimal `json:"final_amount"`
	CommissionRate  decimal.Decimal `json:"commission_rate"`
	ReferrerRevenue decimal.Decimal `json:"referrer_revenue"`
	PlatformRevenue decimal.Decimal `json:"platform_revenue"`
	RedeemedAt      time.Time       `json:"redeemed_at"`
}

// StatsInvalidator drops cached aggregates after a balance change.
type StatsInvalidator interface {
	InvalidateReferrer(ctx context.Context, referrerID string) error
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records redemption outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithInvalidator drops cached stats after each redemption.
func WithInvalidator(inv StatsInvalidator) Option {
	return func(e *Engine) { e.invalidator = inv }
}

// Engine redeems codes.
type Engine struct {
	db          *database.Client
	codes       *codes.Registry
	users       *users.Service
	referrers   *referrer.Service
	ledger      *ledger.Ledger
	invalidator StatsInvalidator
	logger      logger.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewEngine creates a redemption engine
func NewEngine(db *database.Client, registry *codes.Registry, userSvc *users.Service, referrers *referrer.Service, l *ledger.Ledger, log logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		db:        db,
		codes:     registry,
		users:     userSvc,
		referrers: referrers,
		ledger:    l,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Redeem applies code to a purchase of amount by userID.
func (e *Engine) Redeem(ctx context.Context, code, userID string, amount decimal.Decimal) (*Redemption, error) {
	r, err := e.redeem(ctx, codes.Normalize(code), userID, amount)
	role := ""
	revenue := 0.0
	result := "success"
	if err != nil {
		result = strings.ToLower(string(domain.GetKind(err)))
		if result == "" {
			result = "error"
		}
	} else {
		role = string(r.Role)
		revenue = r.ReferrerRevenue.InexactFloat64()
	}
	e.metrics.RecordRedemption(role, result, revenue)
	return r, err
}

func (e *Engine) redeem(ctx context.Context, code, userID string, amount decimal.Decimal) (*Redemption, error) {
	if !amount.IsPositive() {
		return nil, domain.New(domain.ErrInvalidAmount, "amount must be greater than zero")
	}
	if code == "" {
		return nil, domain.New(domain.ErrInvalidCode, "code is required")
	}

	if _, err := e.users.Get(ctx, userID); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.New(domain.ErrUnknownUser, "unknown user")
		}
		return nil, err
	}

	redeemed, err := e.hasRedeemed(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	if redeemed {
		return nil, domain.New(domain.ErrAlreadyRedeemed, "user has already redeemed this code")
	}

	now := e.now()
	v, err := e.codes.Validate(ctx, code, now)
	if err != nil {
		return nil, err
	}

	ref, err := e.referrers.Get(ctx, v.ReferrerID)
	if err != nil {
		return nil, err
	}
	if ref.UserID == userID {
		return nil, domain.New(domain.ErrSelfRedemption, "referrers cannot redeem their own code")
	}

	split := money.ComputeSplit(amount, v.DiscountRate, e.referrers.CommissionRate(ref))
	r := &Redemption{
		ID:              uuid.NewString(),
		UserID:          userID,
		Code:            v.Code,
		CodeID:          v.CodeID,
		ReferrerID:      ref.ID,
		Role:            v.Role,
		OriginalAmount:  split.Original,
		DiscountRate:    split.DiscountRate,
		DiscountAmount:  split.Discount,
		FinalAmount:     split.Final,
		CommissionRate:  split.CommissionRate,
		ReferrerRevenue: split.ReferrerRevenue,
		PlatformRevenue: split.PlatformRevenue,
		RedeemedAt:      now,
	}

	err = e.db.WithTx(ctx, func(tx database.Querier) error {
		b := e.db.Builder()
		query, args := b.Insert(database.TableRedemptions).
			Columns("id", "user_id", "code", "code_id", "referrer_id", "role",
				"original_amount", "discount_rate", "discount_amount", "final_amount",
				"commission_rate", "referrer_revenue", "platform_revenue", "redeemed_at").
			Values(r.ID, r.UserID, r.Code, r.CodeID, r.ReferrerID, string(r.Role),
				r.OriginalAmount, r.DiscountRate, r.DiscountAmount, r.FinalAmount,
				r.CommissionRate, r.ReferrerRevenue, r.PlatformRevenue, r.RedeemedAt).
			Query()
		if _, err := database.Exec(ctx, tx, query, args); err != nil {
			if database.IsUniqueViolation(err) {
				return domain.New(domain.ErrAlreadyRedeemed, "user has already redeemed this code")
			}
			return domain.NewStorageError("insert redemption", err)
		}
		if err := e.codes.IncrementUsage(ctx, tx, r.CodeID); err != nil {
			return err
		}
		return e.ledger.Credit(ctx, tx, r.ReferrerID, r.ReferrerRevenue)
	})
	if err != nil {
		return nil, err
	}

	if e.invalidator != nil {
		if err := e.invalidator.InvalidateReferrer(ctx, r.ReferrerID); err != nil {
			e.logger.Warn("failed to invalidate stats cache", "referrer_id", r.ReferrerID, "error", err)
		}
	}

	e.logger.Info("code redeemed",
		"redemption_id", r.ID,
		"code", r.Code,
		"user_id", r.UserID,
		"referrer_id", r.ReferrerID,
		"final_amount", r.FinalAmount.String(),
		"referrer_revenue", r.ReferrerRevenue.String(),
	)
	return r, nil
}

func (e *Engine) hasRedeemed(ctx context.Context, userID, code string) (bool, error) {
	b := e.db.Builder()
	query, args := b.Select(entsql.Count("*")).
		From(b.Table(database.TableRedemptions)).
		Where(entsql.And(entsql.EQ("user_id", userID), entsql.EQ("code", code))).
		Query()
	var n int
	if err := e.db.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, domain.NewStorageError("check redemption", err)
	}
	return n > 0, nil
}
