package referrer

import (
	"context"
	"database/sql"
	"errors"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/partnerhub/api/pkg/database"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/shopspring/decimal"
)

// Referrer is a partner or ambassador earning commission on their code.
type Referrer struct {
	ID                   string           `json:"id"`
	UserID               string           `json:"user_id"`
	Role                 domain.Role      `json:"role"`
	Name                 string           `json:"name"`
	Email                string           `json:"email"`
	Phone                string           `json:"phone,omitempty"`
	Company              string           `json:"company,omitempty"`
	Website              string           `json:"website,omitempty"`
	Bio                  string           `json:"bio,omitempty"`
	CommissionRate       *decimal.Decimal `json:"commission_rate,omitempty"`
	TotalRevenue         decimal.Decimal  `json:"total_revenue"`
	AvailableBalance     decimal.Decimal  `json:"available_balance"`
	PaidOutTotal         decimal.Decimal  `json:"paid_out_total"`
	Status               string           `json:"status"`
	CodeID               string           `json:"code_id,omitempty"`
	PayoutAccountID      string           `json:"payout_account_id,omitempty"`
	PayoutsEnabled       bool             `json:"payouts_enabled"`
	PayoutDisabledReason string           `json:"payout_disabled_reason,omitempty"`
	ApprovedAt           *time.Time       `json:"approved_at,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Role   domain.Role
	Status string
	Limit  int
	Offset int
}

var columns = []string{
	"id", "user_id", "role", "name", "email", "phone", "company", "website", "bio",
	"commission_rate", "total_revenue", "available_balance", "paid_out_total", "status",
	"code_id", "payout_account_id", "payouts_enabled", "payout_disabled_reason",
	"approved_at", "created_at", "updated_at",
}

// Get loads a referrer by id.
func (s *Service) Get(ctx context.Context, id string) (*Referrer, error) {
	b := s.db.Builder()
	query, args := b.Select(columns...).
		From(b.Table(database.TableReferrers)).
		Where(entsql.EQ("id", id)).
		Limit(1).
		Query()
	return s.one(ctx, query, args)
}

// GetByUserRole loads the referrer record a user holds for role.
func (s *Service) GetByUserRole(ctx context.Context, userID string, role domain.Role) (*Referrer, error) {
	b := s.db.Builder()
	query, args := b.Select(columns...).
		From(b.Table(database.TableReferrers)).
		Where(entsql.And(entsql.EQ("user_id", userID), entsql.EQ("role", string(role)))).
		Limit(1).
		Query()
	return s.one(ctx, query, args)
}

// List returns referrers matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Referrer, error) {
	b := s.db.Builder()
	sel := b.Select(columns...).From(b.Table(database.TableReferrers))

	var preds []*entsql.Predicate
	if f.Role != "" {
		preds = append(preds, entsql.EQ("role", string(f.Role)))
	}
	if f.Status != "" {
		preds = append(preds, entsql.EQ("status", f.Status))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	sel.OrderBy(entsql.Desc("created_at")).Limit(limit)
	if f.Offset > 0 {
		sel.Offset(f.Offset)
	}

	query, args := sel.Query()
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("list referrers", err)
	}
	defer rows.Close()

	var out []*Referrer
	for rows.Next() {
		r, err := scanReferrer(rows)
		if err != nil {
			return nil, domain.NewStorageError("scan referrer", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("list referrers", err)
	}
	return out, nil
}

// ListWithBalance returns approved referrers holding a positive balance.
func (s *Service) ListWithBalance(ctx context.Context) ([]*Referrer, error) {
	b := s.db.Builder()
	query, args := b.Select(columns...).
		From(b.Table(database.TableReferrers)).
		Where(entsql.And(
			entsql.EQ("status", domain.StatusApproved),
			entsql.GT("available_balance", 0),
		)).
		OrderBy("created_at").
		Query()

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("list referrers", err)
	}
	defer rows.Close()

	var out []*Referrer
	for rows.Next() {
		r, err := scanReferrer(rows)
		if err != nil {
			return nil, domain.NewStorageError("scan referrer", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Service) one(ctx context.Context, query string, args []any) (*Referrer, error) {
	r, err := scanReferrer(s.db.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.New(domain.ErrReferrerNotFound, "referrer not found")
	}
	if err != nil {
		return nil, domain.NewStorageError("get referrer", err)
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReferrer(sc scanner) (*Referrer, error) {
	var (
		r          Referrer
		role       string
		commission decimal.NullDecimal
		approvedAt sql.NullTime
	)
	err := sc.Scan(&r.ID, &r.UserID, &role, &r.Name, &r.Email, &r.Phone, &r.Company, &r.Website, &r.Bio,
		&commission, &r.TotalRevenue, &r.AvailableBalance, &r.PaidOutTotal, &r.Status,
		&r.CodeID, &r.PayoutAccountID, &r.PayoutsEnabled, &r.PayoutDisabledReason,
		&approvedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Role = domain.Role(role)
	if commission.Valid {
		rate := commission.Decimal
		r.CommissionRate = &rate
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		r.ApprovedAt = &t
	}
	return &r, nil
}

func nullableRate(rate *decimal.Decimal) any {
	if rate == nil {
		return nil
	}
	return *rate
}
