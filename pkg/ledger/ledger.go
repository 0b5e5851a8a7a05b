// Package ledger accumulates referrer revenue and settles paid-out balances.
// Every mutation is a single add-in-place UPDATE so concurrent redemptions
// never lose increments.
package ledger

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

// Balance is a referrer's accumulated position.
type Balance struct {
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	PaidOutTotal     decimal.Decimal `json:"paid_out_total"`
}

// Ledger applies balance changes to referrer records.
type Ledger struct {
	db  *database.Client
	now func() time.Time
}

// New creates a ledger over db.
func New(db *database.Client) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Credit adds amount to both the lifetime revenue and the available balance.
func (l *Ledger) Credit(ctx context.Context, q database.Querier, referrerID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return domain.NewValidationError("credit amount must not be negative")
	}

	b := l.db.Builder()
	query, args := b.Update(database.TableReferrers).
		Add("total_revenue", amount).
		Add("available_balance", amount).
		Set("updated_at", l.now()).
		Where(entsql.EQ("id", referrerID)).
		Query()
	return l.apply(ctx, q, query, args, "credit balance")
}

// Settle moves amount from the available balance to the paid-out total.
// Credits that landed after amount was read stay in the balance. The balance
// never goes negative: if less than amount is available nothing changes and
// ErrBalanceChanged is returned.
func (l *Ledger) Settle(ctx context.Context, q database.Querier, referrerID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.New(domain.ErrNoBalance, "settled amount must be positive")
	}

	b := l.db.Builder()
	query, args := b.Update(database.TableReferrers).
		Add("available_balance", amount.Neg()).
		Add("paid_out_total", amount).
		Set("updated_at", l.now()).
		Where(entsql.And(
			entsql.EQ("id", referrerID),
			entsql.GTE("available_balance", amount),
		)).
		Query()
	n, err := database.Exec(ctx, q, query, args)
	if err != nil {
		return domain.NewStorageError("settle balance", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := l.Balance(ctx, q, referrerID); err != nil {
		return err
	}
	return domain.New(domain.ErrBalanceChanged, "available balance is lower than the settled amount")
}

func (l *Ledger) apply(ctx context.Context, q database.Querier, query string, args []any, op string) error {
	n, err := database.Exec(ctx, q, query, args)
	if err != nil {
		return domain.NewStorageError(op, err)
	}
	if n == 0 {
		return domain.New(domain.ErrReferrerNotFound, "referrer not found")
	}
	return nil
}

// Balance reads the current position of a referrer.
func (l *Ledger) Balance(ctx context.Context, q database.Querier, referrerID string) (*Balance, error) {
	b := l.db.Builder()
	query, args := b.Select("total_revenue", "available_balance", "paid_out_total").
		From(b.Table(database.TableReferrers)).
		Where(entsql.EQ("id", referrerID)).
		Limit(1).
		Query()

	var bal Balance
	err := q.QueryRowContext(ctx, query, args...).Scan(&bal.TotalRevenue, &bal.AvailableBalance, &bal.PaidOutTotal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.New(domain.ErrReferrerNotFound, "referrer not found")
	}
	if err != nil {
		return nil, domain.NewStorageError("read balance", err)
	}
	return &bal, nil
}
