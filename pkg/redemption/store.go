package redemption

import (
	"context"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/partnerhub/api/pkg/database"
	"github.com/partnerhub/api/pkg/domain"
)

var columns = []string{
	"id", "user_id", "code", "code_id", "referrer_id", "role",
	"original_amount", "discount_rate", "discount_amount", "final_amount",
	"commission_rate", "referrer_revenue", "platform_revenue", "redeemed_at",
}

// ListByReferrer returns a page of a referrer's redemptions, newest first.
func (e *Engine) ListByReferrer(ctx context.Context, referrerID string, limit, offset int) ([]*Redemption, error) {
	return e.list(ctx, entsql.EQ("referrer_id", referrerID), limit, offset)
}

// ListByUser returns a page of a user's redemptions, newest first.
func (e *Engine) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Redemption, error) {
	return e.list(ctx, entsql.EQ("user_id", userID), limit, offset)
}

// ListBetween returns all redemptions in [from, to), oldest first.
func (e *Engine) ListBetween(ctx context.Context, from, to time.Time) ([]*Redemption, error) {
	b := e.db.Builder()
	query, args := b.Select(columns...).
		From(b.Table(database.TableRedemptions)).
		Where(entsql.And(entsql.GTE("redeemed_at", from), entsql.LT("redeemed_at", to))).
		OrderBy("redeemed_at").
		Query()
	return e.query(ctx, query, args)
}

func (e *Engine) list(ctx context.Context, pred *entsql.Predicate, limit, offset int) ([]*Redemption, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	b := e.db.Builder()
	sel := b.Select(columns...).
		From(b.Table(database.TableRedemptions)).
		Where(pred).
		OrderBy(entsql.Desc("redeemed_at")).
		Limit(limit)
	if offset > 0 {
		sel.Offset(offset)
	}
	query, args := sel.Query()
	return e.query(ctx, query, args)
}

func (e *Engine) query(ctx context.Context, query string, args []any) ([]*Redemption, error) {
	rows, err := e.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("list redemptions", err)
	}
	defer rows.Close()

	var out []*Redemption
	for rows.Next() {
		var (
			r    Redemption
			role string
		)
		err := rows.Scan(&r.ID, &r.UserID, &r.Code, &r.CodeID, &r.ReferrerID, &role,
			&r.OriginalAmount, &r.DiscountRate, &r.DiscountAmount, &r.FinalAmount,
			&r.CommissionRate, &r.ReferrerRevenue, &r.PlatformRevenue, &r.RedeemedAt)
		if err != nil {
			return nil, domain.NewStorageError("scan redemption", err)
		}
		r.Role = domain.Role(role)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("list redemptions", err)
	}
	return out, nil
}
