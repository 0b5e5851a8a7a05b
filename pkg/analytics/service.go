// Package analytics aggregates redemption and payout activity for referrer
// dashboards and the admin overview. Results are cached briefly in Redis and
// dropped whenever a balance changes.
package analytics

import (
	"context"
	"log"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/partnerhub/api/pkg/database"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/ledger"
	"github.com/partnerhub/api/pkg/metrics"
	"github.com/shopspring/decimal"
)

const (
	platformKey = "stats:platform"
	referrerKey = "stats:referrer:"
)

// Totals sums redemptions over some window.
type Totals struct {
	Redemptions     int64           `json:"redemptions"`
	GrossSales      decimal.Decimal `json:"gross_sales"`
	DiscountsGiven  decimal.Decimal `json:"discounts_given"`
	ReferrerRevenue decimal.Decimal `json:"referrer_revenue"`
	PlatformRevenue decimal.Decimal `json:"platform_revenue"`
}

// ReferrerStats is a referrer's dashboard summary.
type ReferrerStats struct {
	ReferrerID       string          `json:"referrer_id"`
	AllTime          Totals          `json:"all_time"`
	Last30Days       Totals          `json:"last_30_days"`
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	PaidOutTotal     decimal.Decimal `json:"paid_out_total"`
	PendingPayouts   int64           `json:"pending_payouts"`
	GeneratedAt      time.Time       `json:"generated_at"`
}

// PlatformStats is the admin overview.
type PlatformStats struct {
	Referrers        map[string]int64 `json:"referrers"`
	ActiveCodes      int64            `json:"active_codes"`
	AllTime          Totals           `json:"all_time"`
	Last30Days       Totals           `json:"last_30_days"`
	OutstandingTotal decimal.Decimal  `json:"outstanding_balance"`
	PaidOutTotal     decimal.Decimal  `json:"paid_out_total"`
	PendingPayouts   int64            `json:"pending_payouts"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records cache hits and misses on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTTL overrides how long aggregates stay cached.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// Service computes dashboard statistics
type Service struct {
	db      *database.Client
	ledger  *ledger.Ledger
	cache   domain.CacheRepository
	metrics *metrics.Metrics
	now     func() time.Time
	ttl     time.Duration
}

// NewService creates a new analytics service. cache may be nil.
func NewService(db *database.Client, l *ledger.Ledger, cache domain.CacheRepository, opts ...Option) *Service {
	s := &Service{
		db:     db,
		ledger: l,
		cache:  cache,
		now:    func() time.Time { return time.Now().UTC() },
		ttl:    60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReferrerStats returns a referrer's totals and balances.
func (s *Service) ReferrerStats(ctx context.Context, referrerID string) (*ReferrerStats, error) {
	var stats ReferrerStats
	if s.cached(ctx, referrerKey+referrerID, &stats) {
		return &stats, nil
	}

	bal, err := s.ledger.Balance(ctx, s.db.DB, referrerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	byReferrer := entsql.EQ("referrer_id", referrerID)
	all, err := s.totals(ctx, byReferrer)
	if err != nil {
		return nil, err
	}
	recent, err := s.totals(ctx, entsql.And(byReferrer, entsql.GTE("redeemed_at", now.AddDate(0, 0, -30))))
	if err != nil {
		return nil, err
	}
	pending, err := s.count(ctx, database.TablePayoutRequests,
		entsql.And(entsql.EQ("referrer_id", referrerID), entsql.EQ("status", domain.PayoutPending)))
	if err != nil {
		return nil, err
	}

	stats = ReferrerStats{
		ReferrerID:       referrerID,
		AllTime:          *all,
		Last30Days:       *recent,
		TotalRevenue:     bal.TotalRevenue,
		AvailableBalance: bal.AvailableBalance,
		PaidOutTotal:     bal.PaidOutTotal,
		PendingPayouts:   pending,
		GeneratedAt:      now,
	}
	s.store(ctx, referrerKey+referrerID, &stats)
	return &stats, nil
}

// PlatformStats returns program-wide totals.
func (s *Service) PlatformStats(ctx context.Context) (*PlatformStats, error) {
	var stats PlatformStats
	if s.cached(ctx, platformKey, &stats) {
		return &stats, nil
	}

	now := s.now()
	all, err := s.totals(ctx, nil)
	if err != nil {
		return nil, err
	}
	recent, err := s.totals(ctx, entsql.GTE("redeemed_at", now.AddDate(0, 0, -30)))
	if err != nil {
		return nil, err
	}
	referrers, err := s.referrerCounts(ctx)
	if err != nil {
		return nil, err
	}
	activeCodes, err := s.count(ctx, database.TableCodes, entsql.EQ("status", domain.CodeActive))
	if err != nil {
		return nil, err
	}
	pending, err := s.count(ctx, database.TablePayoutRequests, entsql.EQ("status", domain.PayoutPending))
	if err != nil {
		return nil, err
	}

	b := s.db.Builder()
	query, args := b.Select(entsql.Sum("available_balance"), entsql.Sum("paid_out_total")).
		From(b.Table(database.TableReferrers)).
		Query()
	var outstanding, paid decimal.NullDecimal
	if err := s.db.DB.QueryRowContext(ctx, query, args...).Scan(&outstanding, &paid); err != nil {
		return nil, domain.NewStorageError("sum balances", err)
	}

	stats = PlatformStats{
		Referrers:        referrers,
		ActiveCodes:      activeCodes,
		AllTime:          *all,
		Last30Days:       *recent,
		OutstandingTotal: outstanding.Decimal,
		PaidOutTotal:     paid.Decimal,
		PendingPayouts:   pending,
		GeneratedAt:      now,
	}
	s.store(ctx, platformKey, &stats)
	return &stats, nil
}

// InvalidateReferrer drops cached aggregates touched by a balance change.
func (s *Service) InvalidateReferrer(ctx context.Context, referrerID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, referrerKey+referrerID, platformKey)
}

func (s *Service) totals(ctx context.Context, pred *entsql.Predicate) (*Totals, error) {
	b := s.db.Builder()
	sel := b.Select(
		entsql.Count("*"),
		entsql.Sum("original_amount"),
		entsql.Sum("discount_amount"),
		entsql.Sum("referrer_revenue"),
		entsql.Sum("platform_revenue"),
	).From(b.Table(database.TableRedemptions))
	if pred != nil {
		sel = sel.Where(pred)
	}
	query, args := sel.Query()

	var (
		t                       Totals
		gross, disc, ref, platf decimal.NullDecimal
	)
	if err := s.db.DB.QueryRowContext(ctx, query, args...).Scan(&t.Redemptions, &gross, &disc, &ref, &platf); err != nil {
		return nil, domain.NewStorageError("sum redemptions", err)
	}
	t.GrossSales = gross.Decimal
	t.DiscountsGiven = disc.Decimal
	t.ReferrerRevenue = ref.Decimal
	t.PlatformRevenue = platf.Decimal
	return &t, nil
}

func (s *Service) count(ctx context.Context, table string, pred *entsql.Predicate) (int64, error) {
	b := s.db.Builder()
	query, args := b.Select(entsql.Count("*")).From(b.Table(table)).Where(pred).Query()
	var n int64
	if err := s.db.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, domain.NewStorageError("count "+table, err)
	}
	return n, nil
}

func (s *Service) referrerCounts(ctx context.Context) (map[string]int64, error) {
	b := s.db.Builder()
	query, args := b.Select("role", "status", entsql.Count("*")).
		From(b.Table(database.TableReferrers)).
		GroupBy("role", "status").
		Query()
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("count referrers", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var role, status string
		var n int64
		if err := rows.Scan(&role, &status, &n); err != nil {
			return nil, domain.NewStorageError("count referrers", err)
		}
		counts[role+"_"+status] = n
	}
	return counts, rows.Err()
}

func (s *Service) cached(ctx context.Context, key string, dst any) bool {
	if s.cache == nil {
		return false
	}
	hit, err := s.cache.GetJSON(ctx, key, dst)
	if err != nil {
		log.Printf("⚠️  Stats cache unavailable: %v", err)
	}
	if !hit {
		s.metrics.RecordCacheMiss("stats")
		return false
	}
	s.metrics.RecordCacheHit("stats")
	return true
}

func (s *Service) store(ctx context.Context, key string, v any) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJSON(ctx, key, v, s.ttl); err != nil {
		log.Printf("⚠️  Failed to cache %s: %v", key, err)
	}
}
