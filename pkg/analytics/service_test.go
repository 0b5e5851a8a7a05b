package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/partnerhub/api/pkg/cache"
	"github.com/partnerhub/api/pkg/codes"
	"github.com/partnerhub/api/pkg/database"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/ledger"
	"github.com/partnerhub/api/pkg/logger"
	"github.com/partnerhub/api/pkg/redemption"
	"github.com/partnerhub/api/pkg/referrer"
	"github.com/partnerhub/api/pkg/testdata"
	"github.com/partnerhub/api/pkg/users"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db        *database.Client
	svc       *Service
	engine    *redemption.Engine
	referrers *referrer.Service
	ledger    *ledger.Ledger
	redis     *miniredis.Miniredis
}

func setup(t *testing.T, withCache bool) *fixture {
	t.Helper()
	db := testdata.NewDB(t)
	log := logger.Discard()
	l := ledger.New(db)

	f := &fixture{db: db, ledger: l}
	var repo domain.CacheRepository
	if withCache {
		f.redis = miniredis.RunT(t)
		rc, err := cache.NewClient("redis://" + f.redis.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { rc.Close() })
		repo = rc
	}
	f.svc = NewService(db, l, repo)

	registry := codes.NewRegistry(db, codes.DefaultConfig(), log)
	userSvc := users.NewService(db)
	f.referrers = referrer.NewService(db, registry, userSvc, nil, referrer.DefaultConfig(), log)
	f.engine = redemption.NewEngine(db, registry, userSvc, f.referrers, l, log, redemption.WithInvalidator(f.svc))
	return f
}

func (f *fixture) approved(t *testing.T, role domain.Role, code string) *referrer.Referrer {
	t.Helper()
	ctx := context.Background()
	a := testdata.NewApplicant()
	r, err := f.referrers.SubmitApplication(ctx, testdata.InsertUser(t, f.db), role, referrer.Profile{
		Name: a.Name, Email: a.Email, PreferredCode: code,
	})
	require.NoError(t, err)
	r, err = f.referrers.UpdateStatus(ctx, r.ID, domain.StatusApproved)
	require.NoError(t, err)
	return r
}

func (f *fixture) redeem(t *testing.T, code, amount string) {
	t.Helper()
	_, err := f.engine.Redeem(context.Background(), code, testdata.InsertUser(t, f.db), decimal.RequireFromString(amount))
	require.NoError(t, err)
}

func TestReferrerStats(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - sums redemptions and balances", func(t *testing.T) {
		f := setup(t, false)
		r := f.approved(t, domain.RoleAmbassador, "REFSTAT1")
		// REF codes give 10% off; ambassadors keep 10% of the rest
		f.redeem(t, "REFSTAT1", "100")
		f.redeem(t, "REFSTAT1", "200")

		stats, err := f.svc.ReferrerStats(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.AllTime.Redemptions)
		assert.Equal(t, int64(2), stats.Last30Days.Redemptions)
		assert.True(t, stats.AllTime.GrossSales.Equal(decimal.NewFromInt(300)), stats.AllTime.GrossSales.String())
		assert.True(t, stats.AllTime.DiscountsGiven.Equal(decimal.NewFromInt(30)), stats.AllTime.DiscountsGiven.String())
		assert.True(t, stats.AvailableBalance.Equal(stats.AllTime.ReferrerRevenue))
		assert.True(t, stats.TotalRevenue.Equal(stats.AvailableBalance))
		assert.Zero(t, stats.PendingPayouts)
	})

	t.Run("Success - no redemptions yet", func(t *testing.T) {
		f := setup(t, false)
		r := f.approved(t, domain.RolePartner, "PROMOZERO")

		stats, err := f.svc.ReferrerStats(ctx, r.ID)
		require.NoError(t, err)
		assert.Zero(t, stats.AllTime.Redemptions)
		assert.True(t, stats.AllTime.GrossSales.IsZero())
	})

	t.Run("Error - unknown referrer", func(t *testing.T) {
		f := setup(t, false)
		_, err := f.svc.ReferrerStats(ctx, "missing")
		assert.True(t, domain.IsNotFound(err))
	})

	t.Run("Success - cached until invalidated", func(t *testing.T) {
		f := setup(t, true)
		r := f.approved(t, domain.RolePartner, "PROMOCACHE")
		f.redeem(t, "PROMOCACHE", "50")

		first, err := f.svc.ReferrerStats(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, f.redis.Exists(cache.KeyPrefix+referrerKey+r.ID))

		// a direct ledger write bypasses invalidation
		require.NoError(t, f.ledger.Credit(ctx, f.db.DB, r.ID, decimal.NewFromInt(8)))
		cached, err := f.svc.ReferrerStats(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, cached.AvailableBalance.Equal(first.AvailableBalance))

		require.NoError(t, f.svc.InvalidateReferrer(ctx, r.ID))
		fresh, err := f.svc.ReferrerStats(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, fresh.AvailableBalance.Equal(first.AvailableBalance.Add(decimal.NewFromInt(8))))
	})

	t.Run("Success - redemption drops the cache", func(t *testing.T) {
		f := setup(t, true)
		r := f.approved(t, domain.RolePartner, "PROMODROP")
		_, err := f.svc.ReferrerStats(ctx, r.ID)
		require.NoError(t, err)

		f.redeem(t, "PROMODROP", "50")
		assert.False(t, f.redis.Exists(cache.KeyPrefix+referrerKey+r.ID))

		stats, err := f.svc.ReferrerStats(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.AllTime.Redemptions)
	})

	t.Run("Success - entries expire", func(t *testing.T) {
		f := setup(t, true)
		r := f.approved(t, domain.RolePartner, "PROMOTTL")
		_, err := f.svc.ReferrerStats(ctx, r.ID)
		require.NoError(t, err)

		f.redis.FastForward(61 * time.Second)
		assert.False(t, f.redis.Exists(cache.KeyPrefix+referrerKey+r.ID))
	})
}

func TestPlatformStats(t *testing.T) {
	ctx := context.Background()
	f := setup(t, true)
	f.approved(t, domain.RolePartner, "PROMOP1")
	f.approved(t, domain.RoleAmbassador, "REFA1")
	f.redeem(t, "PROMOP1", "100")
	f.redeem(t, "REFA1", "100")

	stats, err := f.svc.PlatformStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.AllTime.Redemptions)
	assert.Equal(t, int64(2), stats.ActiveCodes)
	assert.Equal(t, int64(1), stats.Referrers["partner_approved"])
	assert.Equal(t, int64(1), stats.Referrers["ambassador_approved"])
	assert.True(t, stats.AllTime.GrossSales.Equal(decimal.NewFromInt(200)))
	assert.True(t, stats.OutstandingTotal.Equal(stats.AllTime.ReferrerRevenue), stats.OutstandingTotal.String())
	assert.True(t, stats.PaidOutTotal.IsZero())

	sum := stats.AllTime.ReferrerRevenue.Add(stats.AllTime.PlatformRevenue)
	net := stats.AllTime.GrossSales.Sub(stats.AllTime.DiscountsGiven)
	assert.True(t, sum.Equal(net), "%s != %s", sum, net)

	assert.True(t, f.redis.Exists(cache.KeyPrefix+platformKey))
}
