package redemption

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/partnerhub/api/pkg/codes"
	"github.com/partnerhub/api/pkg/database"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/ledger"
	"github.com/partnerhub/api/pkg/logger"
	"github.com/partnerhub/api/pkg/referrer"
	"github.com/partnerhub/api/pkg/testdata"
	"github.com/partnerhub/api/pkg/users"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingInvalidator) InvalidateReferrer(_ context.Context, referrerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, referrerID)
	return nil
}

type fixture struct {
	db        *database.Client
	engine    *Engine
	codes     *codes.Registry
	users     *users.Service
	referrers *referrer.Service
	ledger    *ledger.Ledger
	inv       *recordingInvalidator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testdata.NewSharedDB(t)
	log := logger.Discard()
	registry := codes.NewRegistry(db, codes.DefaultConfig(), log)
	userSvc := users.NewService(db)
	referrers := referrer.NewService(db, registry, userSvc, nil, referrer.DefaultConfig(), log)
	l := ledger.New(db)
	inv := &recordingInvalidator{}
	engine := NewEngine(db, registry, userSvc, referrers, l, log, WithInvalidator(inv))
	return &fixture{db: db, engine: engine, codes: registry, users: userSvc, referrers: referrers, ledger: l, inv: inv}
}

func (f *fixture) user(t *testing.T) string {
	t.Helper()
	a := testdata.NewApplicant()
	u, err := f.users.Create(context.Background(), a.Email, a.Name)
	require.NoError(t, err)
	return u.ID
}

// approvedReferrer creates an approved referrer owning an active code.
func (f *fixture) approvedReferrer(t *testing.T, role domain.Role, code string, rate *decimal.Decimal) *referrer.Referrer {
	t.Helper()
	ctx := context.Background()
	a := testdata.NewApplicant()
	r, err := f.referrers.SubmitApplication(ctx, f.user(t), role, referrer.Profile{
		Name: a.Name, Email: a.Email, PreferredCode: code, CommissionRate: rate,
	})
	require.NoError(t, err)
	r, err = f.referrers.UpdateStatus(ctx, r.ID, domain.StatusApproved)
	require.NoError(t, err)
	return r
}

func (f *fixture) balance(t *testing.T, referrerID string) decimal.Decimal {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), f.db.DB, referrerID)
	require.NoError(t, err)
	return bal.AvailableBalance
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEngine_Redeem(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - PROMO1 at 20% with 0.3 commission", func(t *testing.T) {
		f := setup(t)
		rate := d("0.3")
		ref := f.approvedReferrer(t, domain.RolePartner, "PROMO1", &rate)

		r, err := f.engine.Redeem(ctx, "promo1", f.user(t), d("100"))
		require.NoError(t, err)
		assert.True(t, r.DiscountAmount.Equal(d("20")), r.DiscountAmount.String())
		assert.True(t, r.FinalAmount.Equal(d("80")))
		assert.True(t, r.ReferrerRevenue.Equal(d("24")))
		assert.True(t, r.PlatformRevenue.Equal(d("56")))
		assert.Equal(t, "PROMO1", r.Code)

		assert.True(t, f.balance(t, ref.ID).Equal(d("24")))
		code, err := f.codes.GetByCode(ctx, "PROMO1")
		require.NoError(t, err)
		assert.Equal(t, 1, code.TimesUsed)
		assert.Equal(t, []string{ref.ID}, f.inv.ids)
	})

	t.Run("Success - ambassador default commission", func(t *testing.T) {
		f := setup(t)
		f.approvedReferrer(t, domain.RoleAmbassador, "REFAMB1", nil)

		r, err := f.engine.Redeem(ctx, "REFAMB1", f.user(t), d("200"))
		require.NoError(t, err)
		assert.True(t, r.DiscountAmount.Equal(d("20")))
		assert.True(t, r.CommissionRate.Equal(d("0.1")))
		assert.True(t, r.ReferrerRevenue.Equal(d("18")))
	})

	t.Run("Success - amount identities hold", func(t *testing.T) {
		f := setup(t)
		rate := d("0.35")
		f.approvedReferrer(t, domain.RolePartner, "SPLIT1", &rate)

		for i := 0; i < 10; i++ {
			amount := d(testdata.PurchaseAmount())
			r, err := f.engine.Redeem(ctx, "SPLIT1", f.user(t), amount)
			require.NoError(t, err)
			assert.True(t, r.DiscountAmount.Add(r.FinalAmount).Equal(r.OriginalAmount))
			assert.True(t, r.ReferrerRevenue.Add(r.PlatformRevenue).Equal(r.FinalAmount))
		}
	})

	t.Run("Success - balance accumulates additively", func(t *testing.T) {
		f := setup(t)
		rate := d("0.3")
		ref := f.approvedReferrer(t, domain.RolePartner, "ACCUM1", &rate)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			userID := f.user(t)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.engine.Redeem(ctx, "ACCUM1", userID, d("50"))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		// 4 * 50 * (1 - 0.2) * 0.3
		assert.True(t, f.balance(t, ref.ID).Equal(d("48")), f.balance(t, ref.ID).String())
	})

	t.Run("Failure - same user cannot redeem twice", func(t *testing.T) {
		f := setup(t)
		rate := d("0.3")
		ref := f.approvedReferrer(t, domain.RolePartner, "TWICE1", &rate)
		userID := f.user(t)

		_, err := f.engine.Redeem(ctx, "TWICE1", userID, d("100"))
		require.NoError(t, err)
		_, err = f.engine.Redeem(ctx, "TWICE1", userID, d("100"))
		assert.True(t, errors.Is(err, domain.ErrAlreadyRedeemed))
		assert.True(t, f.balance(t, ref.ID).Equal(d("24")))
	})

	t.Run("Failure - concurrent duplicate redemptions write one record", func(t *testing.T) {
		f := setup(t)
		rate := d("0.3")
		ref := f.approvedReferrer(t, domain.RolePartner, "RACE1", &rate)
		userID := f.user(t)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.engine.Redeem(ctx, "RACE1", userID, d("100"))
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
				assert.True(t, errors.Is(err, domain.ErrAlreadyRedeemed), err.Error())
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		list, err := f.engine.ListByReferrer(ctx, ref.ID, 10, 0)
		require.NoError(t, err)
		assert.Len(t, list, 1)
		assert.True(t, f.balance(t, ref.ID).Equal(d("24")))
	})

	t.Run("Failure - usage limit of one", func(t *testing.T) {
		f := setup(t)
		ref := f.approvedReferrer(t, domain.RolePartner, "ONCE1", nil)
		limit := 1
		_, err := f.codes.SetUsageLimit(ctx, ref.CodeID, &limit)
		require.NoError(t, err)

		_, err = f.engine.Redeem(ctx, "ONCE1", f.user(t), d("100"))
		require.NoError(t, err)
		_, err = f.engine.Redeem(ctx, "ONCE1", f.user(t), d("100"))
		assert.True(t, errors.Is(err, domain.ErrUsageLimitReached))
	})

	t.Run("Failure - usage limit holds under concurrency", func(t *testing.T) {
		f := setup(t)
		ref := f.approvedReferrer(t, domain.RoleAmbassador, "LIMIT3", nil)
		limit := 3
		_, err := f.codes.SetUsageLimit(ctx, ref.CodeID, &limit)
		require.NoError(t, err)

		userIDs := make([]string, 6)
		for i := range userIDs {
			userIDs[i] = f.user(t)
		}

		var wg sync.WaitGroup
		for _, id := range userIDs {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				_, err := f.engine.Redeem(ctx, "LIMIT3", userID, d("10"))
				if err != nil {
					assert.True(t, errors.Is(err, domain.ErrUsageLimitReached), err.Error())
				}
			}(id)
		}
		wg.Wait()

		list, err := f.engine.ListByReferrer(ctx, ref.ID, 10, 0)
		require.NoError(t, err)
		assert.Len(t, list, 3)
		code, err := f.codes.Get(ctx, ref.CodeID)
		require.NoError(t, err)
		assert.Equal(t, 3, code.TimesUsed)
	})

	t.Run("Failure - validation errors surface unchanged", func(t *testing.T) {
		f := setup(t)
		rate := d("0.3")
		ref := f.approvedReferrer(t, domain.RolePartner, "GUARD1", &rate)
		userID := f.user(t)

		_, err := f.engine.Redeem(ctx, "GUARD1", "missing-user", d("100"))
		assert.True(t, errors.Is(err, domain.ErrUnknownUser))

		_, err = f.engine.Redeem(ctx, "NOSUCH", userID, d("100"))
		assert.True(t, errors.Is(err, domain.ErrNoSuchCode))

		_, err = f.engine.Redeem(ctx, "GUARD1", userID, d("0"))
		assert.True(t, errors.Is(err, domain.ErrInvalidAmount))

		_, err = f.engine.Redeem(ctx, "GUARD1", ref.UserID, d("100"))
		assert.True(t, errors.Is(err, domain.ErrSelfRedemption))

		_, err = f.referrers.UpdateStatus(ctx, ref.ID, domain.StatusDeclined)
		require.NoError(t, err)
		_, err = f.engine.Redeem(ctx, "GUARD1", userID, d("100"))
		assert.True(t, errors.Is(err, domain.ErrCodeNotActive))

		assert.True(t, f.balance(t, ref.ID).IsZero())
	})
}

func TestEngine_ListByUser(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.approvedReferrer(t, domain.RolePartner, "LISTA1", nil)
	f.approvedReferrer(t, domain.RoleAmbassador, "LISTB1", nil)
	userID := f.user(t)

	_, err := f.engine.Redeem(ctx, "LISTA1", userID, d("10"))
	require.NoError(t, err)
	_, err = f.engine.Redeem(ctx, "LISTB1", userID, d("20"))
	require.NoError(t, err)

	list, err := f.engine.ListByUser(ctx, userID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
