package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/partnerhub/api/pkg/codes"
	"github.com/partnerhub/api/pkg/database"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/email"
	"github.com/partnerhub/api/pkg/metrics"
	"github.com/partnerhub/api/pkg/payout"
	"github.com/partnerhub/api/pkg/redemption"
	"github.com/partnerhub/api/pkg/referrer"
	"github.com/partnerhub/api/pkg/report"
	"github.com/shopspring/decimal"
)

// Mailer sends the scheduled notifications.
type Mailer interface {
	SendPendingPayoutDigest(ctx context.Context, to string, items []email.PendingPayout) error
	SendEarningsSummary(ctx context.Context, to, name string, summary email.EarningsSummary) error
	SendCodeExpiring(ctx context.Context, to, name, code string, validTo time.Time) error
	SendStatementReady(ctx context.Context, to, name, period, url string) error
}

// Config holds settings for the scheduled tasks.
type Config struct {
	AdminEmail string
	Currency   string
	// ReminderLead is how far ahead of expiry a code reminder goes out.
	ReminderLead time.Duration
}

// Option customises Tasks.
type Option func(*Tasks)

// WithLocker makes each task run on one instance at a time.
func WithLocker(l domain.Locker) Option {
	return func(t *Tasks) { t.locker = l }
}

// WithReports enables monthly statements.
func WithReports(r *report.Service) Option {
	return func(t *Tasks) { t.reports = r }
}

// WithMetrics enables the connection pool gauge refresh.
func WithMetrics(m *metrics.Metrics, db *database.Client) Option {
	return func(t *Tasks) {
		t.metrics = m
		t.db = db
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tasks) { t.now = now }
}

// Tasks holds the work performed by scheduled jobs
type Tasks struct {
	referrers   *referrer.Service
	codes       *codes.Registry
	payouts     *payout.Service
	redemptions *redemption.Engine
	mailer      Mailer
	reports     *report.Service
	locker      domain.Locker
	metrics     *metrics.Metrics
	db          *database.Client
	cfg         Config
	logger      *log.Logger
	now         func() time.Time
}

// NewTasks creates the scheduled task set
func NewTasks(referrers *referrer.Service, registry *codes.Registry, payouts *payout.Service, redemptions *redemption.Engine, mailer Mailer, cfg Config, logger *log.Logger, opts ...Option) *Tasks {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ReminderLead <= 0 {
		cfg.ReminderLead = 7 * 24 * time.Hour
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	t := &Tasks{
		referrers:   referrers,
		codes:       registry,
		payouts:     payouts,
		redemptions: redemptions,
		mailer:      mailer,
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// exclusive runs fn unless another instance holds the task's lock.
func (t *Tasks) exclusive(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	if t.locker != nil {
		release, err := t.locker.Acquire(ctx, "job:"+name, ttl)
		if domain.IsConflict(err) {
			t.logger.Printf("⏭️  Skipping %s: running elsewhere", name)
			return nil
		}
		if err != nil {
			return err
		}
		defer release()
	}
	return fn(ctx)
}

// PendingPayoutDigest emails the admin every payout request awaiting review.
func (t *Tasks) PendingPayoutDigest(ctx context.Context) error {
	return t.exclusive(ctx, "payout_digest", 10*time.Minute, func(ctx context.Context) error {
		if t.cfg.AdminEmail == "" {
			return nil
		}
		pending, err := t.payouts.ListPending(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			t.logger.Println("✅ No pending payout requests")
			return nil
		}

		items := make([]email.PendingPayout, 0, len(pending))
		for _, p := range pending {
			name := p.ReferrerID
			if ref, err := t.referrers.Get(ctx, p.ReferrerID); err == nil {
				name = ref.Name
			}
			items = append(items, email.PendingPayout{
				RequestID:    p.ID,
				ReferrerName: name,
				Amount:       email.FormatDecimal(p.RequestedAmount, p.Currency),
				RequestedAt:  p.RequestedAt,
			})
		}
		t.logger.Printf("📨 Sending digest of %d pending payouts", len(items))
		return t.mailer.SendPendingPayoutDigest(ctx, t.cfg.AdminEmail, items)
	})
}

// EarningsSummaries emails each approved referrer their activity over the
// past week. Referrers with no redemptions and no balance are skipped.
func (t *Tasks) EarningsSummaries(ctx context.Context) error {
	return t.exclusive(ctx, "earnings_summary", 30*time.Minute, func(ctx context.Context) error {
		to := t.now()
		from := to.AddDate(0, 0, -7)
		redemptions, err := t.redemptions.ListBetween(ctx, from, to)
		if err != nil {
			return err
		}
		type agg struct {
			count  int
			earned decimal.Decimal
		}
		byRef := make(map[string]*agg)
		for _, r := range redemptions {
			a := byRef[r.ReferrerID]
			if a == nil {
				a = &agg{}
				byRef[r.ReferrerID] = a
			}
			a.count++
			a.earned = a.earned.Add(r.ReferrerRevenue)
		}

		refs, err := t.approvedReferrers(ctx)
		if err != nil {
			return err
		}
		sent := 0
		for _, ref := range refs {
			a := byRef[ref.ID]
			if a == nil && !ref.AvailableBalance.IsPositive() {
				continue
			}
			if a == nil {
				a = &agg{}
			}
			summary := email.EarningsSummary{
				Period:      fmt.Sprintf("%s - %s", from.Format("Jan 2"), to.Format("Jan 2, 2006")),
				Redemptions: a.count,
				Earned:      email.FormatDecimal(a.earned, t.cfg.Currency),
				Available:   email.FormatDecimal(ref.AvailableBalance, t.cfg.Currency),
			}
			if err := t.mailer.SendEarningsSummary(ctx, ref.Email, ref.Name, summary); err != nil {
				t.metrics.RecordNotificationFailure("earnings_summary")
				t.logger.Printf("⚠️  Failed to send summary to referrer %s: %v", ref.ID, err)
				continue
			}
			sent++
		}
		t.logger.Printf("✅ Sent %d earnings summaries", sent)
		return nil
	})
}

// ExpiringCodeReminders warns owners of active codes expiring within the
// next day of the reminder lead. Running daily reminds each code once.
func (t *Tasks) ExpiringCodeReminders(ctx context.Context) error {
	return t.exclusive(ctx, "code_reminders", 10*time.Minute, func(ctx context.Context) error {
		active, err := t.codes.ListActive(ctx)
		if err != nil {
			return err
		}
		windowStart := t.now().Add(t.cfg.ReminderLead - 24*time.Hour)
		windowEnd := t.now().Add(t.cfg.ReminderLead)

		sent := 0
		for _, c := range active {
			if c.ValidTo == nil || c.ValidTo.Before(windowStart) || !c.ValidTo.Before(windowEnd) {
				continue
			}
			ref, err := t.referrers.Get(ctx, c.ReferrerID)
			if err != nil {
				t.logger.Printf("⚠️  Code %s has no referrer: %v", c.Code, err)
				continue
			}
			if err := t.mailer.SendCodeExpiring(ctx, ref.Email, ref.Name, c.Code, *c.ValidTo); err != nil {
				t.metrics.RecordNotificationFailure("code_expiring")
				t.logger.Printf("⚠️  Failed to send reminder for code %s: %v", c.Code, err)
				continue
			}
			sent++
		}
		t.logger.Printf("✅ Sent %d code expiry reminders", sent)
		return nil
	})
}

// MonthlyStatements builds last month's statements and emails the links.
func (t *Tasks) MonthlyStatements(ctx context.Context) error {
	if t.reports == nil {
		return nil
	}
	return t.exclusive(ctx, "statements", time.Hour, func(ctx context.Context) error {
		from, to := report.MonthBounds(t.now().AddDate(0, -1, 0))
		refs, err := t.approvedReferrers(ctx)
		if err != nil {
			return err
		}
		statements, err := t.reports.Statements(ctx, refs, from, to)
		if err != nil {
			return err
		}

		byID := make(map[string]*referrer.Referrer, len(refs))
		for _, r := range refs {
			byID[r.ID] = r
		}
		period := from.Format("January 2006")
		for _, st := range statements {
			ref := byID[st.ReferrerID]
			if err := t.mailer.SendStatementReady(ctx, ref.Email, ref.Name, period, st.URL); err != nil {
				t.metrics.RecordNotificationFailure("statement")
				t.logger.Printf("⚠️  Failed to send statement to referrer %s: %v", ref.ID, err)
			}
		}
		t.logger.Printf("✅ Generated %d statements for %s", len(statements), period)
		return nil
	})
}

// RefreshPoolMetrics publishes the database connection count.
func (t *Tasks) RefreshPoolMetrics() {
	if t.metrics == nil || t.db == nil {
		return
	}
	t.metrics.UpdateDBConnections(float64(t.db.Stats().OpenConnections))
}

func (t *Tasks) approvedReferrers(ctx context.Context) ([]*referrer.Referrer, error) {
	const page = 200
	var out []*referrer.Referrer
	for offset := 0; ; offset += page {
		batch, err := t.referrers.List(ctx, referrer.Filter{Status: domain.StatusApproved, Limit: page, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page {
			return out, nil
		}
	}
}
