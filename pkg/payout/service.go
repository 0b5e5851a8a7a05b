// Package payout runs the payout request state machine:
// pending -> approved | cancelled. Approval transfers the referrer's current
// balance through the payment processor and settles the ledger only after
// the transfer has been confirmed.
package payout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/partnerhub/api/pkg/database"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/ledger"
	"github.com/partnerhub/api/pkg/logger"
	"github.com/partnerhub/api/pkg/metrics"
	"github.com/partnerhub/api/pkg/money"
	"github.com/partnerhub/api/pkg/referrer"
	"github.com/shopspring/decimal"
)

// Request is a referrer's request to withdraw their balance.
type Request struct {
	ID              string           `json:"id"`
	ReferrerID      string           `json:"referrer_id"`
	PayoutAccountID string           `json:"payout_account_id"`
	RequestedAmount decimal.Decimal  `json:"requested_amount"`
	SettledAmount   *decimal.Decimal `json:"settled_amount,omitempty"`
	AmountMinor     *int64           `json:"amount_minor,omitempty"`
	Attempt         int              `json:"attempt"`
	Currency        string           `json:"currency"`
	Status          string           `json:"status"`
	TransferID      string           `json:"transfer_id,omitempty"`
	RequestedAt     time.Time        `json:"requested_at"`
	ProcessedAt     *time.Time       `json:"processed_at,omitempty"`
}

// Transferer moves funds to a connected payout account and returns the
// processor's transfer id. Repeated calls with the same idempotency key must
// not move funds twice.
type Transferer interface {
	Transfer(ctx context.Context, accountID string, amountMinor int64, currency, idempotencyKey string) (string, error)
}

// Notifier tells a referrer their payout was sent.
type Notifier interface {
	SendPayoutProcessed(ctx context.Context, to, name string, amountMinor int64, currency string) error
}

// StatsInvalidator drops cached aggregates after a balance change.
type StatsInvalidator interface {
	InvalidateReferrer(ctx context.Context, referrerID string) error
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocker serialises payout operations per referrer across instances.
func WithLocker(l domain.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithNotifier emails referrers when a payout is sent.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithInvalidator drops cached stats after settlements.
func WithInvalidator(inv StatsInvalidator) Option {
	return func(s *Service) { s.invalidator = inv }
}

// WithMetrics records payout transitions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service handles payout requests
type Service struct {
	db          *database.Client
	referrers   *referrer.Service
	ledger      *ledger.Ledger
	transferer  Transferer
	locker      domain.Locker
	notifier    Notifier
	invalidator StatsInvalidator
	logger      logger.Logger
	metrics     *metrics.Metrics
	currency    string
	now         func() time.Time
	lockTTL     time.Duration

	wg sync.WaitGroup
}

// NewService creates a new payout service
func NewService(db *database.Client, referrers *referrer.Service, l *ledger.Ledger, transferer Transferer, currency string, log logger.Logger, opts ...Option) *Service {
	if currency == "" {
		currency = "usd"
	}
	s := &Service{
		db:         db,
		referrers:  referrers,
		ledger:     l,
		transferer: transferer,
		logger:     log,
		currency:   currency,
		now:        func() time.Time { return time.Now().UTC() },
		lockTTL:    2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var columns = []string{
	"id", "referrer_id", "payout_account_id", "requested_amount", "settled_amount",
	"amount_minor", "attempt", "currency", "status", "transfer_id", "requested_at", "processed_at",
}

// Request opens a pending payout for the referrer's full available balance.
// A referrer has at most one pending request at a time.
func (s *Service) Request(ctx context.Context, referrerID, payoutAccountID string) (*Request, error) {
	release, err := s.lock(ctx, referrerID)
	if err != nil {
		return nil, err
	}
	defer release()

	ref, err := s.referrers.Get(ctx, referrerID)
	if err != nil {
		return nil, err
	}
	if ref.PayoutAccountID == "" || ref.PayoutAccountID != payoutAccountID {
		return nil, domain.New(domain.ErrAccountMismatch, "payout account does not match the account on file")
	}
	if !ref.PayoutsEnabled {
		return nil, domain.New(domain.ErrAccountNotReady, "payout account onboarding is not complete")
	}
	if !ref.AvailableBalance.IsPositive() {
		return nil, domain.New(domain.ErrNoBalance, "no available balance to pay out")
	}
	open, err := s.hasOpen(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, errOpenRequest()
	}

	req := &Request{
		ID:              uuid.NewString(),
		ReferrerID:      ref.ID,
		PayoutAccountID: payoutAccountID,
		RequestedAmount: ref.AvailableBalance,
		Currency:        s.currency,
		Status:          domain.PayoutPending,
		RequestedAt:     s.now(),
	}

	b := s.db.Builder()
	query, args := b.Insert(database.TablePayoutRequests).
		Columns("id", "referrer_id", "payout_account_id", "requested_amount", "currency", "status", "requested_at").
		Values(req.ID, req.ReferrerID, req.PayoutAccountID, req.RequestedAmount, req.Currency, req.Status, req.RequestedAt).
		Query()
	if _, err := database.Exec(ctx, s.db.DB, query, args); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, errOpenRequest()
		}
		return nil, domain.NewStorageError("create payout request", err)
	}

	s.metrics.RecordPayout(domain.PayoutPending, 0)
	s.logger.Info("payout requested", "request_id", req.ID, "referrer_id", ref.ID, "amount", req.RequestedAmount.String())
	return req, nil
}

func errOpenRequest() error {
	return domain.New(domain.ErrPayoutInProgress, "referrer already has a pending payout request")
}

func (s *Service) hasOpen(ctx context.Context, referrerID string) (bool, error) {
	b := s.db.Builder()
	query, args := b.Select(entsql.Count("*")).
		From(b.Table(database.TablePayoutRequests)).
		Where(entsql.And(entsql.EQ("referrer_id", referrerID), entsql.EQ("status", domain.PayoutPending))).
		Query()
	var n int
	if err := s.db.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, domain.NewStorageError("count open payout requests", err)
	}
	return n > 0, nil
}

// Approve transfers the referrer's current balance and settles it. The
// amount is claimed on the request before the transfer, so a retry after a
// failure sends the same transfer under the same idempotency key. If the
// transfer fails nothing else changes and the request stays pending.
func (s *Service) Approve(ctx context.Context, requestID string) (*Request, error) {
	req, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	release, err := s.lock(ctx, req.ReferrerID)
	if err != nil {
		return nil, err
	}
	defer release()

	// re-read under the lock
	req, err = s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.PayoutPending {
		return nil, domain.New(domain.ErrNotPending, fmt.Sprintf("payout request is already %s", req.Status))
	}

	ref, err := s.referrers.Get(ctx, req.ReferrerID)
	if err != nil {
		return nil, err
	}
	if ref.PayoutAccountID != req.PayoutAccountID {
		return nil, domain.New(domain.ErrAccountMismatch, "payout account changed since the request was made")
	}

	balance, minor, err := s.claim(ctx, req, ref)
	if err != nil {
		return nil, err
	}

	transferID, err := s.transferer.Transfer(ctx, req.PayoutAccountID, minor, req.Currency, idempotencyKey(req))
	if err != nil {
		s.metrics.RecordPayout("failed", 0)
		s.logger.Error("payout transfer failed", "request_id", req.ID, "referrer_id", ref.ID, "amount_minor", minor, "attempt", req.Attempt, "error", err)
		if errors.Is(err, domain.ErrTransferRejected) {
			// nothing moved, so the next approval may pay a fresh amount
			s.unclaim(ctx, req.ID)
			return nil, err
		}
		if domain.GetErrorCode(err) == domain.ErrCodeExternal {
			return nil, err
		}
		return nil, domain.Wrap(domain.ErrTransferFailed, "transfer failed", err)
	}

	now := s.now()
	err = s.db.WithTx(ctx, func(tx database.Querier) error {
		b := s.db.Builder()
		query, args := b.Update(database.TablePayoutRequests).
			Set("status", domain.PayoutApproved).
			Set("transfer_id", transferID).
			Set("processed_at", now).
			Where(entsql.And(entsql.EQ("id", req.ID), entsql.EQ("status", domain.PayoutPending))).
			Query()
		n, err := database.Exec(ctx, tx, query, args)
		if err != nil {
			return domain.NewStorageError("approve payout request", err)
		}
		if n == 0 {
			return domain.New(domain.ErrNotPending, "payout request is no longer pending")
		}
		return s.ledger.Settle(ctx, tx, ref.ID, balance)
	})
	if err != nil {
		// funds moved but local state did not; the claim stays on the
		// request and a retry gets the same transfer back
		s.logger.Error("payout transferred but not recorded",
			"request_id", req.ID, "transfer_id", transferID, "amount_minor", minor, "error", err)
		return nil, err
	}

	req.Status = domain.PayoutApproved
	req.TransferID = transferID
	req.ProcessedAt = &now

	s.metrics.RecordPayout(domain.PayoutApproved, minor)
	s.logger.Info("payout approved", "request_id", req.ID, "referrer_id", ref.ID, "transfer_id", transferID, "amount_minor", minor)
	s.invalidate(ctx, ref.ID)
	s.notify(ref, minor, req.Currency)
	return req, nil
}

// claim fixes the amount a request will transfer. A request claimed by an
// earlier attempt keeps its amount.
func (s *Service) claim(ctx context.Context, req *Request, ref *referrer.Referrer) (decimal.Decimal, int64, error) {
	if req.SettledAmount != nil && req.AmountMinor != nil {
		s.logger.Info("resuming claimed payout", "request_id", req.ID, "amount_minor", *req.AmountMinor, "attempt", req.Attempt)
		return *req.SettledAmount, *req.AmountMinor, nil
	}

	// the snapshot may be stale; pay what is available now
	balance := ref.AvailableBalance
	if !balance.IsPositive() {
		return decimal.Zero, 0, domain.New(domain.ErrNoBalance, "no available balance to pay out")
	}
	minor, err := money.ToMinorUnits(balance)
	if err != nil {
		return decimal.Zero, 0, domain.NewInternalError(err)
	}
	if minor <= 0 {
		return decimal.Zero, 0, domain.New(domain.ErrNoBalance, "available balance is below the smallest transferable amount")
	}

	b := s.db.Builder()
	query, args := b.Update(database.TablePayoutRequests).
		Set("settled_amount", balance).
		Set("amount_minor", minor).
		Add("attempt", 1).
		Where(entsql.And(
			entsql.EQ("id", req.ID),
			entsql.EQ("status", domain.PayoutPending),
			entsql.IsNull("amount_minor"),
		)).
		Query()
	n, err := database.Exec(ctx, s.db.DB, query, args)
	if err != nil {
		return decimal.Zero, 0, domain.NewStorageError("claim payout amount", err)
	}
	if n == 0 {
		return decimal.Zero, 0, domain.New(domain.ErrPayoutInProgress, "payout request is being approved elsewhere")
	}

	req.SettledAmount = &balance
	req.AmountMinor = &minor
	req.Attempt++
	return balance, minor, nil
}

// unclaim clears the amount after the processor refused a transfer.
func (s *Service) unclaim(ctx context.Context, requestID string) {
	b := s.db.Builder()
	query, args := b.Update(database.TablePayoutRequests).
		SetNull("settled_amount").
		SetNull("amount_minor").
		Where(entsql.And(entsql.EQ("id", requestID), entsql.EQ("status", domain.PayoutPending))).
		Query()
	if _, err := database.Exec(ctx, s.db.DB, query, args); err != nil {
		s.logger.Error("failed to release payout claim", "request_id", requestID, "error", err)
	}
}

// idempotencyKey is stable for one claim. A fresh claim after a rejected
// transfer gets a new key.
func idempotencyKey(req *Request) string {
	if req.Attempt <= 1 {
		return "payout-" + req.ID
	}
	return fmt.Sprintf("payout-%s-%d", req.ID, req.Attempt)
}

// Cancel closes a pending request without touching the balance. A request
// whose transfer may already have been sent cannot be cancelled; approving
// it again reconciles it with the processor.
func (s *Service) Cancel(ctx context.Context, requestID string) (*Request, error) {
	req, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	release, err := s.lock(ctx, req.ReferrerID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := s.now()
	b := s.db.Builder()
	query, args := b.Update(database.TablePayoutRequests).
		Set("status", domain.PayoutCancelled).
		Set("processed_at", now).
		Where(entsql.And(
			entsql.EQ("id", requestID),
			entsql.EQ("status", domain.PayoutPending),
			entsql.IsNull("amount_minor"),
		)).
		Query()
	n, err := database.Exec(ctx, s.db.DB, query, args)
	if err != nil {
		return nil, domain.NewStorageError("cancel payout request", err)
	}

	req, err = s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if req.Status == domain.PayoutPending {
			return nil, domain.New(domain.ErrPayoutInProgress, "a transfer for this payout request may have been sent; approve it again to reconcile")
		}
		return nil, domain.New(domain.ErrNotPending, fmt.Sprintf("payout request is already %s", req.Status))
	}

	s.metrics.RecordPayout(domain.PayoutCancelled, 0)
	s.logger.Info("payout cancelled", "request_id", req.ID, "referrer_id", req.ReferrerID)
	return req, nil
}

// lock serialises payout operations per referrer across instances.
func (s *Service) lock(ctx context.Context, referrerID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.Acquire(ctx, "payout:referrer:"+referrerID, s.lockTTL)
}

func (s *Service) invalidate(ctx context.Context, referrerID string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.InvalidateReferrer(ctx, referrerID); err != nil {
		s.logger.Warn("failed to invalidate stats cache", "referrer_id", referrerID, "error", err)
	}
}

func (s *Service) notify(ref *referrer.Referrer, amountMinor int64, currency string) {
	if s.notifier == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.notifier.SendPayoutProcessed(ctx, ref.Email, ref.Name, amountMinor, currency); err != nil {
			s.metrics.RecordNotificationFailure("payout_processed")
			s.logger.Warn("failed to send payout email", "referrer_id", ref.ID, "error", err)
		}
	}()
}

// Wait blocks until background notifications have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Get loads a payout request by id.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	b := s.db.Builder()
	query, args := b.Select(columns...).
		From(b.Table(database.TablePayoutRequests)).
		Where(entsql.EQ("id", id)).
		Limit(1).
		Query()
	req, err := scanRequest(s.db.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.New(domain.ErrRequestNotFound, "payout request not found")
	}
	if err != nil {
		return nil, domain.NewStorageError("get payout request", err)
	}
	return req, nil
}

// ListByReferrer returns a referrer's requests, newest first.
func (s *Service) ListByReferrer(ctx context.Context, referrerID string) ([]*Request, error) {
	b := s.db.Builder()
	query, args := b.Select(columns...).
		From(b.Table(database.TablePayoutRequests)).
		Where(entsql.EQ("referrer_id", referrerID)).
		OrderBy(entsql.Desc("requested_at")).
		Query()
	return s.list(ctx, query, args)
}

// ListPending returns all pending requests, oldest first.
func (s *Service) ListPending(ctx context.Context) ([]*Request, error) {
	b := s.db.Builder()
	query, args := b.Select(columns...).
		From(b.Table(database.TablePayoutRequests)).
		Where(entsql.EQ("status", domain.PayoutPending)).
		OrderBy("requested_at").
		Query()
	return s.list(ctx, query, args)
}

// ListProcessedBetween returns requests approved or cancelled in [from, to).
func (s *Service) ListProcessedBetween(ctx context.Context, from, to time.Time) ([]*Request, error) {
	b := s.db.Builder()
	query, args := b.Select(columns...).
		From(b.Table(database.TablePayoutRequests)).
		Where(entsql.And(entsql.GTE("processed_at", from), entsql.LT("processed_at", to))).
		OrderBy("processed_at").
		Query()
	return s.list(ctx, query, args)
}

func (s *Service) list(ctx context.Context, query string, args []any) ([]*Request, error) {
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("list payout requests", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, domain.NewStorageError("scan payout request", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("list payout requests", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (*Request, error) {
	var (
		req         Request
		settled     decimal.NullDecimal
		minor       sql.NullInt64
		processedAt sql.NullTime
	)
	err := sc.Scan(&req.ID, &req.ReferrerID, &req.PayoutAccountID, &req.RequestedAmount, &settled,
		&minor, &req.Attempt, &req.Currency, &req.Status, &req.TransferID, &req.RequestedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	if settled.Valid {
		v := settled.Decimal
		req.SettledAmount = &v
	}
	if minor.Valid {
		v := minor.Int64
		req.AmountMinor = &v
	}
	if processedAt.Valid {
		v := processedAt.Time
		req.ProcessedAt = &v
	}
	return &req, nil
}
