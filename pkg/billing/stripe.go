// Package billing connects referrers to Stripe Connect: it provisions
// Express accounts, issues onboarding links, sends payout transfers and
// applies account.updated webhooks.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/referrer"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// AccountUpdater records payout readiness for a referrer.
type AccountUpdater interface {
	ApplyAccountUpdate(ctx context.Context, u referrer.AccountUpdate) error
}

// StripeConfig holds Stripe configuration
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Country       string
	RefreshURL    string
	ReturnURL     string
	Timeout       time.Duration
}

// Service handles Stripe Connect operations
type Service struct {
	api      *client.API
	config   *StripeConfig
	accounts AccountUpdater
}

// Option customises a Service.
type Option func(*stripe.BackendConfig)

// WithBackendURL points the API client at another host, used by tests.
func WithBackendURL(url string) Option {
	return func(c *stripe.BackendConfig) { c.URL = stripe.String(url) }
}

// NewService creates a new billing service
func NewService(config *StripeConfig, accounts AccountUpdater, opts ...Option) *Service {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bc := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(1),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelWarn},
	}
	for _, opt := range opts {
		opt(bc)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, bc),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, bc),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, bc),
	}

	return &Service{
		api:      client.New(config.SecretKey, backends),
		config:   config,
		accounts: accounts,
	}
}

// CreatePayee creates an Express account able to receive transfers and tags
// it with the referrer id so webhooks can be routed back.
func (s *Service) CreatePayee(ctx context.Context, email, referrerID string) (string, error) {
	params := &stripe.AccountParams{
		Type:    stripe.String(string(stripe.AccountTypeExpress)),
		Email:   stripe.String(email),
		Country: stripe.String(s.config.Country),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
		Metadata: map[string]string{"referrer_id": referrerID},
	}
	params.Context = ctx
	params.SetIdempotencyKey("payee-" + referrerID)

	acct, err := s.api.Accounts.New(params)
	if err != nil {
		return "", domain.NewExternalError(domain.KindTransferFailed, "failed to create payout account", err)
	}
	log.Printf("✅ Stripe account %s created for referrer %s", acct.ID, referrerID)
	return acct.ID, nil
}

// OnboardingLink returns a one-time hosted onboarding URL for accountID.
func (s *Service) OnboardingLink(ctx context.Context, accountID string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(s.config.RefreshURL),
		ReturnURL:  stripe.String(s.config.ReturnURL),
		Type:       stripe.String(string(stripe.AccountLinkTypeAccountOnboarding)),
	}
	params.Context = ctx

	link, err := s.api.AccountLinks.New(params)
	if err != nil {
		return "", domain.NewExternalError(domain.KindTransferFailed, "failed to create onboarding link", err)
	}
	return link.URL, nil
}

// Transfer sends amountMinor to a connected account. The idempotency key makes
// a retried approval return the original transfer instead of paying twice.
func (s *Service) Transfer(ctx context.Context, accountID string, amountMinor int64, currency, idempotencyKey string) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(amountMinor),
		Currency:      stripe.String(currency),
		Destination:   stripe.String(accountID),
		TransferGroup: stripe.String(idempotencyKey),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) {
			if rejected(serr) {
				return "", domain.NewExternalError(domain.KindTransferRejected,
					fmt.Sprintf("transfer rejected: %s", serr.Msg), err)
			}
			return "", domain.NewExternalError(domain.KindTransferFailed,
				fmt.Sprintf("transfer failed: %s", serr.Msg), err)
		}
		return "", domain.NewExternalError(domain.KindTransferFailed, "transfer failed", err)
	}
	log.Printf("💸 Stripe transfer %s: %d %s to %s", tr.ID, amountMinor, currency, accountID)
	return tr.ID, nil
}

// rejected reports whether Stripe refused the request without creating a
// transfer. Idempotency conflicts, rate limits and server errors leave the
// outcome unknown.
func rejected(serr *stripe.Error) bool {
	if serr.Type == stripe.ErrorTypeIdempotency {
		return false
	}
	switch serr.HTTPStatusCode {
	case http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500
}

// HandleWebhook processes Stripe webhook events
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	// Verify webhook signature
	event, err := webhook.ConstructEvent(payload, signature, s.config.WebhookSecret)
	if err != nil {
		return domain.NewValidationError(fmt.Sprintf("webhook signature verification failed: %v", err))
	}

	log.Printf("📨 Stripe webhook received: %s", event.Type)

	switch event.Type {
	case "account.updated":
		return s.handleAccountUpdated(ctx, event)
	default:
		log.Printf("⚠️  Unhandled webhook event type: %s", event.Type)
	}
	return nil
}

func (s *Service) handleAccountUpdated(ctx context.Context, event stripe.Event) error {
	var acct stripe.Account
	if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
		return domain.NewValidationError(fmt.Sprintf("failed to parse account: %v", err))
	}

	referrerID := acct.Metadata["referrer_id"]
	if referrerID == "" {
		log.Printf("⚠️  Account %s has no referrer_id metadata, skipping", acct.ID)
		return nil
	}

	// platform transfers need the transfers capability; payouts_enabled only
	// covers the account's own bank payouts
	update := referrer.AccountUpdate{
		ReferrerID:     referrerID,
		AccountID:      acct.ID,
		PayoutsEnabled: acct.Capabilities != nil && acct.Capabilities.Transfers == stripe.AccountCapabilityStatusActive,
	}
	if acct.Requirements != nil {
		update.DisabledReason = string(acct.Requirements.DisabledReason)
	}
	return s.accounts.ApplyAccountUpdate(ctx, update)
}
