package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/partnerhub/api/pkg/api/errors"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/models"
)

// maxWebhookBody caps Stripe event payloads.
const maxWebhookBody = 64 << 10

// WebhookProcessor verifies and applies a signed payment provider event.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// BillingHandler receives Stripe Connect webhooks
type BillingHandler struct {
	processor WebhookProcessor
}

// NewBillingHandler creates a new billing handler
func NewBillingHandler(processor WebhookProcessor) *BillingHandler {
	return &BillingHandler{processor: processor}
}

// HandleWebhook godoc
// @Summary Stripe Connect webhook
// @Description Applies account.updated events to the matching referrer's payout readiness.
// @Tags Billing
// @Accept json
// @Produce json
// @Success 200 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse "Missing or invalid signature"
// @Router /webhook/stripe [post]
func (h *BillingHandler) HandleWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_body",
			Message: "Failed to read request body",
		})
	}

	signature := c.Request().Header.Get("Stripe-Signature")
	if signature == "" {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "missing_signature",
		})
	}

	if err := h.processor.HandleWebhook(c.Request().Context(), body, signature); err != nil {
		if domain.IsValidation(err) {
			return errors.ValidationError(c, err)
		}
		return errors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, models.SuccessResponse{
		Message: "Webhook processed successfully",
	})
}
