package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/partnerhub/api/pkg/api/errors"
	"github.com/partnerhub/api/pkg/models"
	"github.com/partnerhub/api/pkg/payout"
)

// PayoutHandler handles payout requests and their approval
type PayoutHandler struct {
	payouts   *payout.Service
	validator *validator.Validate
}

// NewPayoutHandler creates a new payout handler
func NewPayoutHandler(payouts *payout.Service) *PayoutHandler {
	return &PayoutHandler{
		payouts:   payouts,
		validator: validator.New(),
	}
}

// Request godoc
// @Summary Request a payout
// @Description Records a pending request for the referrer's available balance. The account must match the one on file and be enabled for payouts.
// @Tags Payouts
// @Accept json
// @Produce json
// @Param request body models.PayoutRequestBody true "Payout request"
// @Success 201 {object} payout.Request
// @Failure 400 {object} models.ErrorResponse "Account mismatch, account not ready or no balance"
// @Failure 404 {object} models.ErrorResponse
// @Router /payouts [post]
func (h *PayoutHandler) Request(c echo.Context) error {
	var req models.PayoutRequestBody
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	r, err := h.payouts.Request(ctx, req.ReferrerID, req.PayoutAccountID)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusCreated, models.DataResponse{Message: "Payout requested", Data: r})
}

// Get returns one payout request
func (h *PayoutHandler) Get(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	r, err := h.payouts.Get(ctx, c.Param("id"))
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.DataResponse{Message: "Payout request retrieved", Data: r})
}

// ListPending lists requests awaiting a decision, oldest first.
func (h *PayoutHandler) ListPending(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	list, err := h.payouts.ListPending(ctx)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.ListResponse{Message: "Pending payout requests retrieved", Data: list})
}

// Approve godoc
// @Summary Approve and pay a payout request
// @Description Transfers the referrer's current balance and settles it. A failed transfer leaves the request pending.
// @Tags Payouts
// @Produce json
// @Param id path string true "Payout request ID"
// @Success 200 {object} payout.Request
// @Failure 400 {object} models.ErrorResponse "No balance or account changed"
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse "Not pending or already being processed"
// @Failure 502 {object} models.ErrorResponse "Transfer failed"
// @Security AdminKey
// @Router /payouts/{id}/approve [post]
func (h *PayoutHandler) Approve(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	r, err := h.payouts.Approve(ctx, c.Param("id"))
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.DataResponse{Message: "Payout approved", Data: r})
}

// Cancel cancels a pending request without moving money.
func (h *PayoutHandler) Cancel(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	r, err := h.payouts.Cancel(ctx, c.Param("id"))
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.DataResponse{Message: "Payout cancelled", Data: r})
}
