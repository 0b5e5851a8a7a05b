package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/partnerhub/api/pkg/analytics"
	"github.com/partnerhub/api/pkg/api/errors"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/models"
	"github.com/partnerhub/api/pkg/payout"
	"github.com/partnerhub/api/pkg/redemption"
	"github.com/partnerhub/api/pkg/referrer"
)

// ReferrerHandler handles applications and referrer records
type ReferrerHandler struct {
	referrers   *referrer.Service
	redemptions *redemption.Engine
	payouts     *payout.Service
	stats       *analytics.Service
	validator   *validator.Validate
}

// NewReferrerHandler creates a new referrer handler
func NewReferrerHandler(referrers *referrer.Service, redemptions *redemption.Engine, payouts *payout.Service, stats *analytics.Service) *ReferrerHandler {
	return &ReferrerHandler{
		referrers:   referrers,
		redemptions: redemptions,
		payouts:     payouts,
		stats:       stats,
		validator:   validator.New(),
	}
}

// Apply godoc
// @Summary Apply as a partner or ambassador
// @Description Submits an application and reserves a pending code. A declined application may be submitted again.
// @Tags Referrers
// @Accept json
// @Produce json
// @Param request body models.ApplicationRequest true "Application"
// @Success 201 {object} referrer.Referrer
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse "Unknown user"
// @Failure 409 {object} models.ErrorResponse "Already applied or code taken"
// @Router /applications [post]
func (h *ReferrerHandler) Apply(c echo.Context) error {
	var req models.ApplicationRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}
	rate, err := parseRate(req.CommissionRate)
	if err != nil {
		return errors.FromDomain(c, err)
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	r, err := h.referrers.SubmitApplication(ctx, req.UserID, domain.Role(req.Role), referrer.Profile{
		Name:           req.Name,
		Email:          req.Email,
		Phone:          req.Phone,
		Company:        req.Company,
		Website:        req.Website,
		Bio:            req.Bio,
		PreferredCode:  req.PreferredCode,
		CommissionRate: rate,
	})
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusCreated, models.DataResponse{Message: "Application submitted", Data: r})
}

// List godoc
// @Summary List referrers
// @Tags Referrers
// @Produce json
// @Param role query string false "partner or ambassador"
// @Param status query string false "pending, approved or declined"
// @Param limit query int false "Page size (max 200)"
// @Param offset query int false "Offset"
// @Success 200 {object} models.ListResponse
// @Security AdminKey
// @Router /referrers [get]
func (h *ReferrerHandler) List(c echo.Context) error {
	limit, offset := pagination(c)

	ctx, cancel := requestContext(c)
	defer cancel()

	list, err := h.referrers.List(ctx, referrer.Filter{
		Role:   domain.Role(c.QueryParam("role")),
		Status: c.QueryParam("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.ListResponse{Message: "Referrers retrieved", Data: list, Limit: limit, Offset: offset})
}

// Get returns one referrer
func (h *ReferrerHandler) Get(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	r, err := h.referrers.Get(ctx, c.Param("id"))
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.DataResponse{Message: "Referrer retrieved", Data: r})
}

// UpdateStatus godoc
// @Summary Approve or decline an application
// @Description Approval activates the referrer's code for its validity window; any other status deactivates it.
// @Tags Referrers
// @Accept json
// @Produce json
// @Param id path string true "Referrer ID"
// @Param request body models.StatusUpdateRequest true "Decision"
// @Success 200 {object} referrer.Referrer
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security AdminKey
// @Router /referrers/{id}/status [patch]
func (h *ReferrerHandler) UpdateStatus(c echo.Context) error {
	var req models.StatusUpdateRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	r, err := h.referrers.UpdateStatus(ctx, c.Param("id"), req.Status)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.DataResponse{Message: "Status updated", Data: r})
}

// UpdateCommission sets or clears the referrer's commission override.
func (h *ReferrerHandler) UpdateCommission(c echo.Context) error {
	var req models.CommissionUpdateRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}
	rate, err := parseRate(req.CommissionRate)
	if err != nil {
		return errors.FromDomain(c, err)
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	r, err := h.referrers.SetCommissionRate(ctx, c.Param("id"), rate)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.DataResponse{Message: "Commission rate updated", Data: r})
}

// LinkPayoutAccount godoc
// @Summary Start payout account onboarding
// @Description Creates the referrer's connected account on first use and returns a fresh onboarding link.
// @Tags Referrers
// @Produce json
// @Param id path string true "Referrer ID"
// @Success 200 {object} referrer.PayoutLink
// @Failure 404 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse "Payment provider error"
// @Router /referrers/{id}/payout-account [post]
func (h *ReferrerHandler) LinkPayoutAccount(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	link, err := h.referrers.LinkPayoutAccount(ctx, c.Param("id"))
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.DataResponse{Message: "Onboarding link created", Data: link})
}

// Redemptions lists the redemptions credited to a referrer, newest first.
func (h *ReferrerHandler) Redemptions(c echo.Context) error {
	limit, offset := pagination(c)

	ctx, cancel := requestContext(c)
	defer cancel()

	if _, err := h.referrers.Get(ctx, c.Param("id")); err != nil {
		return errors.FromDomain(c, err)
	}
	list, err := h.redemptions.ListByReferrer(ctx, c.Param("id"), limit, offset)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.ListResponse{Message: "Redemptions retrieved", Data: list, Limit: limit, Offset: offset})
}

// Payouts lists a referrer's payout requests.
func (h *ReferrerHandler) Payouts(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	if _, err := h.referrers.Get(ctx, c.Param("id")); err != nil {
		return errors.FromDomain(c, err)
	}
	list, err := h.payouts.ListByReferrer(ctx, c.Param("id"))
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.ListResponse{Message: "Payout requests retrieved", Data: list})
}

// Stats returns the referrer's dashboard totals.
func (h *ReferrerHandler) Stats(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	if _, err := h.referrers.Get(ctx, c.Param("id")); err != nil {
		return errors.FromDomain(c, err)
	}
	stats, err := h.stats.ReferrerStats(ctx, c.Param("id"))
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.DataResponse{Message: "Referrer stats retrieved", Data: stats})
}

// PlatformStats godoc
// @Summary Platform totals
// @Tags Stats
// @Produce json
// @Success 200 {object} analytics.PlatformStats
// @Security AdminKey
// @Router /stats [get]
func (h *ReferrerHandler) PlatformStats(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	stats, err := h.stats.PlatformStats(ctx)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.DataResponse{Message: "Platform stats retrieved", Data: stats})
}
