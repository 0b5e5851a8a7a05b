package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/partnerhub/api/pkg/api/errors"
	"github.com/partnerhub/api/pkg/codes"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/models"
	"github.com/partnerhub/api/pkg/redemption"
	"github.com/shopspring/decimal"
)

// CodeHandler handles code validation, checkout redemption and code admin
type CodeHandler struct {
	registry  *codes.Registry
	engine    *redemption.Engine
	validator *validator.Validate
	now       func() time.Time
}

// NewCodeHandler creates a new code handler
func NewCodeHandler(registry *codes.Registry, engine *redemption.Engine) *CodeHandler {
	return &CodeHandler{
		registry:  registry,
		engine:    engine,
		validator: validator.New(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Validate godoc
// @Summary Check a code before checkout
// @Description Reports whether the code can be redeemed right now. Invalid codes return 200 with valid=false and a reason.
// @Tags Codes
// @Produce json
// @Param code query string true "Code"
// @Success 200 {object} models.ValidateCodeResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /codes/validate [get]
func (h *CodeHandler) Validate(c echo.Context) error {
	code := c.QueryParam("code")
	if strings.TrimSpace(code) == "" {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "missing_code",
			Message: "code is required",
		})
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	v, err := h.registry.Validate(ctx, code, h.now())
	if err != nil {
		if domain.IsValidation(err) || domain.IsNotFound(err) {
			return c.JSON(http.StatusOK, models.ValidateCodeResponse{
				Message: "Code is not valid",
				Valid:   false,
				Code:    codes.Normalize(code),
				Reason:  strings.ToLower(string(domain.GetKind(err))),
			})
		}
		return errors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, models.ValidateCodeResponse{
		Message:      "Code is valid",
		Valid:        true,
		Code:         v.Code,
		Role:         string(v.Role),
		DiscountRate: v.DiscountRate.String(),
	})
}

// Redeem godoc
// @Summary Redeem a code at checkout
// @Description Applies the code's discount and credits the owning referrer's commission. Each user may redeem a code once.
// @Tags Codes
// @Accept json
// @Produce json
// @Param request body models.RedeemRequest true "Checkout"
// @Success 201 {object} redemption.Redemption
// @Failure 400 {object} models.ErrorResponse "Invalid amount, inactive or expired code, usage limit reached"
// @Failure 404 {object} models.ErrorResponse "Unknown code or user"
// @Failure 409 {object} models.ErrorResponse "Already redeemed"
// @Router /codes/redeem [post]
func (h *CodeHandler) Redeem(c echo.Context) error {
	var req models.RedeemRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return errors.ValidationError(c, err)
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	r, err := h.engine.Redeem(ctx, req.Code, req.UserID, amount)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusCreated, models.DataResponse{Message: "Code redeemed", Data: r})
}

// Delete removes a code that has never been redeemed.
func (h *CodeHandler) Delete(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.registry.Delete(ctx, c.Param("id")); err != nil {
		return errors.FromDomain(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SetUsageLimit sets or clears the maximum number of redemptions.
func (h *CodeHandler) SetUsageLimit(c echo.Context) error {
	var req models.UsageLimitRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	code, err := h.registry.SetUsageLimit(ctx, c.Param("id"), req.UsageLimit)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.DataResponse{Message: "Usage limit updated", Data: code})
}
