package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/shopspring/decimal"
)

const (
	requestTimeout = 10 * time.Second
	defaultLimit   = 50
	maxLimit       = 200
)

func requestContext(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), requestTimeout)
}

// pagination reads limit and offset query params, clamping limit to maxLimit.
func pagination(c echo.Context) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v, err := strconv.Atoi(c.QueryParam("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// parseRate converts an optional decimal string, returning nil for nil input.
func parseRate(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, domain.NewValidationError("commission_rate must be a decimal")
	}
	return &d, nil
}
