package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/partnerhub/api/pkg/auth"
	"github.com/partnerhub/api/pkg/models"
)

// AdminKeyHeader carries the shared admin key.
const AdminKeyHeader = "X-Admin-Key"

// RequireAdminKey guards approval and payout routes with a shared key, given
// either in plain text or as a bcrypt hash. An empty key disables the check
// for local development.
func RequireAdminKey(key string) echo.MiddlewareFunc {
	match := auth.KeyMatcher(key)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}

			got := c.Request().Header.Get(AdminKeyHeader)
			if got == "" {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "unauthorized",
					Message: "Admin key required",
				})
			}
			if !match(got) {
				return c.JSON(http.StatusForbidden, models.ErrorResponse{
					Error:   "insufficient_permissions",
					Message: "Admin access required",
				})
			}

			c.Set("admin", true)
			return next(c)
		}
	}
}
