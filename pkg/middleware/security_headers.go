package middleware

import (
	"github.com/labstack/echo/v4"
)

const hstsValue = "max-age=63072000; includeSubDomains"

// APIHeaders are the policy headers set on every JSON response.
var APIHeaders = map[string]string{
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
}

// SecurityHeaders sets APIHeaders on every response, plus
// Strict-Transport-Security when served behind TLS in production.
func SecurityHeaders(production bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range APIHeaders {
				h.Set(k, v)
			}
			if production {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			return next(c)
		}
	}
}

// NoStore keeps balances and payout details out of shared caches.
func NoStore() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
			return next(c)
		}
	}
}
