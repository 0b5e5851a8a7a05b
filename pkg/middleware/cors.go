package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4/middleware"
)

// DefaultOrigins are allowed when no origins are configured.
var DefaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

// AllowedMethods are the methods the API accepts cross-origin.
var AllowedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPatch,
	http.MethodDelete,
}

// CORSConfig allows the partner dashboard origins to call the API with the
// admin key header. Preflight results are cached for an hour.
func CORSConfig(origins []string) middleware.CORSConfig {
	if len(origins) == 0 {
		origins = DefaultOrigins
	}
	return middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     AllowedMethods,
		AllowCredentials: true,
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			AdminKeyHeader,
		},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        3600,
	}
}
