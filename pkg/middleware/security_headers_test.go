package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, mw echo.MiddlewareFunc, next echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/referrers/r1", nil)
	rec := httptest.NewRecorder()
	err := mw(next)(e.NewContext(req, rec))
	return rec, err
}

func ok(c echo.Context) error { return c.JSON(http.StatusOK, map[string]string{"status": "ok"}) }

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name       string
		production bool
		wantHSTS   string
	}{
		{"development", false, ""},
		{"production", true, hstsValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := serve(t, SecurityHeaders(tt.production), ok)
			require.NoError(t, err)

			for k, v := range APIHeaders {
				assert.Equal(t, v, rec.Header().Get(k), k)
			}
			assert.Equal(t, tt.wantHSTS, rec.Header().Get("Strict-Transport-Security"))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestSecurityHeaders_SetOnHandlerError(t *testing.T) {
	rec, err := serve(t, SecurityHeaders(false), func(echo.Context) error {
		return echo.ErrInternalServerError
	})

	assert.Error(t, err)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestNoStore(t *testing.T) {
	rec, err := serve(t, NoStore(), ok)

	require.NoError(t, err)
	assert.Equal(t, "no-store", rec.Header().Get(echo.HeaderCacheControl))
}
