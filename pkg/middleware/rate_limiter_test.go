package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Refill(t *testing.T) {
	// two tokens a second, burst 1
	rl := NewRateLimiter("test", 120, 1)
	defer rl.Stop()

	limiter := rl.GetLimiter("192.168.1.1")
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())

	time.Sleep(600 * time.Millisecond)
	assert.True(t, limiter.Allow())
}

func TestRateLimiter_SeparateBuckets(t *testing.T) {
	rl := NewRateLimiter("test", 2, 1)
	defer rl.Stop()

	a, b := rl.GetLimiter("192.168.1.1"), rl.GetLimiter("192.168.1.2")

	assert.True(t, a.Allow())
	assert.True(t, b.Allow())
	assert.False(t, a.Allow())
	assert.Equal(t, 2, rl.Visitors())
}

func TestRateLimiter_Prune(t *testing.T) {
	rl := NewRateLimiter("test", 60, 5)
	defer rl.Stop()

	rl.GetLimiter("10.0.0.1")
	busy := rl.GetLimiter("10.0.0.2")
	for i := 0; i < 5; i++ {
		busy.Allow()
	}

	rl.prune()
	assert.Equal(t, 1, rl.Visitors())
}

func TestRateLimitMiddleware(t *testing.T) {
	var rejected []string
	rl := NewRateLimiter("redeem", 2, 1, OnReject(func(name string) { rejected = append(rejected, name) }))
	defer rl.Stop()

	e := echo.New()
	handler := rl.RateLimitMiddleware()(func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/codes/redeem", nil)
	req.Header.Set(echo.HeaderXRealIP, "203.0.113.9")

	rec := httptest.NewRecorder()
	require.NoError(t, handler(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	require.NoError(t, handler(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")
	assert.Equal(t, []string{"redeem"}, rejected)
}

func TestRateLimitMiddleware_KeyFunc(t *testing.T) {
	rl := NewRateLimiter("webhook", 1, 1, WithKeyFunc(func(echo.Context) string { return "stripe" }))
	defer rl.Stop()

	e := echo.New()
	handler := rl.RateLimitMiddleware()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for i, ip := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/stripe", nil)
		req.Header.Set(echo.HeaderXRealIP, ip)
		rec := httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(req, rec)))
		if i == 0 {
			assert.Equal(t, http.StatusOK, rec.Code)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		}
	}
	assert.Equal(t, 1, rl.Visitors())
}
