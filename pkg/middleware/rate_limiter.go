package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/partnerhub/api/pkg/models"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client key.
type RateLimiter struct {
	name     string
	visitors map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
	keyFunc  func(echo.Context) string
	onReject func(name string)
	stop     chan struct{}
	once     sync.Once
}

// LimiterOption customises a RateLimiter.
type LimiterOption func(*RateLimiter)

// WithKeyFunc buckets requests by something other than the client IP.
func WithKeyFunc(fn func(echo.Context) string) LimiterOption {
	return func(rl *RateLimiter) { rl.keyFunc = fn }
}

// OnReject is called with the limiter name for each rejected request.
func OnReject(fn func(name string)) LimiterOption {
	return func(rl *RateLimiter) { rl.onReject = fn }
}

// NewRateLimiter allows requestsPerMinute per key with the given burst.
// Idle buckets are pruned every few minutes until Stop is called.
func NewRateLimiter(name string, requestsPerMinute, burst int, opts ...LimiterOption) *RateLimiter {
	rl := &RateLimiter{
		name:     name,
		visitors: make(map[string]*rate.Limiter),
		r:        rate.Limit(float64(requestsPerMinute) / 60.0),
		b:        burst,
		keyFunc:  clientIP,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}

	go rl.cleanupVisitors(3 * time.Minute)

	return rl
}

func clientIP(c echo.Context) string {
	if ip := c.RealIP(); ip != "" {
		return ip
	}
	return c.Request().RemoteAddr
}

// GetLimiter returns the bucket for key, creating it on first use.
func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.visitors[key]
	if !exists {
		limiter = rate.NewLimiter(rl.r, rl.b)
		rl.visitors[key] = limiter
	}

	return limiter
}

// Visitors returns the number of tracked keys.
func (rl *RateLimiter) Visitors() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupVisitors(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.prune()
		}
	}
}

// prune drops buckets that have refilled completely.
func (rl *RateLimiter) prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, limiter := range rl.visitors {
		if limiter.Tokens() >= float64(rl.b) {
			delete(rl.visitors, key)
		}
	}
}

// retryAfter is the whole number of seconds until limiter has a token again.
func retryAfter(limiter *rate.Limiter) int {
	r := limiter.Reserve()
	defer r.Cancel()
	if !r.OK() {
		return 60
	}
	return int(math.Max(1, math.Ceil(r.Delay().Seconds())))
}

// RateLimitMiddleware rejects requests over the limit with 429 and a
// Retry-After header.
func (rl *RateLimiter) RateLimitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			limiter := rl.GetLimiter(rl.keyFunc(c))
			if !limiter.Allow() {
				if rl.onReject != nil {
					rl.onReject(rl.name)
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter(limiter)))
				return c.JSON(http.StatusTooManyRequests, models.ErrorResponse{
					Error:   "rate_limit_exceeded",
					Message: "Too many requests. Please try again later.",
				})
			}

			return next(c)
		}
	}
}
