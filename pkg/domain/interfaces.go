package domain

import (
	"context"
	"time"
)

// CacheRepository stores JSON-encoded values with an expiry. GetJSON reports
// false on a miss.
type CacheRepository interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Locker serialises work on a key across processes. The returned release
// function must be called once the work is done.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Mailer sends a rendered message. Implementations must honour ctx deadlines.
type Mailer interface {
	SendRawEmail(ctx context.Context, to, toName, subject, htmlContent, plainContent string) error
}
