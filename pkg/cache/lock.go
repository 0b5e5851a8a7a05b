package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/partnerhub/api/pkg/domain"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still holds our token, so an
// expired lock re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire takes an exclusive lock on key for at most ttl. It fails fast with
// a conflict when the lock is held elsewhere.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	lockKey := LockKey(key)
	ok, err := c.Redis.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.New(domain.ErrPayoutInProgress, "operation already in progress")
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, c.Redis, []string{lockKey}, token).Err(); err != nil {
			log.Printf("⚠️  Failed to release lock %s: %v", key, err)
		}
	}
	return release, nil
}

// LockKey is the Redis key holding the lock on key.
func LockKey(key string) string {
	return KeyPrefix + "lock:" + key
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
