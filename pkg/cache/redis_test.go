package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a test Redis client using miniredis
func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := &Client{Redis: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { client.Close() })
	return client, mr
}

type stats struct {
	Redemptions int    `json:"redemptions"`
	Revenue     string `json:"revenue"`
}

func TestClient_JSON(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	t.Run("Success - round trip until expiry", func(t *testing.T) {
		require.NoError(t, client.SetJSON(ctx, "stats:referrer:1", stats{3, "12.50"}, time.Minute))
		assert.True(t, mr.Exists(KeyPrefix+"stats:referrer:1"))

		var got stats
		hit, err := client.GetJSON(ctx, "stats:referrer:1", &got)
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Equal(t, stats{3, "12.50"}, got)

		mr.FastForward(2 * time.Minute)
		hit, err = client.GetJSON(ctx, "stats:referrer:1", &got)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("Success - unreadable entry is dropped", func(t *testing.T) {
		require.NoError(t, mr.Set(KeyPrefix+"stats:platform", "{not json"))

		var got stats
		hit, err := client.GetJSON(ctx, "stats:platform", &got)
		require.NoError(t, err)
		assert.False(t, hit)
		assert.False(t, mr.Exists(KeyPrefix+"stats:platform"))
	})

	t.Run("Error - server down", func(t *testing.T) {
		mr.SetError("LOADING")
		defer mr.SetError("")

		_, err := client.GetJSON(ctx, "stats:platform", &stats{})
		assert.Error(t, err)
	})
}

func TestClient_Delete(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	for _, k := range []string{"stats:referrer:1", "stats:platform", "other"} {
		require.NoError(t, client.SetJSON(ctx, k, 1, time.Hour))
	}

	require.NoError(t, client.Delete(ctx, "stats:referrer:1", "stats:platform"))
	require.NoError(t, client.Delete(ctx))

	assert.False(t, mr.Exists(KeyPrefix+"stats:referrer:1"))
	assert.False(t, mr.Exists(KeyPrefix+"stats:platform"))
	assert.True(t, mr.Exists(KeyPrefix+"other"))
}

func TestClient_Acquire(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	t.Run("Success - exclusive until released", func(t *testing.T) {
		release, err := client.Acquire(ctx, "payout:1", 30*time.Second)
		require.NoError(t, err)

		_, err = client.Acquire(ctx, "payout:1", 30*time.Second)
		assert.True(t, errors.Is(err, domain.ErrPayoutInProgress))

		release()
		again, err := client.Acquire(ctx, "payout:1", 30*time.Second)
		require.NoError(t, err)
		again()
	})

	t.Run("Success - expired lock is not released by stale holder", func(t *testing.T) {
		stale, err := client.Acquire(ctx, "payout:2", time.Second)
		require.NoError(t, err)

		mr.FastForward(2 * time.Second)
		fresh, err := client.Acquire(ctx, "payout:2", 30*time.Second)
		require.NoError(t, err)

		stale()
		assert.True(t, mr.Exists(LockKey("payout:2")))
		fresh()
		assert.False(t, mr.Exists(LockKey("payout:2")))
	})
}
