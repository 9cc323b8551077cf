package inbox

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a live server only when REDIS_ADDR is set.
func TestRedisInbox_MarkThenProcessed(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	i := NewRedisInbox(rdb, time.Minute)
	ctx := context.Background()
	key := "inventory.queue:" + uuid.NewString()

	seen, err := i.Processed(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, i.MarkProcessed(ctx, key))

	seen, err = i.Processed(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)

	ttl, err := rdb.TTL(ctx, keyPrefix+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
