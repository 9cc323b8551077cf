package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "inbox:"

// RedisInbox keeps processed event keys in Redis until their TTL lapses.
type RedisInbox struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisInbox(rdb *redis.Client, ttl time.Duration) *RedisInbox {
	return &RedisInbox{rdb: rdb, ttl: ttl}
}

func (i *RedisInbox) Processed(ctx context.Context, key string) (bool, error) {
	n, err := i.rdb.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis inbox lookup %s: %w", key, err)
	}
	return n > 0, nil
}

func (i *RedisInbox) MarkProcessed(ctx context.Context, key string) error {
	if err := i.rdb.Set(ctx, keyPrefix+key, time.Now().UTC().Format(time.RFC3339), i.ttl).Err(); err != nil {
		return fmt.Errorf("redis inbox mark %s: %w", key, err)
	}
	return nil
}
