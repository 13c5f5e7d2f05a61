package cache

import (
	"context"
	"errors"
	"github.com/redis/go-redis/v9"
	"time"
)

// VerdictCache stores raw engine verdicts keyed by payload digest.
type VerdictCache interface {
	// Get returns found=false on a cache miss.
	Get(ctx context.Context, digest string) (verdict string, found bool, err error)
	Set(ctx context.Context, digest string, verdict string, ttl time.Duration) error
}

type verdictCache struct {
	client *RedisClient
	prefix string
}

func NewVerdictCache(redisClient *RedisClient) VerdictCache {
	return &verdictCache{
		client: redisClient,
		prefix: "verdict:",
	}
}

func (c *verdictCache) key(digest string) string {
	return c.prefix + digest
}

func (c *verdictCache) Get(ctx context.Context, digest string) (string, bool, error) {
	v, err := c.client.client.Get(ctx, c.key(digest)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil // cache miss
		}
		return "", false, err
	}
	return v, true, nil
}

func (c *verdictCache) Set(ctx context.Context, digest string, verdict string, ttl time.Duration) error {
	return c.client.client.Set(ctx, c.key(digest), verdict, ttl).Err()
}
