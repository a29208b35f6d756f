package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/unwatermark/internal/unwatermark"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "unwatermark:result"
	defaultTTL       = time.Hour
)

// kv is the subset of the redis client the cache needs.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisResultCache keeps finished removals keyed by payload digest so a
// repeated upload of the same bytes skips the remote service.
type RedisResultCache struct {
	client    kv
	keyPrefix string
	ttl       time.Duration
}

var _ unwatermark.ResultCache = (*RedisResultCache)(nil)

func NewRedisResultCache(client redis.UniversalClient, ttl time.Duration, keyPrefix string) (*RedisResultCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return newResultCache(client, ttl, keyPrefix), nil
}

func newResultCache(client kv, ttl time.Duration, keyPrefix string) *RedisResultCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisResultCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (c *RedisResultCache) key(digest string) string {
	return c.keyPrefix + ":" + digest
}

func (c *RedisResultCache) Lookup(ctx context.Context, digest string) (*unwatermark.WatermarkResult, bool, error) {
	raw, err := c.client.Get(ctx, c.key(digest)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached result: %w", err)
	}

	var res unwatermark.WatermarkResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, true, nil
}

func (c *RedisResultCache) Store(ctx context.Context, digest string, res *unwatermark.WatermarkResult) error {
	if res == nil || res.OutputImageURL() == "" {
		return nil
	}

	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := c.client.Set(ctx, c.key(digest), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached result: %w", err)
	}
	return nil
}
