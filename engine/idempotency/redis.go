package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache is the distributed ResponseCache backend: responses live under
// "idem:resp:<key>" with the store's TTL, and execution leases under
// "idem:lease:<key>" via SET NX. Stored values are JSON-serialized, so Get
// returns json.RawMessage rather than the original Go value; callers of the
// distributed store work with serialized responses on both paths.
type RedisCache struct {
	client      *redis.Client
	responseTTL time.Duration
	leaseTTL    time.Duration
}

// NewRedisCache wraps an existing client. responseTTL bounds cached
// responses (0 uses DefaultTTL); leaseTTL bounds how long a dead lease
// holder can block collided callers (0 uses 30s).
func NewRedisCache(client *redis.Client, responseTTL, leaseTTL time.Duration) *RedisCache {
	if responseTTL <= 0 {
		responseTTL = DefaultTTL
	}
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &RedisCache{client: client, responseTTL: responseTTL, leaseTTL: leaseTTL}
}

func respKey(key string) string  { return "idem:resp:" + key }
func leaseKey(key string) string { return "idem:lease:" + key }

func (c *RedisCache) Get(ctx context.Context, key string) (interface{}, bool) {
	data, err := c.client.Get(ctx, respKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	return json.RawMessage(data), true
}

// Set stores value serialized under the response TTL. A value that does not
// marshal is dropped; the next Begin for the key re-executes, which is the
// at-least-once side of the idempotency contract.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.client.Set(ctx, respKey(key), data, c.responseTTL)
}

// TryLease implements Leaser with SET NX; only one process wins the key.
func (c *RedisCache) TryLease(ctx context.Context, key string, _ time.Duration) bool {
	ok, err := c.client.SetNX(ctx, leaseKey(key), "1", c.leaseTTL).Result()
	return err == nil && ok
}

func (c *RedisCache) ReleaseLease(ctx context.Context, key string) {
	c.client.Del(ctx, leaseKey(key))
}
