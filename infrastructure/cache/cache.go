// Package cache provides the in-process TTL caches behind the engine's
// derived views: consent-by-id / accounts-by-client read caches (evicted by
// the cache-write coordinator), the gateway's per-organization token cache,
// and the short-TTL response map of the idempotency store.
package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value      interface{}
	expiration time.Time
}

// CacheConfig bounds one cache instance.
type CacheConfig struct {
	DefaultTTL      time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

// DefaultConfig returns the defaults used by the derived-view caches.
func DefaultConfig() CacheConfig {
	return CacheConfig{
		DefaultTTL:      5 * time.Minute,
		MaxSize:         1000,
		CleanupInterval: 10 * time.Minute,
	}
}

// Cache is a mutex-guarded TTL map with prefix invalidation. Expired
// entries are dropped lazily on read and swept on CleanupInterval.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	config  CacheConfig
}

// NewCache constructs a Cache and starts its sweep goroutine.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 1000
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}

	c := &Cache{
		entries: make(map[string]*entry),
		config:  cfg,
	}
	go c.sweepLoop()
	return c
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.sweep()
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, e := range c.entries {
		if now.After(e.expiration) {
			delete(c.entries, key)
		}
	}
}

// Get returns the unexpired value for key.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiration) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key; ttl 0 uses the cache default.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{
		value:      value,
		expiration: time.Now().Add(ttl),
	}
}

// Invalidate removes one key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePattern removes every key sharing prefix; the cache-write
// coordinator uses this for by-client list eviction.
func (c *Cache) InvalidatePattern(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Size returns the current entry count, expired entries included.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TokenCache namespaces bearer tokens per organization for the gateway's
// token provider.
type TokenCache struct {
	cache     *Cache
	keyPrefix string
}

// NewTokenCache constructs a token cache.
func NewTokenCache(cfg CacheConfig) *TokenCache {
	return &TokenCache{
		cache:     NewCache(cfg),
		keyPrefix: "token:",
	}
}

// GetToken returns the cached token entry for organizationID.
func (c *TokenCache) GetToken(organizationID string) (interface{}, bool) {
	return c.cache.Get(c.keyPrefix + organizationID)
}

// SetToken stores a token entry under its remaining lifetime.
func (c *TokenCache) SetToken(organizationID string, value interface{}, ttl time.Duration) {
	c.cache.Set(c.keyPrefix+organizationID, value, ttl)
}

// InvalidateToken drops one organization's token, forcing a refetch.
func (c *TokenCache) InvalidateToken(organizationID string) {
	c.cache.Invalidate(c.keyPrefix + organizationID)
}

// InvalidateAllTokens drops every cached token.
func (c *TokenCache) InvalidateAllTokens() {
	c.cache.InvalidatePattern(c.keyPrefix)
}

// TTLCache is the context-aware fixed-TTL variant used by the idempotency
// store's response map. The
// context parameter keeps its method set compatible with distributed
// backends; the in-memory implementation ignores it.
type TTLCache struct {
	cache     *Cache
	keyPrefix string
}

// NewTTLCache constructs a TTLCache where every entry lives exactly ttl.
func NewTTLCache(ttl time.Duration) *TTLCache {
	return &TTLCache{
		cache:     NewCache(CacheConfig{DefaultTTL: ttl}),
		keyPrefix: "ttl:",
	}
}

func (c *TTLCache) Get(_ context.Context, key string) (interface{}, bool) {
	return c.cache.Get(c.keyPrefix + key)
}

func (c *TTLCache) Set(_ context.Context, key string, value interface{}) {
	c.cache.Set(c.keyPrefix+key, value, 0)
}

func (c *TTLCache) Delete(_ context.Context, key string) {
	c.cache.Invalidate(c.keyPrefix + key)
}

func (c *TTLCache) InvalidateAll() {
	c.cache.InvalidatePattern(c.keyPrefix)
}
