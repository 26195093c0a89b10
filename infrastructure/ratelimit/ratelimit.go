// Package ratelimit wraps golang.org/x/time/rate behind the token-bucket
// contract the transmitter gateway enforces on every outbound call.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sizes one bucket. RequestsPerSecond is the refill rate
// (permits-per-window divided by the window length); Burst is the bucket
// capacity, normally the full per-window permit count.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	Window            time.Duration
}

// DefaultConfig matches the gateway's documented 1000-permits-per-60s
// bucket.
func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 1000.0 / 60.0,
		Burst:             1000,
		Window:            time.Minute,
	}
}

// RateLimiter is a token bucket; Wait blocks until a permit or ctx expiry.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex
	config  RateLimitConfig
}

// New constructs a limiter, defaulting zero fields.
func New(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
	}
}

// Allow consumes a permit without blocking.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// AllowN consumes n permits at now without blocking.
func (r *RateLimiter) AllowN(now time.Time, n int) bool {
	return r.limiter.AllowN(now, n)
}

// Wait blocks until a permit is available or ctx is done. The gateway
// bounds this with its acquire-timeout context and maps ctx expiry to the
// RateLimited failure kind.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Reset discards accumulated tokens and starts a fresh bucket.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
}

// RateLimitedClient couples an *http.Client with a bucket, for callers that
// want the limiter applied transparently on Do.
type RateLimitedClient struct {
	client  *http.Client
	limiter *RateLimiter
}

// NewRateLimitedClient wraps client with a fresh bucket from cfg.
func NewRateLimitedClient(client *http.Client, cfg RateLimitConfig) *RateLimitedClient {
	return &RateLimitedClient{
		client:  client,
		limiter: New(cfg),
	}
}

// Do waits for a permit, then delegates to the wrapped client.
func (c *RateLimitedClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

// Allow consumes a permit without blocking.
func (c *RateLimitedClient) Allow() bool {
	return c.limiter.Allow()
}
