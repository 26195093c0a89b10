// Package idempotency implements the Idempotency Store (component I): a
// short-TTL request-key to response map for write endpoints, with single
// execution per key under concurrent callers.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ofreceptor/sync-engine/infrastructure/cache"
	svcerrors "github.com/ofreceptor/sync-engine/infrastructure/errors"
)

// DefaultTTL is the default response-cache lifetime.
const DefaultTTL = 24 * time.Hour

// Thunk performs the guarded work. It runs at most once per key regardless
// of how many concurrent callers share that key.
type Thunk func(ctx context.Context) (interface{}, error)

// ResponseCache is the pluggable response backend. The in-memory TTLCache
// is the single-process default; RedisCache distributes the map across
// replicas.
type ResponseCache interface {
	Get(ctx context.Context, key string) (interface{}, bool)
	Set(ctx context.Context, key string, value interface{})
}

// Leaser is optionally implemented by distributed backends to extend the
// single-execution guarantee across processes. Within one process,
// singleflight already collapses concurrent callers.
type Leaser interface {
	TryLease(ctx context.Context, key string, ttl time.Duration) bool
	ReleaseLease(ctx context.Context, key string)
}

// Store serves Begin calls out of a TTL-bounded response cache, collapsing
// concurrent callers for the same key onto a single execution of their
// thunk via singleflight.
type Store struct {
	responses ResponseCache
	group     singleflight.Group
	ttl       time.Duration

	payloadsMu sync.Mutex
	payloads   map[string]string
}

// New constructs a Store over the in-memory cache with the given response
// TTL (0 uses DefaultTTL).
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return NewWithBackend(cache.NewTTLCache(ttl), ttl)
}

// NewWithBackend constructs a Store over an explicit response backend.
func NewWithBackend(backend ResponseCache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		responses: backend,
		ttl:       ttl,
		payloads:  make(map[string]string),
	}
}

// HashPayload deterministically fingerprints a request body for replay
// detection; callers pass the same hash for retries of the identical
// request and a different hash if the body actually changed.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Begin returns the cached response for key if present, otherwise runs fn
// exactly once across all concurrent callers sharing key and caches its
// result under TTL. A key reused with a payloadHash different from the one
// it was first observed with is rejected as a conflict rather than served
// or re-executed.
func (s *Store) Begin(ctx context.Context, key, payloadHash string, fn Thunk) (interface{}, error) {
	if err := s.checkReplay(key, payloadHash); err != nil {
		return nil, err
	}

	if v, ok := s.responses.Get(ctx, key); ok {
		return v, nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		if cached, ok := s.responses.Get(ctx, key); ok {
			return cached, nil
		}
		if leaser, ok := s.responses.(Leaser); ok {
			if !leaser.TryLease(ctx, key, s.ttl) {
				// Another process holds the lease; observe its stored
				// response once available.
				return s.awaitResponse(ctx, key)
			}
			defer leaser.ReleaseLease(ctx, key)
		}
		result, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		s.responses.Set(ctx, key, result)
		return result, nil
	})
	return v, err
}

// awaitResponse polls for the response a concurrent lease holder is about
// to store. Collisions on the same key are expected to resolve within the
// holder's request timeout, so polling is coarse.
func (s *Store) awaitResponse(ctx context.Context, key string) (interface{}, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if v, ok := s.responses.Get(ctx, key); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Store) checkReplay(key, payloadHash string) error {
	s.payloadsMu.Lock()
	defer s.payloadsMu.Unlock()
	if prior, ok := s.payloads[key]; ok && prior != payloadHash {
		return svcerrors.IdempotencyKeyConflict(key)
	}
	s.payloads[key] = payloadHash
	return nil
}
