// Package cachecoord implements the Cache-Write Coordinator (component J):
// pure pub-sub of invalidation keys emitted by the Consent state machine (A)
// and the Sync Orchestrator (G), so that derived read caches never serve a
// stale value to the request that just wrote the new one.
package cachecoord

import (
	"sync"

	"github.com/ofreceptor/sync-engine/infrastructure/cache"
)

// Key-space prefixes for the four derived cache layers.
const (
	prefixConsentByID      = "consent-by-id:"
	prefixConsentsByClient = "consents-by-client:"
	prefixAccountByID      = "account-by-id:"
	prefixAccountsByClient = "accounts-by-client:"
)

// Subscriber evicts a single invalidation key from a derived cache layer.
type Subscriber interface {
	Evict(key string)
}

// Coordinator fans an invalidation key out to every subscribed cache layer.
// Publish is synchronous: by the time it returns, every subscriber has
// already evicted the key, so the request that triggered the write never
// observes its own stale read afterward.
type Coordinator struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// New constructs an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{}
}

// Subscribe registers a cache layer to receive invalidation keys.
func (c *Coordinator) Subscribe(sub Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, sub)
}

// Publish evicts key from every subscribed cache layer.
func (c *Coordinator) Publish(keys ...string) {
	c.mu.RLock()
	subs := make([]Subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	for _, key := range keys {
		for _, sub := range subs {
			sub.Evict(key)
		}
	}
}

// InvalidateConsent implements domain/consent.Invalidator: a consent write
// evicts both its by-id entry and its client's consent list.
func (c *Coordinator) InvalidateConsent(consentID, clientID string) error {
	c.Publish(prefixConsentByID+consentID, prefixConsentsByClient+clientID)
	return nil
}

// InvalidateAccount is the Orchestrator's (G) equivalent hook for accounts.
func (c *Coordinator) InvalidateAccount(accountID, clientID string) error {
	c.Publish(prefixAccountByID+accountID, prefixAccountsByClient+clientID)
	return nil
}

// CacheAdapter adapts an *infrastructure/cache.Cache into a Subscriber.
type CacheAdapter struct {
	Cache *cache.Cache
}

// Evict removes key from the wrapped cache.
func (a CacheAdapter) Evict(key string) {
	a.Cache.Invalidate(key)
}
