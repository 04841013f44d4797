// Package tabcache caches facilitator-issued credit tabs.
//
// A tab binds a payer, a recipient, and an asset. Issuing one costs a
// network round trip, so issued tabs are kept in a shared map until their
// local expiry. The lock is scoped to the map mutation only: the issuing
// call always runs outside any lock, so concurrent requests for the same
// uncached key may each issue independently. Last writer wins; the cache
// optimizes the common case and makes no at-most-once guarantee.
package tabcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vidgate/vidgate/internal/metrics"
)

// DefaultExpiryCap bounds how long a cache entry is honored regardless of
// the ttl the facilitator reported. Deployments can tune this via config.
const DefaultExpiryCap = time.Hour

// Tab is a facilitator-issued credit line.
type Tab struct {
	TabID            string      `json:"tabId"`
	UserAddress      string      `json:"userAddress"`
	RecipientAddress string      `json:"recipientAddress"`
	AssetAddress     string      `json:"assetAddress"`
	NextReqID        json.Number `json:"nextReqId,omitempty"`
	StartTimestamp   int64       `json:"startTimestamp"`
	TTLSeconds       json.Number `json:"ttlSeconds"`
}

// Key identifies a cached tab. Addresses are compared by exact string
// equality; any case normalization happens upstream.
type Key struct {
	Payer     string
	Recipient string
	Asset     string
}

type entry struct {
	tab       Tab
	expiresAt time.Time
}

// Cache is a concurrency-safe tab cache with TTL eviction.
type Cache struct {
	mu        sync.RWMutex
	entries   map[Key]entry
	expiryCap time.Duration

	now func() time.Time // stubbed in tests
}

// New creates a cache whose entries live at most expiryCap past issuance.
// A non-positive cap falls back to DefaultExpiryCap.
func New(expiryCap time.Duration) *Cache {
	if expiryCap <= 0 {
		expiryCap = DefaultExpiryCap
	}
	return &Cache{
		entries:   make(map[Key]entry),
		expiryCap: expiryCap,
		now:       time.Now,
	}
}

// Issuer obtains a fresh tab, typically via a facilitator call.
type Issuer func(ctx context.Context) (Tab, error)

// GetOrIssue returns the live cached tab for key, or invokes issue and
// caches the result. Expired entries are treated as absent and replaced.
func (c *Cache) GetOrIssue(ctx context.Context, key Key, issue Issuer) (Tab, error) {
	now := c.now()

	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.tab, nil
	}

	tab, err := issue(ctx)
	if err != nil {
		return Tab{}, err
	}

	c.mu.Lock()
	c.entries[key] = entry{tab: tab, expiresAt: c.expiry(tab, now)}
	metrics.CachedTabs.Set(float64(len(c.entries)))
	c.mu.Unlock()

	return tab, nil
}

// expiry is min(start+ttl, issuance+cap). An unparsable ttl falls back to
// the cap alone.
func (c *Cache) expiry(tab Tab, issuedAt time.Time) time.Time {
	capped := issuedAt.Add(c.expiryCap)
	ttl, err := tab.TTLSeconds.Int64()
	if err != nil {
		return capped
	}
	tabEnd := time.Unix(tab.StartTimestamp+ttl, 0)
	if tabEnd.Before(capped) {
		return tabEnd
	}
	return capped
}

// Len reports the number of cached entries, live or expired.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
