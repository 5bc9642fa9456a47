package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL cache of authenticated principals keyed by API key.
// Expired entries are still served while one caller refreshes them in the
// background, so requests never block on the database and bcrypt after the
// first lookup.
type AuthCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Principal    *Principal
	Hit          bool // fresh or stale
	NeedsRefresh bool // stale, and this caller won the refresh
}

// Get looks up apiKey. Only one caller per stale entry gets NeedsRefresh.
func (c *AuthCache) Get(apiKey string) GetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return GetResult{}
	}
	entry := val.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return GetResult{Principal: entry.principal, Hit: true}
	}
	return GetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

func (c *AuthCache) Set(apiKey string, p *Principal) {
	c.store.Store(apiKey, &cacheEntry{
		principal: p,
		expiresAt: time.Now().Add(c.ttl),
	})
}

func (c *AuthCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
