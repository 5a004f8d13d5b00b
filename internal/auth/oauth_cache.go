package auth

import (
	"sync"
	"time"
)

// cachedToken mirrors spec.md §3's "cached token info".
type cachedToken struct {
	Active    bool
	UserID    string
	Username  string
	Scopes    []string
	ExpiresAt time.Time

	insertedAt int64 // insertion sequence number, for evict_oldest
}

const (
	tokenCacheMax   = 500
	tokenCacheEvict = 50
)

// OAuthTokenCache caches introspection/userinfo results keyed by the
// SHA-256 hash of the bearer so the plaintext token is never retained.
// See spec.md §3/§4.4 and DESIGN.md's Open Question #3: a cache hit never
// touches the insertion-order key, only a fresh insert does.
type OAuthTokenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*cachedToken
	seq     int64
}

// NewOAuthTokenCache builds a cache with the given TTL.
func NewOAuthTokenCache(ttl time.Duration) *OAuthTokenCache {
	return &OAuthTokenCache{ttl: ttl, entries: map[string]*cachedToken{}}
}

// Get returns the cached entry for tokenHash if present and not expired.
func (c *OAuthTokenCache) Get(tokenHash string) (*cachedToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tokenHash]
	if !ok {
		return nil, false
	}
	if !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt) {
		delete(c.entries, tokenHash)
		return nil, false
	}
	return e, true
}

// Insert stores a fresh entry, sweeping expired entries and then
// bulk-evicting the oldest 50+ if the cache is still over its 500-entry
// cap, per spec.md §3.
func (c *OAuthTokenCache) Insert(tokenHash string, e *cachedToken) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline := time.Now().Add(c.ttl); e.ExpiresAt.IsZero() || e.ExpiresAt.After(deadline) {
		e.ExpiresAt = deadline
	}
	c.seq++
	e.insertedAt = c.seq
	c.entries[tokenHash] = e

	if len(c.entries) <= tokenCacheMax {
		return
	}

	now := time.Now()
	for k, v := range c.entries {
		if !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt) {
			delete(c.entries, k)
		}
	}

	if len(c.entries) <= tokenCacheMax {
		return
	}
	c.evictOldest(tokenCacheEvict)
}

func (c *OAuthTokenCache) evictOldest(n int) {
	type kv struct {
		key string
		seq int64
	}
	all := make([]kv, 0, len(c.entries))
	for k, v := range c.entries {
		all = append(all, kv{k, v.insertedAt})
	}
	// simple selection of the n oldest; cache sizes here are small (≤550)
	for i := 0; i < n && len(all) > 0; i++ {
		oldestIdx := 0
		for j := 1; j < len(all); j++ {
			if all[j].seq < all[oldestIdx].seq {
				oldestIdx = j
			}
		}
		delete(c.entries, all[oldestIdx].key)
		all = append(all[:oldestIdx], all[oldestIdx+1:]...)
	}
}

// Len reports the current entry count (test/diagnostic use).
func (c *OAuthTokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
