// Package media caches signed download URLs for message attachments so
// repeated views of the same media do not hit the backend each time.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FetchFunc resolves a media id to a signed URL at the backend.
type FetchFunc func(ctx context.Context, mediaID string) (string, error)

// defaults for the URL cache.
const (
	defaultURLTTL    = time.Hour
	defaultCacheSize = 512
)

type urlEntry struct {
	url       string
	expiresAt time.Time
}

// URLCache is a bounded TTL map from media id to signed URL.
type URLCache struct {
	fetch FetchFunc
	ttl   time.Duration
	max   int

	mu      sync.Mutex
	entries map[string]urlEntry

	now func() time.Time
}

// NewURLCache builds a cache around the given fetch function. ttl and max
// fall back to one hour and 512 entries when zero.
func NewURLCache(fetch FetchFunc, ttl time.Duration, max int) *URLCache {
	if ttl <= 0 {
		ttl = defaultURLTTL
	}
	if max <= 0 {
		max = defaultCacheSize
	}
	return &URLCache{
		fetch:   fetch,
		ttl:     ttl,
		max:     max,
		entries: make(map[string]urlEntry),
		now:     time.Now,
	}
}

// GetOrFetch returns a fresh signed URL for the media id, fetching from
// the backend when the cached one is absent or expired. Expired entries
// are swept opportunistically on each call.
func (c *URLCache) GetOrFetch(ctx context.Context, mediaID string) (string, error) {
	now := c.now()

	c.mu.Lock()
	c.sweep(now)
	if entry, ok := c.entries[mediaID]; ok && now.Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.url, nil
	}
	c.mu.Unlock()

	url, err := c.fetch(ctx, mediaID)
	if err != nil {
		return "", fmt.Errorf("fetching media url %s: %w", mediaID, err)
	}

	c.mu.Lock()
	if len(c.entries) >= c.max {
		c.evictOldest()
	}
	c.entries[mediaID] = urlEntry{url: url, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return url, nil
}

// Delete removes the entry for a media id, used when the media item itself
// is deleted.
func (c *URLCache) Delete(mediaID string) {
	c.mu.Lock()
	delete(c.entries, mediaID)
	c.mu.Unlock()
}

// Len reports the current number of cached entries.
func (c *URLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweep drops expired entries. Callers hold c.mu.
func (c *URLCache) sweep(now time.Time) {
	for id, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
}

// evictOldest removes the entry closest to expiry to keep the map bounded.
// Callers hold c.mu.
func (c *URLCache) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, entry := range c.entries {
		if oldestID == "" || entry.expiresAt.Before(oldest) {
			oldestID = id
			oldest = entry.expiresAt
		}
	}
	if oldestID != "" {
		delete(c.entries, oldestID)
	}
}
