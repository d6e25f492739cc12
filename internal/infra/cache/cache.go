// Package cache provides in-memory caching for video metadata.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/emanuelef/yt-batch-go/internal/domain"
)

// MetadataCache caches resolved video metadata per normalized URL so title
// lookups do not spawn the fetcher twice.
type MetadataCache struct {
	cache *gocache.Cache
}

// NewMetadataCache creates a MetadataCache with the given TTL and cleanup interval.
func NewMetadataCache(ttl, cleanupInterval time.Duration) *MetadataCache {
	return &MetadataCache{
		cache: gocache.New(ttl, cleanupInterval),
	}
}

// DefaultMetadataCache creates a MetadataCache with default settings.
// TTL: 1 hour, Cleanup: 10 minutes
func DefaultMetadataCache() *MetadataCache {
	return NewMetadataCache(time.Hour, 10*time.Minute)
}

// Get retrieves video info from cache. The returned value is a copy.
func (c *MetadataCache) Get(url string) (*domain.VideoInfo, bool) {
	if item, found := c.cache.Get(key(url)); found {
		if info, ok := item.(domain.VideoInfo); ok {
			return &info, true
		}
	}
	return nil, false
}

// Set stores video info in cache.
func (c *MetadataCache) Set(url string, info *domain.VideoInfo) {
	if info == nil {
		return
	}
	c.cache.Set(key(url), *info, gocache.DefaultExpiration)
}

// Delete removes video info from cache.
func (c *MetadataCache) Delete(url string) {
	c.cache.Delete(key(url))
}

// Flush removes all items from cache.
func (c *MetadataCache) Flush() {
	c.cache.Flush()
}

// ItemCount returns the number of items in cache.
func (c *MetadataCache) ItemCount() int {
	return c.cache.ItemCount()
}

func key(url string) string {
	return domain.NormalizeURL(url)
}
