package engine

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DecodeCache shares decoded files between sounds. Concurrent loads of one
// path decode once.
type DecodeCache struct {
	cache    *cache.Cache
	inflight singleflight.Group
	maxBytes int64

	hits    atomic.Uint64
	decodes atomic.Uint64
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits    uint64
	Decodes uint64
	Entries int
}

// NewDecodeCache returns a cache whose entries expire after ttl; ttl <= 0
// keeps them until Flush. maxBytes > 0 caps the size of files it decodes.
func NewDecodeCache(ttl time.Duration, maxBytes int64) *DecodeCache {
	cleanup := time.Duration(0)
	if ttl > 0 {
		cleanup = 2 * ttl
	} else {
		ttl = cache.NoExpiration
	}
	return &DecodeCache{
		cache:    cache.New(ttl, cleanup),
		maxBytes: maxBytes,
	}
}

// Load returns the decoded contents of path.
func (c *DecodeCache) Load(path string) (*PCM, error) {
	key := filepath.Clean(path)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}
	if v, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return v.(*PCM), nil
	}

	v, err, _ := c.inflight.Do(key, func() (any, error) {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
		pcm, err := DecodeFile(key, c.maxBytes)
		if err != nil {
			return nil, err
		}
		c.decodes.Add(1)
		c.cache.Set(key, pcm, cache.DefaultExpiration)
		return pcm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PCM), nil
}

// Flush drops every entry. Sounds already playing keep their data.
func (c *DecodeCache) Flush() {
	c.cache.Flush()
}

// Stats returns the cache counters.
func (c *DecodeCache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	return CacheStats{
		Hits:    c.hits.Load(),
		Decodes: c.decodes.Load(),
		Entries: c.cache.ItemCount(),
	}
}
