// Query cache.
//
// Each index caches the results of query and count calls keyed by operator
// and argument. An entry lives for Cache.TTL from when it was added, or from
// its last read when Cache.Sliding is set; the timer that removes it is
// rescheduled on every hit in sliding mode. At most Cache.MaxEntries results
// are kept, least recently used first out. Any write to the index clears
// the cache before the write is applied.
package quire

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheEntry struct {
	results *Results
	count   int
	added   time.Time
	reads   int
	expires time.Time
	timer   *time.Timer
}

type queryCache struct {
	cfg   CacheConfig
	index string

	mu      sync.Mutex
	entries *lru.Cache[string, *cacheEntry]
}

func newQueryCache(cfg CacheConfig, index string) *queryCache {
	c := &queryCache{cfg: cfg, index: index}
	size := cfg.MaxEntries
	if size <= 0 {
		size = DefaultCacheEntries
	}
	c.entries, _ = lru.NewWithEvict(size, func(_ string, e *cacheEntry) {
		if e.timer != nil {
			e.timer.Stop()
		}
	})
	return c
}

// get returns a live entry and records the hit.
func (c *queryCache) get(key string) (*cacheEntry, bool) {
	if c.cfg.Disabled {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(key)
	if !ok || time.Now().After(e.expires) {
		if ok {
			c.entries.Remove(key)
		}
		CacheMisses.WithLabelValues(c.index).Inc()
		return nil, false
	}
	e.reads++
	if c.cfg.Sliding {
		e.expires = time.Now().Add(c.cfg.TTL)
		e.timer.Reset(c.cfg.TTL)
	}
	CacheHits.WithLabelValues(c.index).Inc()
	return e, true
}

func (c *queryCache) put(key string, e *cacheEntry) {
	if c.cfg.Disabled {
		return
	}
	now := time.Now()
	e.added = now
	e.expires = now.Add(c.cfg.TTL)
	e.timer = time.AfterFunc(c.cfg.TTL, func() { c.expire(key, e) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, e)
}

// expire removes e if it is still the entry cached under key.
func (c *queryCache) expire(key string, e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries.Peek(key); ok && cur == e && !time.Now().Before(e.expires) {
		c.entries.Remove(key)
	}
}

func (c *queryCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

func (c *queryCache) len() int {
	return c.entries.Len()
}
