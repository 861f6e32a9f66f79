// Package querycache caches directory query results per directory server.
//
// A [Cache] is shared by all transactions of the milter process. Expired entries are not returned by [Cache.Get]
// but stay in memory until [Cache.Flush] removes them, so the owner of the cache should call Flush periodically
// (see [RunFlusher]).
package querycache

import (
	"context"
	"sync"
	"time"
)

// Entry is one directory search result: the DN and its attributes.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// Result is the cached outcome of one directory query.
type Result []Entry

type item struct {
	stored time.Time
	data   Result
}

type bucket struct {
	timeout time.Duration
	items   map[string]item
}

// Cache is a concurrency safe query cache keyed by directory server ID and query string.
// The zero value is not usable, use [New].
type Cache struct {
	mu      sync.RWMutex
	buckets map[int64]*bucket
	now     func() time.Time
}

// New creates an empty [Cache].
func New() *Cache {
	return &Cache{
		buckets: make(map[int64]*bucket),
		now:     time.Now,
	}
}

// Get returns the cached result of query on server. The second return value is false
// when nothing is cached or the cached result is older than the timeout of the server.
func (c *Cache) Get(server int64, query string) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.buckets[server]
	if !ok {
		return nil, false
	}
	it, ok := b.items[query]
	if !ok || c.expired(it, b.timeout) {
		return nil, false
	}
	return it.data, true
}

// Set stores data as result of query on server. timeout is the lifetime of all entries of server;
// the latest Set call for a server determines it.
func (c *Cache) Set(server int64, query string, timeout time.Duration, data Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[server]
	if !ok {
		b = &bucket{items: make(map[string]item)}
		c.buckets[server] = b
	}
	b.timeout = timeout
	b.items[query] = item{stored: c.now(), data: data}
}

// Flush removes all expired entries and returns how many entries it removed.
// Servers without any entries left get removed as well.
func (c *Cache) Flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for server, b := range c.buckets {
		for query, it := range b.items {
			if c.expired(it, b.timeout) {
				delete(b.items, query)
				removed++
			}
		}
		if len(b.items) == 0 {
			delete(c.buckets, server)
		}
	}
	return removed
}

// Len returns the number of stored entries, including expired ones that were not flushed yet.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, b := range c.buckets {
		n += len(b.items)
	}
	return n
}

func (c *Cache) expired(it item, timeout time.Duration) bool {
	return c.now().Sub(it.stored) > timeout
}

// RunFlusher calls [Cache.Flush] every interval until ctx is done.
// onFlush gets called with the number of removed entries, it can be nil.
func RunFlusher(ctx context.Context, c *Cache, interval time.Duration, onFlush func(removed int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.Flush()
			if onFlush != nil {
				onFlush(removed)
			}
		}
	}
}
