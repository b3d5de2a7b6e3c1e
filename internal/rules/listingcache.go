package rules

import (
	"sync"
	"time"
)

// listingCache caches Readdir results keyed by (virtual_path,
// directory_record_revision) for a short TTL (§4.1.3). On any doubt the
// cache is dropped rather than served stale, per the stated failure mode.
type listingCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cachedListing
}

type cachedListing struct {
	revision uint64
	expires  time.Time
	entries  []Entry
}

func newListingCache(ttl time.Duration) *listingCache {
	return &listingCache{ttl: ttl, entries: make(map[string]cachedListing)}
}

func (c *listingCache) get(virtualPath string, revision uint64) ([]Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[virtualPath]
	if !ok || entry.revision != revision || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.entries, true
}

func (c *listingCache) put(virtualPath string, revision uint64, entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[virtualPath] = cachedListing{
		revision: revision,
		expires:  time.Now().Add(c.ttl),
		entries:  entries,
	}
}

// invalidate drops the cached listing for virtualPath unconditionally.
func (c *listingCache) invalidate(virtualPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, virtualPath)
}

// invalidateAll drops every cached listing — used when a changes-feed event
// cannot be cheaply attributed to a specific directory (the "on any doubt,
// drop the entry" failure mode extended to the whole cache).
func (c *listingCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cachedListing)
}
