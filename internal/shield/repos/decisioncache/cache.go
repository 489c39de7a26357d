// Package decisioncache holds recently computed decisions keyed by
// mainDocumentHost + "_" + normalized URL.
package decisioncache

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/rr-shield/internal/shield/domain"
)

// DefaultSize is the capacity used when none is configured.
const DefaultSize = 100

// Cache is a fixed-capacity decision cache evicting in insertion order.
// Reads use Peek so a hit never refreshes an entry, and writes use
// ContainsOrAdd so an existing entry is never replaced or moved; together
// they turn the underlying LRU into a FIFO.
type Cache struct {
	lru       *lru.Cache[domain.DecisionKey, domain.Decision]
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	purged    atomic.Uint64

	// mu keeps Put and Purge apart so the evict callback can tell a
	// capacity eviction from an invalidation.
	mu      sync.RWMutex
	purging bool
}

// Disabled is a cache that stores nothing and always misses.
type Disabled struct{}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64 // capacity evictions only
	Purged    uint64 // entries dropped by Purge
}

// Interface is the decision cache contract consumed by the interceptor.
type Interface interface {
	Get(key domain.DecisionKey) (domain.Decision, bool)
	Put(key domain.DecisionKey, d domain.Decision)
	Len() int
	Purge()
	Stats() Stats
}

// New creates a cache with the given capacity. If size <= 0, a Disabled
// cache is returned.
func New(size int) (Interface, error) {
	if size <= 0 {
		return Disabled{}, nil
	}
	return NewFIFO(size)
}

// NewFIFO creates an enabled cache of the given capacity.
func NewFIFO(size int) (*Cache, error) {
	c := &Cache{}
	l, err := lru.NewWithEvict(size, func(domain.DecisionKey, domain.Decision) {
		if c.purging {
			c.purged.Add(1)
			return
		}
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Get looks up a decision by key. When found, increments hits; otherwise
// increments misses. Lookup order is not affected.
func (c *Cache) Get(key domain.DecisionKey) (domain.Decision, bool) {
	if d, ok := c.lru.Peek(key); ok {
		c.hits.Add(1)
		return d, true
	}
	c.misses.Add(1)
	return domain.Decision{}, false
}

// Put inserts d under key unless key is already present. When the cache is
// full the oldest inserted entry is evicted first.
func (c *Cache) Put(key domain.DecisionKey, d domain.Decision) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.lru.ContainsOrAdd(key, d)
}

// Len returns the number of entries in the cache.
func (c *Cache) Len() int { return c.lru.Len() }

// Purge clears all entries. Dropped entries are counted as purged, not
// evicted.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purging = true
	c.lru.Purge()
	c.purging = false
}

// Stats returns cumulative hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Purged:    c.purged.Load(),
	}
}

func (Disabled) Get(domain.DecisionKey) (domain.Decision, bool) { return domain.Decision{}, false }

func (Disabled) Put(domain.DecisionKey, domain.Decision) {}

func (Disabled) Len() int { return 0 }

func (Disabled) Purge() {}

func (Disabled) Stats() Stats { return Stats{} }

var _ Interface = (*Cache)(nil)
var _ Interface = Disabled{}
