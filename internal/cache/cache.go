// Package cache implements the bounded map abstraction used for every
// table in the endpoint: the MID/token exchange tables (TTL eviction at
// EXCHANGE_LIFETIME) and the block/observe tables (LFU eviction at a fixed
// entry-count capacity). Both policies share one map/mutex shape per the
// design note in spec §9 ("these can be the same bounded map abstraction
// with different eviction policies").
package cache

import "sync"

type entry struct {
	value     interface{}
	expiresAt int64 // unix nanos; zero means "no TTL"
	freq      int
}

// Cache is a single bounded map supporting either TTL or LFU eviction.
type Cache struct {
	mu       sync.Mutex
	items    map[string]*entry
	ttl      int64 // nanoseconds; 0 disables TTL eviction
	capacity int   // 0 disables LFU eviction
	onEvict  func(key string, value interface{})
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithEvictCallback registers a callback invoked (outside the lock) whenever
// an entry is evicted by Sweep or by capacity pressure on Set.
func WithEvictCallback(f func(key string, value interface{})) Option {
	return func(c *Cache) { c.onEvict = f }
}

// NewTTL returns a cache that evicts entries ttlNanos after they were last
// Set, reclaimed by calling Sweep periodically (used by the MID and token
// tables, ttl = EXCHANGE_LIFETIME).
func NewTTL(ttlNanos int64, opts ...Option) *Cache {
	c := &Cache{items: make(map[string]*entry), ttl: ttlNanos}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewLFU returns a cache that evicts its least-frequently-used entry once
// more than capacity entries are Set (used by the four block tables and the
// observe table, capacity = TRANSACTION_LIST_MAX_SIZE).
func NewLFU(capacity int, opts ...Option) *Cache {
	c := &Cache{items: make(map[string]*entry), capacity: capacity}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Set stores value under key, refreshing its TTL/frequency bookkeeping.
// Set may trigger eviction of another entry when the cache is at LFU
// capacity.
func (c *Cache) Set(key string, value interface{}, nowNanos int64) {
	var evictedKey string
	var evictedVal interface{}
	evicted := false

	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		e.value = value
		e.freq++
		if c.ttl > 0 {
			e.expiresAt = nowNanos + c.ttl
		}
	} else {
		if c.capacity > 0 && len(c.items) >= c.capacity {
			if k, ok := c.leastFrequentLocked(); ok {
				evictedKey, evictedVal = k, c.items[k].value
				delete(c.items, k)
				evicted = true
			}
		}
		var expires int64
		if c.ttl > 0 {
			expires = nowNanos + c.ttl
		}
		c.items[key] = &entry{value: value, expiresAt: expires, freq: 1}
	}
	c.mu.Unlock()

	if evicted && c.onEvict != nil {
		c.onEvict(evictedKey, evictedVal)
	}
}

func (c *Cache) leastFrequentLocked() (string, bool) {
	var minKey string
	minFreq := int(^uint(0) >> 1)
	found := false
	for k, e := range c.items {
		if !found || e.freq < minFreq {
			minKey, minFreq, found = k, e.freq, true
		}
	}
	return minKey, found
}

// Get returns the value for key and bumps its use frequency (LFU bookkeeping).
// It does not itself check expiry; call Sweep to reclaim TTL-expired
// entries, matching the "entries live for EXCHANGE_LIFETIME" cache semantics
// rather than lazy per-Get expiry (so a late-arriving duplicate still finds
// its cached response within the lifetime window).
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e.freq++
	return e.value, true
}

// Delete removes key unconditionally.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns a snapshot of the current keys.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

// Sweep removes every TTL-expired entry as of nowNanos. A no-op on LFU
// caches (ttl == 0).
func (c *Cache) Sweep(nowNanos int64) {
	if c.ttl == 0 {
		return
	}
	var evictedKeys []string
	var evictedVals []interface{}

	c.mu.Lock()
	for k, e := range c.items {
		if e.expiresAt != 0 && nowNanos >= e.expiresAt {
			evictedKeys = append(evictedKeys, k)
			evictedVals = append(evictedVals, e.value)
			delete(c.items, k)
		}
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for i, k := range evictedKeys {
			c.onEvict(k, evictedVals[i])
		}
	}
}
