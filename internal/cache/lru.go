// Package cache implements a byte-budgeted LRU cache with optional TTL
// and an eviction callback. It backs the resource ledger: every entry is
// sized by its byte length and evictions must release the browser-facing
// URL that points at the entry.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Reason tells the eviction callback why an entry left the cache.
type Reason int

const (
	ReasonCapacity Reason = iota // evicted to make room
	ReasonExpired                // TTL lapsed
	ReasonCleared                // Clear or Dispose
)

// EvictFunc is invoked once per entry removed by capacity pressure, TTL
// expiry, Clear, or Dispose. It is not invoked for explicit Delete calls;
// the caller already knows about those.
type EvictFunc func(key string, value any, size int64, reason Reason)

type Options struct {
	Capacity int64         // total byte budget, must be > 0
	TTL      time.Duration // 0 disables expiry
	OnEvict  EvictFunc
}

type entry struct {
	key        string
	value      any
	size       int64
	insertedAt time.Time
}

// Cache is a strict least-recently-used cache ordered by last successful
// Get, with ties broken by insertion order. Has never refreshes recency,
// so membership probes cannot protect cold entries from eviction.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	ttl      time.Duration
	onEvict  EvictFunc

	ll    *list.List // front = most recently used
	items map[string]*list.Element
	total int64

	disposed bool
	now      func() time.Time
}

func New(opts Options) *Cache {
	return &Cache{
		capacity: opts.Capacity,
		ttl:      opts.TTL,
		onEvict:  opts.OnEvict,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Set stores value under key and reports whether it was accepted. An
// entry larger than the capacity is rejected without touching existing
// entries. Otherwise least-recently-used entries are evicted until the
// new entry fits. Re-setting an existing key replaces it in place.
func (c *Cache) Set(key string, value any, size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || size > c.capacity || size < 0 {
		return false
	}

	if el, ok := c.items[key]; ok {
		c.total -= el.Value.(*entry).size
		c.ll.Remove(el)
		delete(c.items, key)
	}

	for c.total+size > c.capacity {
		if !c.evictOldestLocked(ReasonCapacity) {
			break
		}
	}

	e := &entry{key: key, value: value, size: size, insertedAt: c.now()}
	c.items[key] = c.ll.PushFront(e)
	c.total += size
	return true
}

// Get returns the value for key and refreshes its recency. An entry past
// its TTL is removed and reported absent.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if c.expiredLocked(e) {
		c.removeLocked(el, ReasonExpired)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return e.value, true
}

// Has reports membership without refreshing recency. TTL is still
// applied lazily, same as Get.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	if c.expiredLocked(el.Value.(*entry)) {
		c.removeLocked(el, ReasonExpired)
		return false
	}
	return true
}

// Delete removes key and reports whether it was present. The eviction
// callback does not fire for explicit deletes.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, key)
	c.total -= e.size
	return true
}

// CleanupExpired eagerly removes every TTL-expired entry and returns the
// number removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return 0
	}
	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if c.expiredLocked(el.Value.(*entry)) {
			c.removeLocked(el, ReasonExpired)
			removed++
		}
		el = prev
	}
	return removed
}

// Clear drops every entry, running the eviction callback for each.
// Callers rely on this callback for cleanup, not just capacity pressure.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

// Dispose clears the cache and rejects all further mutation. Idempotent.
func (c *Cache) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.clearLocked()
	c.disposed = true
}

// Disposed reports whether Dispose has been called.
func (c *Cache) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// TotalSize returns the sum of live entry sizes.
func (c *Cache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Cache) clearLocked() {
	for el := c.ll.Back(); el != nil; el = c.ll.Back() {
		c.removeLocked(el, ReasonCleared)
	}
}

func (c *Cache) expiredLocked(e *entry) bool {
	return c.ttl > 0 && c.now().Sub(e.insertedAt) > c.ttl
}

func (c *Cache) evictOldestLocked(reason Reason) bool {
	el := c.ll.Back()
	if el == nil {
		return false
	}
	c.removeLocked(el, reason)
	return true
}

func (c *Cache) removeLocked(el *list.Element, reason Reason) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, e.key)
	c.total -= e.size
	if c.onEvict != nil {
		c.onEvict(e.key, e.value, e.size, reason)
	}
}
