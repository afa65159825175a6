package cache

import (
	"sync"
)

// LRU is a fixed-capacity least-recently-used cache safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*cacheItem[K, V]
	head     *cacheItem[K, V]
	tail     *cacheItem[K, V]

	hits, misses uint64
}

type cacheItem[K comparable, V any] struct {
	key   K
	value V
	prev  *cacheItem[K, V]
	next  *cacheItem[K, V]
}

// NewLRU creates a cache holding at most capacity entries. A non-positive
// capacity disables caching: Set becomes a no-op.
func NewLRU[K comparable, V any](capacity int) *LRU[K, V] {
	return &LRU[K, V]{
		capacity: capacity,
		items:    make(map[K]*cacheItem[K, V]),
	}
}

// Get retrieves a value from the cache
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[key]
	if !found {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.moveToHead(item)

	return item.value, true
}

// Set stores a value in the cache
func (c *LRU[K, V]) Set(key K, value V) {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if item, found := c.items[key]; found {
		item.value = value
		c.moveToHead(item)
		return
	}

	item := &cacheItem[K, V]{key: key, value: value}
	c.addToHead(item)
	c.items[key] = item

	if len(c.items) > c.capacity {
		c.evictLRU()
	}
}

// EvictIf drops every entry whose key matches pred. Used to purge the blocks
// of a deleted table.
func (c *LRU[K, V]) EvictIf(pred func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, item := range c.items {
		if pred(key) {
			c.unlink(item)
			delete(c.items, key)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit and miss counters.
func (c *LRU[K, V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *LRU[K, V]) moveToHead(item *cacheItem[K, V]) {
	if item == c.head {
		return
	}
	c.unlink(item)
	c.addToHead(item)
}

func (c *LRU[K, V]) unlink(item *cacheItem[K, V]) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (c *LRU[K, V]) addToHead(item *cacheItem[K, V]) {
	item.prev = nil
	item.next = c.head

	if c.head != nil {
		c.head.prev = item
	}
	c.head = item

	if c.tail == nil {
		c.tail = item
	}
}

func (c *LRU[K, V]) evictLRU() {
	if c.tail == nil {
		return
	}
	victim := c.tail
	c.unlink(victim)
	delete(c.items, victim.key)
}
