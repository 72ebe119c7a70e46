// Package cache provides a bounded LRU cache for parsed statements.
//
// Parsing is skipped for statements a client repeats, which is the common
// case for drivers that send the same parameterized query text many times.
//
// Usage:
//
//	c := cache.New[kernel.Statement](1000, 5*time.Minute)
//
//	if stmt, ok := c.Get(query); ok {
//		return stmt
//	}
//	stmt, err := kernel.Parse(query)
//	...
//	c.Put(query, stmt)
package cache

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 1000

// LRU is a thread-safe least-recently-used cache keyed by statement text.
// Values must be safe to share between goroutines once stored.
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	list    *list.List
	items   map[string]*list.Element
	now     func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// New returns a cache holding at most maxSize entries. A positive ttl
// expires entries that long after they were stored.
func New[V any](maxSize int, ttl time.Duration) *LRU[V] {
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	return &LRU[V]{
		maxSize: maxSize,
		ttl:     ttl,
		list:    list.New(),
		items:   make(map[string]*list.Element, maxSize),
		now:     time.Now,
	}
}

// Get returns the value stored for key. A nil cache always misses.
func (c *LRU[V]) Get(key string) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses.Inc()
		return zero, false
	}
	e := elem.Value.(*entry[V])
	if c.ttl > 0 && c.now().After(e.expiresAt) {
		c.remove(elem)
		c.misses.Inc()
		return zero, false
	}
	c.list.MoveToFront(elem)
	c.hits.Inc()
	return e.value, true
}

// Put stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *LRU[V]) Put(key string, value V) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[V])
		e.value, e.expiresAt = value, expires
		c.list.MoveToFront(elem)
		return
	}
	for c.list.Len() >= c.maxSize {
		c.remove(c.list.Back())
	}
	c.items[key] = c.list.PushFront(&entry[V]{key: key, value: value, expiresAt: expires})
}

// Remove drops key.
func (c *LRU[V]) Remove(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
}

// Clear drops every entry. Statistics are kept.
func (c *LRU[V]) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[string]*list.Element, c.maxSize)
}

// Len returns the number of entries.
func (c *LRU[V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats holds cache statistics.
type Stats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	// HitRate is a percentage, 0 when nothing was looked up
	HitRate float64
}

// Stats returns a snapshot of the cache statistics.
func (c *LRU[V]) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{Size: c.Len(), MaxSize: c.maxSize, Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total) * 100
	}
	return s
}

// caller holds mu
func (c *LRU[V]) remove(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*entry[V]).key)
}
