package cache

import (
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// LRU is a bounded ordered map from string keys to values. Lookups promote
// the entry to most-recently-used; membership tests do not. The structure is
// not safe for concurrent use; callers serialize.
type LRU[V any] struct {
	lru      *simplelru.LRU[string, V]
	capacity int
	// applied mirrors the capacity currently set on lru, since
	// simplelru.LRU does not expose a Cap accessor.
	applied int
}

// NewLRU creates an LRU with the given capacity. Config validation
// rejects non-positive sizes; the clamp only keeps the zero value usable.
func NewLRU[V any](capacity int) *LRU[V] {
	if capacity < 1 {
		capacity = 1
	}
	l, _ := simplelru.NewLRU[string, V](capacity, nil)
	return &LRU[V]{lru: l, capacity: capacity, applied: capacity}
}

// Get returns the value for key and promotes it to most-recently-used.
func (l *LRU[V]) Get(key string) (V, bool) {
	return l.lru.Get(key)
}

// Put inserts or overwrites key, promoting it. Entries past capacity are
// evicted from the least-recently-used end.
func (l *LRU[V]) Put(key string, value V) {
	l.syncCapacity()
	l.lru.Add(key, value)
}

// Delete removes key if present.
func (l *LRU[V]) Delete(key string) {
	l.syncCapacity()
	l.lru.Remove(key)
}

// Contains reports whether key is present without updating its recency.
func (l *LRU[V]) Contains(key string) bool {
	return l.lru.Contains(key)
}

// Len returns the number of entries.
func (l *LRU[V]) Len() int {
	return l.lru.Len()
}

// Resize records a new capacity. It takes effect on the next mutation, not
// immediately.
func (l *LRU[V]) Resize(capacity int) {
	if capacity > 0 {
		l.capacity = capacity
	}
}

func (l *LRU[V]) syncCapacity() {
	if l.applied != l.capacity {
		l.lru.Resize(l.capacity)
		l.applied = l.capacity
	}
}
