package buffer

import (
	"errors"
	"sync"
)

var ErrNoVictim = errors.New("no evictable entry")

const nilHandle = -1

type lruNode[K comparable, V any] struct {
	key  K
	val  V
	prev int
	next int
}

// LRU is a fixed capacity map that keeps its entries in recency order. Nodes live in an arena and link to each other
// by index, released slots are reused through a free list. head is the most recently used entry, tail the least.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	nodes    []lruNode[K, V]
	free     []int
	index    map[K]int
	head     int
	tail     int
}

func NewLRU[K comparable, V any](capacity int) *LRU[K, V] {
	if capacity <= 0 {
		panic("lru capacity must be positive")
	}

	return &LRU[K, V]{
		capacity: capacity,
		nodes:    make([]lruNode[K, V], 0, capacity),
		free:     make([]int, 0),
		index:    make(map[K]int, capacity),
		head:     nilHandle,
		tail:     nilHandle,
	}
}

// Get returns the value of k and marks it most recently used.
func (l *LRU[K, V]) Get(k K) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.index[k]
	if !ok {
		var zero V
		return zero, false
	}

	l.unlink(h)
	l.pushFront(h)
	return l.nodes[h].val, true
}

// Peek returns the value of k without touching recency.
func (l *LRU[K, V]) Peek(k K) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	return l.nodes[h].val, true
}

// Put inserts or updates k as the most recently used entry. When a new key is inserted at capacity the least
// recently used entry is evicted and returned.
func (l *LRU[K, V]) Put(k K, v V) (evicted V, ok bool) {
	evicted, ok, _ = l.PutEvicting(k, v, func(K, V) bool { return true })
	return evicted, ok
}

// PutEvicting works like Put but only evicts entries accepted by evictable, scanning from the least recently used
// one. If the cache is full and nothing is evictable it returns ErrNoVictim and leaves the cache unchanged.
func (l *LRU[K, V]) PutEvicting(k K, v V, evictable func(K, V) bool) (evicted V, ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, found := l.index[k]; found {
		l.nodes[h].val = v
		l.unlink(h)
		l.pushFront(h)
		return evicted, false, nil
	}

	if len(l.index) >= l.capacity {
		victim := l.tail
		for victim != nilHandle && !evictable(l.nodes[victim].key, l.nodes[victim].val) {
			victim = l.nodes[victim].prev
		}

		if victim == nilHandle {
			return evicted, false, ErrNoVictim
		}

		evicted, ok = l.nodes[victim].val, true
		l.remove(victim)
	}

	h := l.alloc(k, v)
	l.index[k] = h
	l.pushFront(h)
	return evicted, ok, nil
}

// Replace swaps the value of k without changing its position. It returns false if k is not present.
func (l *LRU[K, V]) Replace(k K, v V) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.index[k]
	if !ok {
		return false
	}
	l.nodes[h].val = v
	return true
}

func (l *LRU[K, V]) Remove(k K) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.index[k]
	if !ok {
		return false
	}
	l.remove(h)
	return true
}

func (l *LRU[K, V]) Contains(k K) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.index[k]
	return ok
}

func (l *LRU[K, V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index)
}

func (l *LRU[K, V]) Cap() int {
	return l.capacity
}

// Range calls f from the most recently used entry to the least until f returns false. The cache is locked during the
// iteration so f must not call back into it.
func (l *LRU[K, V]) Range(f func(k K, v V) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for h := l.head; h != nilHandle; h = l.nodes[h].next {
		if !f(l.nodes[h].key, l.nodes[h].val) {
			return
		}
	}
}

// Keys returns a snapshot of keys from most to least recently used.
func (l *LRU[K, V]) Keys() []K {
	res := make([]K, 0, l.Len())
	l.Range(func(k K, _ V) bool {
		res = append(res, k)
		return true
	})
	return res
}

// Values returns a snapshot of values from most to least recently used.
func (l *LRU[K, V]) Values() []V {
	res := make([]V, 0, l.Len())
	l.Range(func(_ K, v V) bool {
		res = append(res, v)
		return true
	})
	return res
}

func (l *LRU[K, V]) alloc(k K, v V) int {
	node := lruNode[K, V]{key: k, val: v, prev: nilHandle, next: nilHandle}
	if n := len(l.free); n > 0 {
		h := l.free[n-1]
		l.free = l.free[:n-1]
		l.nodes[h] = node
		return h
	}

	l.nodes = append(l.nodes, node)
	return len(l.nodes) - 1
}

func (l *LRU[K, V]) remove(h int) {
	l.unlink(h)
	delete(l.index, l.nodes[h].key)
	l.nodes[h] = lruNode[K, V]{prev: nilHandle, next: nilHandle}
	l.free = append(l.free, h)
}

func (l *LRU[K, V]) unlink(h int) {
	n := &l.nodes[h]
	if n.prev != nilHandle {
		l.nodes[n.prev].next = n.next
	} else {
		l.head = n.next
	}

	if n.next != nilHandle {
		l.nodes[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}

	n.prev, n.next = nilHandle, nilHandle
}

func (l *LRU[K, V]) pushFront(h int) {
	n := &l.nodes[h]
	n.prev = nilHandle
	n.next = l.head
	if l.head != nilHandle {
		l.nodes[l.head].prev = h
	}
	l.head = h
	if l.tail == nilHandle {
		l.tail = h
	}
}
