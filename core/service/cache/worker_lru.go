package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// =============================================================================
// Sharded LRU tier - doubly linked list per shard, O(1) access and eviction
// =============================================================================

// entry is a cached payload plus its bookkeeping. It doubles as the list node.
type entry[T any] struct {
	key            string
	payload        T
	createdAt      time.Time
	lastAccessedAt time.Time
	hitCount       int64

	prev *entry[T]
	next *entry[T]
}

type shard[T any] struct {
	mu       sync.RWMutex
	items    map[string]*entry[T]
	head     *entry[T] // most recently used (dummy)
	tail     *entry[T] // least recently used (dummy)
	capacity int
}

func newShard[T any](capacity int) *shard[T] {
	head, tail := &entry[T]{}, &entry[T]{}
	head.next = tail
	tail.prev = head
	return &shard[T]{
		items:    make(map[string]*entry[T]),
		head:     head,
		tail:     tail,
		capacity: capacity,
	}
}

func (s *shard[T]) unlink(e *entry[T]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

func (s *shard[T]) pushFront(e *entry[T]) {
	e.prev = s.head
	e.next = s.head.next
	s.head.next.prev = e
	s.head.next = e
}

// lruTier is one cache tier split into independently locked shards.
type lruTier[T any] struct {
	ttl       time.Duration
	shards    []*shard[T]
	now       func() time.Time
	evictions atomic.Int64
	expired   atomic.Int64
}

func newLRUTier[T any](capacity, shards int, ttl time.Duration, now func() time.Time) *lruTier[T] {
	if capacity < 1 {
		capacity = 1
	}
	if shards <= 0 {
		shards = 1
	}
	// shard capacities sum to exactly capacity; every shard holds at least one
	if shards > capacity {
		shards = capacity
	}
	per, extra := capacity/shards, capacity%shards
	t := &lruTier[T]{ttl: ttl, now: now, shards: make([]*shard[T], shards)}
	for i := range t.shards {
		n := per
		if i < extra {
			n++
		}
		t.shards[i] = newShard[T](n)
	}
	return t
}

func (t *lruTier[T]) shardFor(key string) *shard[T] {
	return t.shards[xxhash.Sum64String(key)%uint64(len(t.shards))]
}

// get returns the payload and its hit count after this access.
func (t *lruTier[T]) get(key string) (T, int64, bool) {
	var zero T
	s := t.shardFor(key)
	now := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return zero, 0, false
	}
	if now.Sub(e.createdAt) >= t.ttl {
		s.unlink(e)
		delete(s.items, key)
		t.expired.Add(1)
		return zero, 0, false
	}

	e.lastAccessedAt = now
	e.hitCount++
	s.unlink(e)
	s.pushFront(e)
	return e.payload, e.hitCount, true
}

// put inserts or replaces key, evicting the least recently used entry when full.
func (t *lruTier[T]) put(key string, payload T) {
	s := t.shardFor(key)
	now := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[key]; ok {
		e.payload = payload
		e.createdAt = now
		e.lastAccessedAt = now
		s.unlink(e)
		s.pushFront(e)
		return
	}

	for len(s.items) >= s.capacity {
		lru := s.tail.prev
		if lru == s.head {
			break
		}
		s.unlink(lru)
		delete(s.items, lru.key)
		t.evictions.Add(1)
	}

	e := &entry[T]{key: key, payload: payload, createdAt: now, lastAccessedAt: now}
	s.items[key] = e
	s.pushFront(e)
}

// update applies fn to the current payload (or the zero value) and stores the result.
// The entry keeps its original creation time so it still expires on schedule.
func (t *lruTier[T]) update(key string, fn func(cur T, found bool) T) T {
	s := t.shardFor(key)
	now := t.now()

	s.mu.Lock()
	e, ok := s.items[key]
	if ok && now.Sub(e.createdAt) >= t.ttl {
		s.unlink(e)
		delete(s.items, key)
		ok = false
	}
	if ok {
		e.payload = fn(e.payload, true)
		e.lastAccessedAt = now
		s.unlink(e)
		s.pushFront(e)
		v := e.payload
		s.mu.Unlock()
		return v
	}
	s.mu.Unlock()

	var zero T
	v := fn(zero, false)
	t.put(key, v)
	return v
}

func (t *lruTier[T]) remove(key string) {
	s := t.shardFor(key)
	s.mu.Lock()
	if e, ok := s.items[key]; ok {
		s.unlink(e)
		delete(s.items, key)
	}
	s.mu.Unlock()
}

func (t *lruTier[T]) len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

func (t *lruTier[T]) reset() {
	for _, s := range t.shards {
		s.mu.Lock()
		s.items = make(map[string]*entry[T])
		s.head.next = s.tail
		s.tail.prev = s.head
		s.mu.Unlock()
	}
	t.evictions.Store(0)
	t.expired.Store(0)
}

// sweep drops expired entries; used by the background cleanup loop.
func (t *lruTier[T]) sweep() int {
	now := t.now()
	removed := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for key, e := range s.items {
			if now.Sub(e.createdAt) >= t.ttl {
				s.unlink(e)
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	t.expired.Add(int64(removed))
	return removed
}
