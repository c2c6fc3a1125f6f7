package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a process-local LRU with per-entry TTL. The gateway holds
// request-scoped artifact bundles here keyed by request_id. Every
// operation runs under a single lock.
type LRU struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	order   *list.List // front = most recent
	entries map[string]*list.Element
	now     func() time.Time
}

type lruEntry struct {
	key     string
	value   any
	expires time.Time
}

// NewLRU creates an LRU with the given capacity and TTL. Zero values
// take the defaults (cap 200, TTL 10 min).
func NewLRU(capacity int, ttl time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 200
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LRU{
		cap:     capacity,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Get returns the value for key if present and unexpired, promoting it.
func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	if l.now().After(entry.expires) {
		l.order.Remove(el)
		delete(l.entries, key)
		return nil, false
	}
	l.order.MoveToFront(el)
	return entry.value, true
}

// Put inserts or replaces a value, evicting the least-recent entry
// when over capacity.
func (l *LRU) Put(key string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.entries[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = value
		entry.expires = l.now().Add(l.ttl)
		l.order.MoveToFront(el)
		return
	}
	el := l.order.PushFront(&lruEntry{key: key, value: value, expires: l.now().Add(l.ttl)})
	l.entries[key] = el
	for l.order.Len() > l.cap {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(*lruEntry).key)
	}
}

// Len reports the number of live entries (expired ones included until
// touched or evicted).
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}
