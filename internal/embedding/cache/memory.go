// Package cache provides embedding caches: an in-process LRU with TTL and a
// Redis-backed cache shared between runners.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Memory defaults.
const (
	DefaultSize = 10000
	DefaultTTL  = 24 * time.Hour
)

type entry struct {
	key     string
	vec     []float32
	expires time.Time
}

// Memory is a size-bounded LRU whose entries expire after a TTL.
type Memory struct {
	mu    sync.Mutex
	size  int
	ttl   time.Duration
	now   func() time.Time
	order *list.List
	items map[string]*list.Element
}

// NewMemory builds a Memory cache. Non-positive size or ttl use defaults.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		size:  size,
		ttl:   ttl,
		now:   time.Now,
		order: list.New(),
		items: make(map[string]*list.Element, size),
	}
}

// Get returns the cached vector and refreshes its recency.
func (m *Memory) Get(_ context.Context, key string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	e := el.Value.(*entry)
	if !m.now().Before(e.expires) {
		m.removeElement(el)
		return nil, false, nil
	}
	m.order.MoveToFront(el)
	return e.vec, true, nil
}

// Set stores v, evicting the least recently used entry when full.
func (m *Memory) Set(_ context.Context, key string, v []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	expires := m.now().Add(m.ttl)
	if el, ok := m.items[key]; ok {
		e := el.Value.(*entry)
		e.vec = v
		e.expires = expires
		m.order.MoveToFront(el)
		return nil
	}
	m.items[key] = m.order.PushFront(&entry{key: key, vec: v, expires: expires})
	for m.order.Len() > m.size {
		m.removeElement(m.order.Back())
	}
	return nil
}

// Len returns the number of entries, including expired ones not yet evicted.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) removeElement(el *list.Element) {
	m.order.Remove(el)
	delete(m.items, el.Value.(*entry).key)
}
