package cache

import (
	"container/list"
	"context"
	"sync"
)

// DefaultMemoryMaxBytes bounds the in-process cache when no limit is
// configured: roughly 45 minutes of output-format audio.
const DefaultMemoryMaxBytes = 512 << 20

// Memory is a size-bounded LRU [Store] held in process memory.
type Memory struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	order    *list.List // front is most recently used
	items    map[string]*list.Element
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty LRU that evicts once the summed PCM size
// exceeds maxBytes. maxBytes <= 0 selects [DefaultMemoryMaxBytes].
func NewMemory(maxBytes int64) *Memory {
	if maxBytes <= 0 {
		maxBytes = DefaultMemoryMaxBytes
	}
	return &Memory{
		maxBytes: maxBytes,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, ErrMiss
	}
	m.order.MoveToFront(el)
	return el.Value.(*Entry), nil
}

// GetMeta implements [Store]. It does not count as a use for eviction.
func (m *Memory) GetMeta(_ context.Context, key string) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return Metadata{}, ErrMiss
	}
	return el.Value.(*Entry).Meta, nil
}

// Put implements [Store]. An entry larger than the whole bound is not
// stored.
func (m *Memory) Put(_ context.Context, e *Entry) error {
	size := int64(len(e.PCM))
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[e.Key]; ok {
		return nil
	}
	if size > m.maxBytes {
		return nil
	}
	m.items[e.Key] = m.order.PushFront(e)
	m.size += size
	for m.size > m.maxBytes {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		victim := m.order.Remove(oldest).(*Entry)
		delete(m.items, victim.Key)
		m.size -= int64(len(victim.PCM))
	}
	return nil
}

// Len returns the number of cached entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Size returns the summed PCM size in bytes.
func (m *Memory) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Ping implements [Store]. The in-process cache is always reachable.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements [Store] by dropping every entry.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order.Init()
	clear(m.items)
	m.size = 0
	return nil
}
