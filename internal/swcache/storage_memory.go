package swcache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps stores in process memory. Snapshots are held encoded,
// so callers never share backing arrays with the store.
type MemoryStorage struct {
	mu     sync.RWMutex
	stores map[string]map[RequestKey][]byte
	active string
	closed bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{stores: map[string]map[RequestKey][]byte{}}
}

func (m *MemoryStorage) Open(_ context.Context, name string) (Cache, error) {
	if err := validStoreName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = map[RequestKey][]byte{}
	}
	return &memoryCache{m: m, name: name}, nil
}

func (m *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrStorageClosed
	}
	_, ok := m.stores[name]
	delete(m.stores, name)
	return ok, nil
}

func (m *MemoryStorage) Names(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]string, 0, len(m.stores))
	for k := range m.stores {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStorage) SetActive(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	m.active = name
	return nil
}

func (m *MemoryStorage) Active(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrStorageClosed
	}
	return m.active, nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	m.closed = true
	m.stores = nil
	m.mu.Unlock()
	return nil
}

type memoryCache struct {
	m    *MemoryStorage
	name string
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(_ context.Context, key RequestKey) (Snapshot, bool, error) {
	c.m.mu.RLock()
	if c.m.closed {
		c.m.mu.RUnlock()
		return Snapshot{}, false, ErrStorageClosed
	}
	b, ok := c.m.stores[c.name][key]
	c.m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false, nil
	}
	s, err := decodeSnapshot(b)
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

func (c *memoryCache) Put(ctx context.Context, key RequestKey, snap Snapshot) error {
	return c.PutAll(ctx, []Entry{{Key: key, Snapshot: snap}})
}

func (c *memoryCache) PutAll(_ context.Context, entries []Entry) error {
	encoded := make([][]byte, len(entries))
	for i, e := range entries {
		b, err := encodeGob(e.Snapshot)
		if err != nil {
			return err
		}
		encoded[i] = b
	}

	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.closed {
		return ErrStorageClosed
	}
	store, ok := c.m.stores[c.name]
	if !ok {
		return ErrStoreNotFound
	}
	for i, e := range entries {
		store[e.Key] = encoded[i]
	}
	return nil
}

func (c *memoryCache) Keys(context.Context) ([]RequestKey, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	if c.m.closed {
		return nil, ErrStorageClosed
	}
	store := c.m.stores[c.name]
	out := make([]RequestKey, 0, len(store))
	for k := range store {
		out = append(out, k)
	}
	sortKeys(out)
	return out, nil
}

func (c *memoryCache) Usage(context.Context) (int64, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	if c.m.closed {
		return 0, ErrStorageClosed
	}
	var total int64
	for _, b := range c.m.stores[c.name] {
		total += int64(len(b))
	}
	return total, nil
}

func sortKeys(keys []RequestKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
