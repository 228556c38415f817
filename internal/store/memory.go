package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory Store used by tests and local single-process runs.
// It implements the same conditional-write semantics as the PostgreSQL
// implementation.
type Memory struct {
	mu    sync.Mutex
	items map[string]map[string]memoryItem
}

type memoryItem struct {
	value   []byte
	version int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]map[string]memoryItem)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, partition, key string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[partition][key]
	if !ok {
		return Item{}, ErrNotFound
	}
	return Item{
		Partition: partition,
		Key:       key,
		Value:     append([]byte(nil), it.value...),
		Version:   it.version,
	}, nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, partition, key string, value []byte, version int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.items[partition][key]
	switch {
	case version == VersionAbsent && exists:
		return 0, ErrVersionMismatch
	case version != VersionAbsent && (!exists || current.version != version):
		return 0, ErrVersionMismatch
	}

	if m.items[partition] == nil {
		m.items[partition] = make(map[string]memoryItem)
	}
	next := current.version + 1
	m.items[partition][key] = memoryItem{
		value:   append([]byte(nil), value...),
		version: next,
	}
	return next, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, partition, key string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.items[partition][key]
	if !exists {
		return ErrNotFound
	}
	if current.version != version {
		return ErrVersionMismatch
	}
	delete(m.items[partition], key)
	return nil
}

// Scan implements Store.
func (m *Memory) Scan(_ context.Context, partition string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.items[partition]))
	for k := range m.items[partition] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]Item, 0, len(keys))
	for _, k := range keys {
		it := m.items[partition][k]
		items = append(items, Item{
			Partition: partition,
			Key:       k,
			Value:     append([]byte(nil), it.value...),
			Version:   it.version,
		})
	}
	return items, nil
}
