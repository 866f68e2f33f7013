package store

import (
	"context"
	"sync"

	"github.com/tidwall/btree"
)

type memoryItem struct {
	key   string
	entry Entry
}

func lessMemoryItem(a, b memoryItem) bool {
	return a.key < b.key
}

// MemoryStore is an ordered in-process store. It is the backend for tests
// and for runs where nothing should touch disk.
type MemoryStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[memoryItem]
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tree: btree.NewBTreeG(lessMemoryItem)}
}

// Get returns the entry for key.
func (m *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.tree.Get(memoryItem{key: key})
	if !ok {
		return Entry{}, ErrNotFound
	}
	return item.entry, nil
}

// Put stores e under key.
func (m *MemoryStore) Put(_ context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tree.Set(memoryItem{key: key, entry: e})
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tree.Delete(memoryItem{key: key})
	return nil
}

// Clear removes every entry.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tree = btree.NewBTreeG(lessMemoryItem)
	return nil
}

// Keys returns every key in ascending order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, m.tree.Len())
	m.tree.Scan(func(item memoryItem) bool {
		keys = append(keys, item.key)
		return true
	})
	return keys
}

// Len returns the number of entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
