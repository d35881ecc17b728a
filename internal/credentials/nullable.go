package credentials

import (
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

// memoryKeyring is an in-process Keyring double, so Store can be tested
// without a real OS secret service.
type memoryKeyring struct {
	mu    sync.Mutex
	items map[string]keyring.Item
}

// NewMemoryKeyring builds a Keyring double backed by a plain map, for tests
// and for hosts with no usable OS keyring backend.
func NewMemoryKeyring() Keyring {
	return &memoryKeyring{items: make(map[string]keyring.Item)}
}

func (m *memoryKeyring) Get(key string) (keyring.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return keyring.Item{}, keyring.ErrKeyNotFound
	}
	return it, nil
}

func (m *memoryKeyring) Set(item keyring.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.Key] = item
	return nil
}

func (m *memoryKeyring) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		return fmt.Errorf("remove %s: %w", key, keyring.ErrKeyNotFound)
	}
	delete(m.items, key)
	return nil
}

func (m *memoryKeyring) Keys() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys, nil
}
