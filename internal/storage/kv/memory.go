package kv

import (
	"bytes"
	"sort"
	"sync"
)

// memoryBackend is the test and single-node double: a sorted in-memory
// map behind a mutex.
type memoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMemoryBackend(*Config) (Backend, error) {
	return &memoryBackend{data: make(map[string][]byte)}, nil
}

func (m *memoryBackend) Name() string { return "memory" }

func (m *memoryBackend) Open(bool) error { return nil }

func (m *memoryBackend) Close() error { return nil }

func (m *memoryBackend) Get(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *memoryBackend) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memoryBackend) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *memoryBackend) Scan(prefix []byte, visit func(key, value []byte) error) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		m.mu.RLock()
		v, ok := m.data[k]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if err := visit([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}
