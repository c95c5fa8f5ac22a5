package store

import "sync"

// MemoryStore keeps objects in a map.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func memKey(kind Kind, key Key) string { return kind.String() + "/" + key.String() }

func (m *MemoryStore) Get(kind Kind, key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.objects[memKey(kind, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(kind Kind, key Key, data []byte) error {
	m.mu.Lock()
	m.objects[memKey(kind, key)] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(kind Kind, key Key) error {
	m.mu.Lock()
	delete(m.objects, memKey(kind, key))
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
