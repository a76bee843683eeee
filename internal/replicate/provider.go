package replicate

import (
	"context"
	"fmt"
	"sync"
)

// RemoteStore is a durable remote location for mirrored blocks. Object
// names are content-addressed (index + hash), so writes are idempotent.
type RemoteStore interface {
	// Put stores an object. Overwriting an existing name with the same
	// content must be harmless.
	Put(ctx context.Context, name string, data []byte) error

	// Get retrieves an object by name.
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns every mirrored object name.
	List(ctx context.Context) ([]string, error)
}

// MemoryStore is an in-process RemoteStore for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put implements RemoteStore.
func (m *MemoryStore) Put(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[name] = cp
	return nil
}

// Get implements RemoteStore.
func (m *MemoryStore) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[name]
	if !ok {
		return nil, fmt.Errorf("remote object %q not found", name)
	}
	return data, nil
}

// List implements RemoteStore.
func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	return names, nil
}

// Len returns the number of mirrored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
