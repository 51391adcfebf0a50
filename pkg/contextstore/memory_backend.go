package contextstore

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps documents in process memory. Useful for tests and for
// embedding the scheduler without persistence.
type MemoryBackend struct {
	mu     sync.RWMutex
	docs   map[Key][]byte
	shared map[string][]byte
	closed bool
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs:   make(map[Key][]byte),
		shared: make(map[string][]byte),
	}
}

func (m *MemoryBackend) Write(ctx context.Context, key Key, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.docs[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBackend) Read(ctx context.Context, key Key) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrStoreClosed
	}
	data, ok := m.docs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (m *MemoryBackend) WriteShared(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.shared[id] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBackend) ReadShared(ctx context.Context, id string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrStoreClosed
	}
	data, ok := m.shared[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
