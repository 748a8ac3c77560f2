package storage

import (
	"context"
	"sync"
)

// MemoryBackend keeps every version in process memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	versions map[string][][]byte
	failNext error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{versions: make(map[string][][]byte)}
}

func (m *MemoryBackend) ReadVersion(ctx context.Context, itemID string, version int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.versions[itemID]
	if version < 1 || version > int64(len(vs)) {
		return nil, ErrVersionNotFound
	}
	return append([]byte(nil), vs[version-1]...), nil
}

func (m *MemoryBackend) WriteNewVersion(ctx context.Context, itemID string, content []byte, _ string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return 0, unavailable("write", err)
	}
	m.versions[itemID] = append(m.versions[itemID], append([]byte(nil), content...))
	return int64(len(m.versions[itemID])), nil
}

// FailNextWrite makes the next WriteNewVersion fail with err wrapped as
// ErrUnavailable.
func (m *MemoryBackend) FailNextWrite(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// Versions reports how many versions are stored for itemID.
func (m *MemoryBackend) Versions(itemID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.versions[itemID])
}
