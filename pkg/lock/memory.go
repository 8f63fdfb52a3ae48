package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryBackend keeps locks in a process-local map. It is meant for tests
// and single-process deployments; several Services may share one backend
// to simulate independent callers.
type MemoryBackend struct {
	mu    sync.Mutex
	locks map[string]*memoryEntry
	now   func() time.Time
}

// Ensure interface compliance.
var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		locks: make(map[string]*memoryEntry, 1),
		now:   time.Now,
	}
}

func (m *MemoryBackend) TryLock(
	_ context.Context, rec *Record, ttl time.Duration,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.locks[rec.Key]; ok {
		if entry.expiresAt.IsZero() || m.now().Before(entry.expiresAt) {
			return false, nil
		}
	}

	entry := &memoryEntry{rec: *rec}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}

	m.locks[rec.Key] = entry

	return true, nil
}

func (m *MemoryBackend) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.locks[key]; ok && entry.rec.Token == token {
		delete(m.locks, key)
	}

	return nil
}

func (m *MemoryBackend) Metadata(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[key]
	if !ok {
		return nil, nil
	}

	rec := entry.rec

	return &rec, nil
}

// Put installs a record directly, as if a holder had crashed while owning
// it. Used to simulate abandoned locks.
func (m *MemoryBackend) Put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.locks[rec.Key] = &memoryEntry{rec: rec}
}
