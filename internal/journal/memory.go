package journal

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryBackend keeps entries in a slice. Nothing survives Close.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries []Entry
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(*Config) (Backend, error) {
	return &MemoryBackend{}, nil
}

func (m *MemoryBackend) Name() string {
	return "memory"
}

func (m *MemoryBackend) Append(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if n := len(m.entries); n > 0 && e.Index <= m.entries[n-1].Index {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, e.Index, m.entries[n-1].Index)
	}
	e.Payload = append([]byte(nil), e.Payload...)
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryBackend) Iterate(from uint64, fn func(Entry) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	start := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Index >= from
	})
	entries := m.entries[start:]
	m.mu.RUnlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) Last() (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return 0, false, nil
	}
	return m.entries[len(m.entries)-1].Index, true, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}
