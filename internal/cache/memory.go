package cache

import (
	"strings"
	"sync"

	"github.com/zyedidia/generic"
	"github.com/zyedidia/generic/btree"
)

// MemoryBackend keeps entries in an ordered in-process tree. Nothing
// survives a restart; it backs tests and ephemeral clients.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries *btree.Tree[string, []byte]
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: btree.New[string, []byte](generic.Less[string])}
}

func (m *MemoryBackend) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryBackend) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Put(key, append([]byte(nil), value...))
	return nil
}

func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Remove(key)
	return nil
}

func (m *MemoryBackend) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	m.entries.Each(func(key string, _ []byte) {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	})
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }
