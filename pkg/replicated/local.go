package replicated

import (
	"sort"
	"strings"
	"sync"
)

// LocalBackend is the in-process backend used when the gateway runs
// without a cluster. All map operations resolve against plain memory.
type LocalBackend struct {
	mu   sync.RWMutex
	maps map[string]map[string][]byte
}

// NewLocalBackend creates an empty local backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{maps: make(map[string]map[string][]byte)}
}

func (b *LocalBackend) bucket(mapName string) map[string][]byte {
	m, ok := b.maps[mapName]
	if !ok {
		m = make(map[string][]byte)
		b.maps[mapName] = m
	}
	return m
}

// Add inserts only if absent, failing with ErrExists otherwise.
func (b *LocalBackend) Add(mapName, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.bucket(mapName)
	if _, ok := m[key]; ok {
		return ErrExists
	}
	m[key] = value
	return nil
}

// Put overwrites unconditionally.
func (b *LocalBackend) Put(mapName, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bucket(mapName)[key] = value
	return nil
}

// Get returns the value and whether the key was present.
func (b *LocalBackend) Get(mapName, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.maps[mapName]
	if !ok {
		return nil, false, nil
	}
	v, ok := m[key]
	return v, ok, nil
}

// Remove deletes the key, reporting whether it was present.
func (b *LocalBackend) Remove(mapName, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.maps[mapName]
	if !ok {
		return false, nil
	}
	if _, ok := m[key]; !ok {
		return false, nil
	}
	delete(m, key)
	return true, nil
}

// Keys returns a sorted snapshot of the keys with the given prefix.
func (b *LocalBackend) Keys(mapName, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for k := range b.maps[mapName] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
