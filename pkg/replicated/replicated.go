// Package replicated provides the cluster-wide map abstraction the
// lifecycle runs on: Map1 keyed by a single string and Map2 keyed by a
// pair. A successful write is visible to a subsequent read on any
// gateway instance sharing the backend. The local backend is a plain
// in-process map; the clustered backend replicates through raft.
package replicated

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/islam56naser/okapi-1/pkg/errs"
)

// keySep joins the two keys of a Map2 entry. Neither tenant IDs nor
// job IDs may contain it.
const keySep = "\x00"

// ErrExists is returned by Backend.Add for a present key.
var ErrExists = errors.New("key already exists")

// Backend is the raw byte-level store a map binds to.
type Backend interface {
	// Add inserts only if absent, failing with ErrExists otherwise.
	Add(mapName, key string, value []byte) error
	// Put overwrites unconditionally.
	Put(mapName, key string, value []byte) error
	// Get returns the value and whether the key was present.
	Get(mapName, key string) ([]byte, bool, error)
	// Remove deletes the key, reporting whether it was present.
	Remove(mapName, key string) (bool, error)
	// Keys returns a snapshot of the keys with the given prefix.
	Keys(mapName, prefix string) ([]string, error)
}

// Map1 is a replicated map keyed by a single string.
type Map1[T any] struct {
	backend Backend
	name    string
}

// NewMap1 binds a typed map to a named backend map.
func NewMap1[T any](backend Backend, name string) *Map1[T] {
	return &Map1[T]{backend: backend, name: name}
}

// Get returns the value, or the zero value and false when absent.
func (m *Map1[T]) Get(key string) (T, bool, error) {
	var v T
	data, ok, err := m.backend.Get(m.name, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, errs.Internal(err)
	}
	return v, true, nil
}

// GetNotFound returns the value or fails with NOT_FOUND.
func (m *Map1[T]) GetNotFound(key string) (T, error) {
	v, ok, err := m.Get(key)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, errs.NotFound("%s", key)
	}
	return v, nil
}

// Add inserts only if absent, failing with a USER error otherwise.
func (m *Map1[T]) Add(key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errs.Internal(err)
	}
	if err := m.backend.Add(m.name, key, data); err != nil {
		if errors.Is(err, ErrExists) {
			return errs.User("%s already exists", key)
		}
		return err
	}
	return nil
}

// Put overwrites unconditionally.
func (m *Map1[T]) Put(key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errs.Internal(err)
	}
	return m.backend.Put(m.name, key, data)
}

// Remove deletes the key, reporting whether it was present.
func (m *Map1[T]) Remove(key string) (bool, error) {
	return m.backend.Remove(m.name, key)
}

// RemoveNotFound deletes the key or fails with NOT_FOUND.
func (m *Map1[T]) RemoveNotFound(key string) error {
	found, err := m.Remove(key)
	if err != nil {
		return err
	}
	if !found {
		return errs.NotFound("%s", key)
	}
	return nil
}

// Keys returns a snapshot of all keys.
func (m *Map1[T]) Keys() ([]string, error) {
	return m.backend.Keys(m.name, "")
}

// Map2 is a replicated map keyed by a pair of strings, typically
// (tenant ID, subkey).
type Map2[T any] struct {
	backend Backend
	name    string
}

// NewMap2 binds a typed two-level map to a named backend map.
func NewMap2[T any](backend Backend, name string) *Map2[T] {
	return &Map2[T]{backend: backend, name: name}
}

func composite(k1, k2 string) string {
	return k1 + keySep + k2
}

// Get returns the value, or the zero value and false when absent.
func (m *Map2[T]) Get(k1, k2 string) (T, bool, error) {
	var v T
	data, ok, err := m.backend.Get(m.name, composite(k1, k2))
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, errs.Internal(err)
	}
	return v, true, nil
}

// GetNotFound returns the value or fails with NOT_FOUND.
func (m *Map2[T]) GetNotFound(k1, k2 string) (T, error) {
	v, ok, err := m.Get(k1, k2)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, errs.NotFound("%s", k2)
	}
	return v, nil
}

// Add inserts only if absent, failing with a USER error otherwise.
func (m *Map2[T]) Add(k1, k2 string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errs.Internal(err)
	}
	if err := m.backend.Add(m.name, composite(k1, k2), data); err != nil {
		if errors.Is(err, ErrExists) {
			return errs.User("%s already exists", k2)
		}
		return err
	}
	return nil
}

// Put overwrites unconditionally.
func (m *Map2[T]) Put(k1, k2 string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errs.Internal(err)
	}
	return m.backend.Put(m.name, composite(k1, k2), data)
}

// Remove deletes the entry, reporting whether it was present.
func (m *Map2[T]) Remove(k1, k2 string) (bool, error) {
	return m.backend.Remove(m.name, composite(k1, k2))
}

// RemoveNotFound deletes the entry or fails with NOT_FOUND.
func (m *Map2[T]) RemoveNotFound(k1, k2 string) error {
	found, err := m.Remove(k1, k2)
	if err != nil {
		return err
	}
	if !found {
		return errs.NotFound("%s", k2)
	}
	return nil
}

// Keys returns a snapshot of the subkeys under the primary key.
func (m *Map2[T]) Keys(k1 string) ([]string, error) {
	prefix := k1 + keySep
	raw, err := m.backend.Keys(m.name, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, prefix))
	}
	return keys, nil
}
