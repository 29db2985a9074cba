package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/islam56naser/okapi-1/pkg/replicated"
)

// Command ops understood by the FSM.
const (
	OpAdd    = "add"
	OpPut    = "put"
	OpRemove = "remove"
)

// Command is one replicated-map mutation in the raft log.
type Command struct {
	Op    string          `json:"op"`
	Map   string          `json:"map"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// removeResult reports whether a remove found its key. Returned
// through the raft apply response.
type removeResult struct {
	Found bool
}

// FSM materializes every named replicated map from the raft log.
// Reads are served from its in-memory state on any cluster member.
type FSM struct {
	mu   sync.RWMutex
	maps map[string]map[string][]byte
}

// NewFSM creates an empty FSM.
func NewFSM() *FSM {
	return &FSM{maps: make(map[string]map[string][]byte)}
}

// Apply applies a committed log entry to the map state.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.maps[cmd.Map]
	if !ok {
		m = make(map[string][]byte)
		f.maps[cmd.Map] = m
	}

	switch cmd.Op {
	case OpAdd:
		if _, ok := m[cmd.Key]; ok {
			return replicated.ErrExists
		}
		m[cmd.Key] = cmd.Value
		return nil
	case OpPut:
		m[cmd.Key] = cmd.Value
		return nil
	case OpRemove:
		_, found := m[cmd.Key]
		delete(m, cmd.Key)
		return removeResult{Found: found}
	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Get returns the value and whether the key is present.
func (f *FSM) Get(mapName, key string) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.maps[mapName]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Keys returns a sorted snapshot of the keys with the given prefix.
func (f *FSM) Keys(mapName, prefix string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var keys []string
	for k := range f.maps[mapName] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Snapshot creates a point-in-time snapshot of the map state.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	maps := make(map[string]map[string][]byte, len(f.maps))
	for name, m := range f.maps {
		copied := make(map[string][]byte, len(m))
		for k, v := range m {
			copied[k] = v
		}
		maps[name] = copied
	}
	return &mapSnapshot{Maps: maps}, nil
}

// Restore replaces the map state from a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot mapSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.maps = snapshot.Maps
	if f.maps == nil {
		f.maps = make(map[string]map[string][]byte)
	}
	return nil
}

// mapSnapshot is the JSON-encoded snapshot of all replicated maps.
type mapSnapshot struct {
	Maps map[string]map[string][]byte `json:"maps"`
}

// Persist writes the snapshot to the given SnapshotSink.
func (s *mapSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources.
func (s *mapSnapshot) Release() {}
