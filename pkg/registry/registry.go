// Package registry holds the module descriptors known to the gateway.
// The lifecycle manager resolves every enable, upgrade and dependency
// check against this set.
package registry

import (
	"sort"
	"sync"

	"github.com/islam56naser/okapi-1/pkg/errs"
	"github.com/islam56naser/okapi-1/pkg/moduleid"
	"github.com/islam56naser/okapi-1/pkg/types"
)

// ModuleManager is the read surface the lifecycle manager needs from
// the descriptor registry.
type ModuleManager interface {
	// Get returns the descriptor for an exact module ID.
	Get(id string) (*types.ModuleDescriptor, error)

	// GetLatest resolves a module reference, possibly without a
	// version, to the newest matching descriptor.
	GetLatest(id string) (*types.ModuleDescriptor, error)

	// ModulesWithFilter returns descriptors, skipping pre-release or
	// npm-snapshot versions when the flags say so. A non-empty
	// filterIDs restricts the result to descriptors whose name
	// matches one of the given references.
	ModulesWithFilter(preRelease, npmSnapshot bool, filterIDs []string) ([]*types.ModuleDescriptor, error)
}

// InMemory is a ModuleManager over an in-process descriptor set.
type InMemory struct {
	mu      sync.RWMutex
	modules map[string]*types.ModuleDescriptor
}

// NewInMemory creates an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{modules: make(map[string]*types.ModuleDescriptor)}
}

// Add registers a descriptor, replacing any previous one with the
// same ID.
func (r *InMemory) Add(md *types.ModuleDescriptor) error {
	if _, err := moduleid.Parse(md.ID); err != nil {
		return errs.User("%v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[md.ID] = md
	return nil
}

// Delete removes a descriptor.
func (r *InMemory) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[id]; !ok {
		return errs.NotFound("%s", id)
	}
	delete(r.modules, id)
	return nil
}

// Get implements ModuleManager.
func (r *InMemory) Get(id string) (*types.ModuleDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.modules[id]
	if !ok {
		return nil, errs.NotFound("%s", id)
	}
	return md, nil
}

// GetLatest implements ModuleManager.
func (r *InMemory) GetLatest(id string) (*types.ModuleDescriptor, error) {
	ref, err := moduleid.Parse(id)
	if err != nil {
		return nil, errs.User("%v", err)
	}
	if ref.HasVersion() {
		return r.Get(id)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	candidates := make([]string, 0, len(r.modules))
	for mid := range r.modules {
		candidates = append(candidates, mid)
	}
	best := moduleid.Latest(id, candidates)
	md, ok := r.modules[best]
	if !ok {
		return nil, errs.NotFound("%s", id)
	}
	return md, nil
}

// ModulesWithFilter implements ModuleManager. The result is sorted by
// module ID so callers iterate deterministically.
func (r *InMemory) ModulesWithFilter(preRelease, npmSnapshot bool, filterIDs []string) ([]*types.ModuleDescriptor, error) {
	var filters []*moduleid.ModuleID
	for _, f := range filterIDs {
		m, err := moduleid.Parse(f)
		if err != nil {
			return nil, errs.User("%v", err)
		}
		filters = append(filters, m)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.ModuleDescriptor
	for id, md := range r.modules {
		m, err := moduleid.Parse(id)
		if err != nil {
			continue
		}
		if !npmSnapshot && m.HasNpmSnapshot() {
			continue
		}
		// An npm-snapshot version is also a pre-release; the dedicated
		// flag above takes precedence.
		if !preRelease && m.HasPreRelease() && !m.HasNpmSnapshot() {
			continue
		}
		if len(filters) > 0 && !matchesAny(m, filters) {
			continue
		}
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchesAny(m *moduleid.ModuleID, filters []*moduleid.ModuleID) bool {
	for _, f := range filters {
		if m.Name() != f.Name() {
			continue
		}
		if !f.HasVersion() || f.String() == m.String() {
			return true
		}
	}
	return false
}

var _ ModuleManager = (*InMemory)(nil)
