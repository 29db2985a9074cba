package lifecycle

import (
	"sync"

	"github.com/islam56naser/okapi-1/pkg/registry"
	"github.com/islam56naser/okapi-1/pkg/types"
)

// permExpand is the tenant's permission-expansion state, derived from
// its enabled modules: full when a permissions module accepting
// expanded sets (1.1+) is enabled, none when only a 1.0 one is, and
// unknown when no permissions module is enabled at all.
type permExpand int

const (
	permExpandUnknown permExpand = iota
	permExpandNone
	permExpandFull
)

// cachedModules is one tenant's memoized snapshot: the descriptors of
// its enabled set plus the expansion state derived from them.
type cachedModules struct {
	set    map[string]*types.ModuleDescriptor
	expand permExpand
}

// moduleCache memoizes the descriptor set of a tenant's enabled
// modules. Module changes and timer reloads hit the set repeatedly;
// the cache is evicted whenever the tenant's enabled set commits.
type moduleCache struct {
	modules registry.ModuleManager

	mu       sync.Mutex
	byTenant map[string]cachedModules
}

func newModuleCache(modules registry.ModuleManager) *moduleCache {
	return &moduleCache{
		modules:  modules,
		byTenant: make(map[string]cachedModules),
	}
}

// EnabledModules returns descriptors for the tenant's enabled set,
// keyed by module ID. Modules missing from the registry are skipped;
// the tenant keeps them enabled but they cannot be resolved.
func (c *moduleCache) EnabledModules(t *types.Tenant) (map[string]*types.ModuleDescriptor, error) {
	return c.snapshot(t).set, nil
}

// PermExpansion returns the tenant's permission-expansion state.
func (c *moduleCache) PermExpansion(t *types.Tenant) permExpand {
	return c.snapshot(t).expand
}

func (c *moduleCache) snapshot(t *types.Tenant) cachedModules {
	c.mu.Lock()
	cached, ok := c.byTenant[t.ID()]
	c.mu.Unlock()
	if ok && sameKeys(cached.set, t.Enabled) {
		return cached
	}

	set := make(map[string]*types.ModuleDescriptor, len(t.Enabled))
	for _, id := range t.ListModules() {
		md, err := c.modules.Get(id)
		if err != nil {
			continue
		}
		set[id] = md
	}
	cached = cachedModules{set: set, expand: expansionOf(set)}

	c.mu.Lock()
	c.byTenant[t.ID()] = cached
	c.mu.Unlock()
	return cached
}

// Evict drops the tenant's cached snapshot.
func (c *moduleCache) Evict(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byTenant, tenantID)
}

func expansionOf(set map[string]*types.ModuleDescriptor) permExpand {
	expand := permExpandUnknown
	for _, md := range set {
		iface := md.SystemInterface(permissionsInterface)
		if iface == nil {
			continue
		}
		if minorAtLeast(iface, 1) {
			return permExpandFull
		}
		expand = permExpandNone
	}
	return expand
}

func sameKeys(set map[string]*types.ModuleDescriptor, enabled map[string]string) bool {
	if len(set) != len(enabled) {
		return false
	}
	for id := range enabled {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
