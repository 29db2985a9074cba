package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/islam56naser/okapi-1/pkg/depresolve"
	"github.com/islam56naser/okapi-1/pkg/errs"
	"github.com/islam56naser/okapi-1/pkg/events"
	"github.com/islam56naser/okapi-1/pkg/log"
	"github.com/islam56naser/okapi-1/pkg/metrics"
	"github.com/islam56naser/okapi-1/pkg/moduleid"
	"github.com/islam56naser/okapi-1/pkg/proxy"
	"github.com/islam56naser/okapi-1/pkg/registry"
	"github.com/islam56naser/okapi-1/pkg/replicated"
	"github.com/islam56naser/okapi-1/pkg/storage"
	"github.com/islam56naser/okapi-1/pkg/types"
)

// Leader answers whether this instance should run singleton work,
// timer firing above all. The cluster node implements it; single-node
// deployments use AlwaysLeader.
type Leader interface {
	IsLeader() bool
}

// AlwaysLeader is the Leader of a single-instance deployment.
type AlwaysLeader struct{}

// IsLeader implements Leader.
func (AlwaysLeader) IsLeader() bool { return true }

var tenantIDPattern = regexp.MustCompile(`^[a-z][a-z0-9]{0,30}$`)

// Manager owns the tenant lifecycle: tenant CRUD, module enable and
// disable with their hook protocol, install jobs and timers. All
// shared state lives in the store and the replicated maps, so any
// instance sharing them serves the same view.
type Manager struct {
	store   storage.Store
	modules registry.ModuleManager
	prx     proxy.Proxy
	broker  *events.Broker
	leader  Leader

	hooks   *hookInvoker
	tenants *replicated.Map1[*types.Tenant]
	jobs    *jobStore
	cache   *moduleCache
	timers  *timerScheduler

	// mu serializes module changes on this instance. Changes touch
	// store, replicated map and remote modules; interleaving two of
	// them would let hooks observe half-committed state.
	mu sync.Mutex
}

// NewManager wires a lifecycle manager over its collaborators.
func NewManager(store storage.Store, modules registry.ModuleManager, prx proxy.Proxy,
	broker *events.Broker, leader Leader, backend replicated.Backend) *Manager {

	m := &Manager{
		store:   store,
		modules: modules,
		prx:     prx,
		broker:  broker,
		leader:  leader,
		hooks:   &hookInvoker{prx: prx},
		tenants: replicated.NewMap1[*types.Tenant](backend, "tenants"),
		jobs:    newJobStore(backend),
		cache:   newModuleCache(modules),
	}
	m.timers = newTimerScheduler(m)
	return m
}

// Init loads persisted tenants into the replicated map. Only the
// first instance on a shared backend does the loading; the others see
// a populated map.
func (m *Manager) Init(ctx context.Context) error {
	keys, err := m.tenants.Keys()
	if err != nil {
		return fmt.Errorf("failed to list tenants: %v", err)
	}
	if len(keys) == 0 {
		stored, err := m.store.ListTenants()
		if err != nil {
			return fmt.Errorf("failed to load tenants: %v", err)
		}
		for _, t := range stored {
			if err := m.tenants.Put(t.ID(), t); err != nil {
				return fmt.Errorf("failed to publish tenant %s: %v", t.ID(), err)
			}
		}
		keys = make([]string, 0, len(stored))
		for _, t := range stored {
			keys = append(keys, t.ID())
		}
	}
	metrics.TenantsTotal.Set(float64(len(keys)))
	log.WithComponent("lifecycle").Info().Int("tenants", len(keys)).Msg("manager initialized")
	return nil
}

// InsertTenant creates a new tenant with an empty enabled set.
func (m *Manager) InsertTenant(ctx context.Context, td types.TenantDescriptor) (*types.Tenant, error) {
	if !tenantIDPattern.MatchString(td.ID) {
		return nil, errs.User("invalid tenant id %q", td.ID)
	}
	if _, ok, err := m.tenants.Get(td.ID); err != nil {
		return nil, err
	} else if ok {
		return nil, errs.User("tenant %s already exists", td.ID)
	}

	t := types.NewTenant(td)
	if err := m.store.InsertTenant(t); err != nil {
		return nil, errs.Internal(err)
	}
	if err := m.tenants.Add(td.ID, t); err != nil {
		return nil, err
	}
	metrics.TenantsTotal.Inc()
	m.broker.Publish(&events.Event{Type: events.EventTenantCreated, TenantID: td.ID})
	log.WithTenantID(td.ID).Info().Msg("tenant created")
	return t, nil
}

// UpdateDescriptor upserts a tenant's descriptor without touching its
// enabled set.
func (m *Manager) UpdateDescriptor(ctx context.Context, td types.TenantDescriptor) error {
	if !tenantIDPattern.MatchString(td.ID) {
		return errs.User("invalid tenant id %q", td.ID)
	}
	if err := m.store.UpdateDescriptor(td); err != nil {
		return errs.Internal(err)
	}
	t, ok, err := m.tenants.Get(td.ID)
	if err != nil {
		return err
	}
	if !ok {
		t = types.NewTenant(td)
		metrics.TenantsTotal.Inc()
	} else {
		t.Descriptor = td
	}
	return m.tenants.Put(td.ID, t)
}

// GetTenant returns the tenant or NOT_FOUND.
func (m *Manager) GetTenant(id string) (*types.Tenant, error) {
	return m.tenants.GetNotFound(id)
}

// ListTenants returns all tenants sorted by ID.
func (m *Manager) ListTenants() ([]*types.Tenant, error) {
	keys, err := m.tenants.Keys()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	out := make([]*types.Tenant, 0, len(keys))
	for _, id := range keys {
		t, ok, err := m.tenants.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// DeleteTenant removes the tenant, its install jobs and its timers.
// Enabled modules are not hook-disabled; pass through DisableModules
// first when module cleanup is wanted.
func (m *Manager) DeleteTenant(ctx context.Context, id string) error {
	if _, err := m.tenants.GetNotFound(id); err != nil {
		return err
	}
	jobs, err := m.jobs.List(id)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if _, err := m.jobs.jobs.Remove(id, job.ID); err != nil {
			return err
		}
	}
	if _, err := m.store.DeleteTenant(id); err != nil {
		return errs.Internal(err)
	}
	if err := m.tenants.RemoveNotFound(id); err != nil {
		return err
	}
	m.cache.Evict(id)
	metrics.TenantsTotal.Dec()
	m.broker.Publish(&events.Event{Type: events.EventTenantDeleted, TenantID: id})
	m.broker.Publish(&events.Event{Type: events.EventTimerReload, TenantID: id})
	log.WithTenantID(id).Info().Msg("tenant deleted")
	return nil
}

// ListModules returns the tenant's enabled module IDs, sorted.
func (m *Manager) ListModules(tenantID string) ([]string, error) {
	t, err := m.tenants.GetNotFound(tenantID)
	if err != nil {
		return nil, err
	}
	return t.ListModules(), nil
}

// GetModuleUser returns the IDs of tenants that have the module
// enabled, sorted. An empty result means the module is unreferenced
// and safe to undeploy or delete.
func (m *Manager) GetModuleUser(moduleID string) ([]string, error) {
	tenants, err := m.ListTenants()
	if err != nil {
		return nil, err
	}
	var users []string
	for _, t := range tenants {
		if t.IsEnabled(moduleID) {
			users = append(users, t.ID())
		}
	}
	return users, nil
}

// ListInterfaces returns the interfaces provided by the tenant's
// enabled modules, optionally restricted to an interface type. With
// full, every declaration is returned as-is; without, each interface
// ID appears once, trimmed to its ID and version.
func (m *Manager) ListInterfaces(tenantID string, full bool, interfaceType types.InterfaceType) ([]*types.InterfaceDescriptor, error) {
	t, err := m.tenants.GetNotFound(tenantID)
	if err != nil {
		return nil, err
	}
	set, err := m.cache.EnabledModules(t)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []*types.InterfaceDescriptor
	for _, id := range sortedIDs(set) {
		for _, p := range set[id].Provides {
			if interfaceType != "" && !p.IsType(interfaceType) {
				continue
			}
			if full {
				out = append(out, p)
				continue
			}
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, &types.InterfaceDescriptor{ID: p.ID, Version: p.Version})
		}
	}
	return out, nil
}

// ListModulesFromInterface returns the IDs of enabled modules
// providing the interface, optionally restricted to an interface
// type.
func (m *Manager) ListModulesFromInterface(tenantID, interfaceID string, interfaceType types.InterfaceType) ([]string, error) {
	t, err := m.tenants.GetNotFound(tenantID)
	if err != nil {
		return nil, err
	}
	set, err := m.cache.EnabledModules(t)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range sortedIDs(set) {
		for _, p := range set[id].Provides {
			if p.ID != interfaceID {
				continue
			}
			if interfaceType != "" && !p.IsType(interfaceType) {
				continue
			}
			out = append(out, id)
			break
		}
	}
	return out, nil
}

// EnableAndDisableModule performs one module change for the tenant:
// enable (moduleFrom empty), disable (moduleTo empty) or upgrade.
// Returns the ID of the module now enabled, empty for a disable.
func (m *Manager) EnableAndDisableModule(ctx context.Context, tenantID, moduleFrom, moduleTo string, opts *types.InstallOptions) (string, error) {
	if opts == nil {
		opts = types.DefaultInstallOptions()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.tenants.GetNotFound(tenantID)
	if err != nil {
		return "", err
	}

	var mdFrom, mdTo *types.ModuleDescriptor
	if moduleFrom != "" {
		enabledID := enabledVersionOf(t, moduleFrom)
		if enabledID == "" {
			return "", errs.NotFound("%s", moduleFrom)
		}
		mdFrom, err = m.modules.Get(enabledID)
		if err != nil {
			return "", err
		}
	}
	if moduleTo != "" {
		mdTo, err = m.modules.GetLatest(moduleTo)
		if err != nil {
			return "", err
		}
	}
	if mdFrom == nil && mdTo == nil {
		// Nothing to change.
		return "", nil
	}

	if err := m.enableAndDisableCheck(t, mdFrom, mdTo, opts); err != nil {
		return "", err
	}
	if err := m.enableAndDisableResolved(ctx, t, mdFrom, mdTo, opts); err != nil {
		return "", err
	}
	if mdTo == nil {
		return "", nil
	}
	return mdTo.ID, nil
}

// DisableModules hook-disables every enabled module of the tenant,
// dependants before the providers they require.
func (m *Manager) DisableModules(ctx context.Context, tenantID string, opts *types.InstallOptions) error {
	if opts == nil {
		opts = types.DefaultInstallOptions()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.tenants.GetNotFound(tenantID)
	if err != nil {
		return err
	}
	enabled, err := m.cache.EnabledModules(t)
	if err != nil {
		return err
	}

	items := make([]*types.TenantModuleDescriptor, 0, len(enabled))
	for _, id := range sortedIDs(enabled) {
		items = append(items, &types.TenantModuleDescriptor{ID: id, Action: types.ActionDisable})
	}
	plan, err := depresolve.InstallSimulate(enabled, enabled, items)
	if err != nil {
		return err
	}
	for _, it := range plan {
		if it.Action != types.ActionDisable {
			continue
		}
		mdFrom, err := m.modules.Get(it.ID)
		if err != nil {
			// Unresolvable module: nothing to hook, still drop it.
			if err := m.commitModuleChange(ctx, t, it.ID, ""); err != nil {
				return err
			}
			continue
		}
		if err := m.enableAndDisableResolved(ctx, t, mdFrom, nil, opts); err != nil {
			return err
		}
	}
	return nil
}

// UpgradeOkapiModule reconciles the internal gateway module for every
// tenant that has one enabled: upgrades where the running version is
// newer and leaves newer installations alone with a warning. Tenants
// without the internal module are skipped.
func (m *Manager) UpgradeOkapiModule(ctx context.Context, internal *types.ModuleDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenants, err := m.ListTenants()
	if err != nil {
		return err
	}
	for _, t := range tenants {
		cur := enabledVersionOf(t, internal.ID)
		switch {
		case cur == "":
			// The tenant never had the internal module.
		case cur == internal.ID:
			// Up to date.
		case moduleid.Compare(internal.ID, cur) > 0:
			if permsMod := m.permissionsModule(t); permsMod != nil {
				if err := m.hooks.invokePermissions(ctx, t.ID(), permsMod, internal, m.expandForEnabled(t, permsMod)); err != nil {
					return err
				}
			}
			if err := m.commitModuleChange(ctx, t, cur, internal.ID); err != nil {
				return err
			}
			log.WithTenantID(t.ID()).Info().
				Str("from", cur).Str("to", internal.ID).Msg("internal module upgraded")
		default:
			log.WithTenantID(t.ID()).Warn().
				Str("enabled", cur).Str("running", internal.ID).
				Msg("tenant has a newer internal module than this instance")
		}
	}
	return nil
}

// StartTimers begins timer scheduling and event consumption.
func (m *Manager) StartTimers(ctx context.Context) error {
	return m.timers.Start(ctx)
}

// StopTimers cancels all armed timers and the event loop.
func (m *Manager) StopTimers() {
	m.timers.Stop()
}

// enableAndDisableCheck validates a change before any hook runs.
func (m *Manager) enableAndDisableCheck(t *types.Tenant, mdFrom, mdTo *types.ModuleDescriptor, opts *types.InstallOptions) error {
	if mdTo != nil && t.IsEnabled(mdTo.ID) {
		return errs.User("module %s already provided", mdTo.ID)
	}
	if !opts.DepCheck {
		return nil
	}

	enabled, err := m.cache.EnabledModules(t)
	if err != nil {
		return err
	}
	ws := make(map[string]*types.ModuleDescriptor, len(enabled)+1)
	for id, md := range enabled {
		ws[id] = md
	}
	if mdFrom != nil {
		delete(ws, mdFrom.ID)
	}
	if mdTo != nil {
		ws[mdTo.ID] = mdTo
	}
	if err := depresolve.CheckAllDependencies(ws); err != nil {
		return err
	}
	return depresolve.CheckAllConflicts(ws)
}

// enableAndDisableResolved drives one validated change through the
// hook protocol and commits it. Order matters: the permissions module
// learns about the new module before the module initializes, and the
// change only commits after every hook succeeded.
func (m *Manager) enableAndDisableResolved(ctx context.Context, t *types.Tenant, mdFrom, mdTo *types.ModuleDescriptor, opts *types.InstallOptions) error {
	tenantID := t.ID()

	// Announce the incoming module's permissions through the already
	// enabled permissions module. When the incoming module is itself
	// the permissions module, its bootstrap below covers it.
	if opts.Invoke && mdTo != nil && mdTo.SystemInterface(permissionsInterface) == nil {
		if permsMod := m.permissionsModule(t); permsMod != nil {
			if err := m.hooks.invokePermissions(ctx, tenantID, permsMod, mdTo, m.expandForEnabled(t, permsMod)); err != nil {
				return err
			}
		}
	}

	if opts.Invoke {
		if err := m.hooks.invokeTenantHook(ctx, tenantID, mdFrom, mdTo, opts.Purge, opts.TenantParameters); err != nil {
			return err
		}
	}

	// A freshly enabled permissions module starts empty; replay the
	// permission sets of everything already enabled, then its own.
	if opts.Invoke && mdTo != nil && mdTo.SystemInterface(permissionsInterface) != nil {
		expand := expandsPermissions(mdTo)
		enabled, err := m.cache.EnabledModules(t)
		if err != nil {
			return err
		}
		for _, id := range sortedIDs(enabled) {
			if mdFrom != nil && id == mdFrom.ID {
				continue
			}
			if err := m.hooks.invokePermissions(ctx, tenantID, mdTo, enabled[id], expand); err != nil {
				return err
			}
		}
		if err := m.hooks.invokePermissions(ctx, tenantID, mdTo, mdTo, expand); err != nil {
			return err
		}
	}

	fromID, toID := "", ""
	if mdFrom != nil {
		fromID = mdFrom.ID
	}
	if mdTo != nil {
		toID = mdTo.ID
	}
	return m.commitModuleChange(ctx, t, fromID, toID)
}

// commitModuleChange makes the change durable and visible: store
// first, replicated map second, timer reload event last.
func (m *Manager) commitModuleChange(ctx context.Context, t *types.Tenant, fromID, toID string) error {
	if fromID != "" {
		t.DisableModule(fromID)
	}
	if toID != "" {
		t.EnableModule(toID)
	}
	found, err := m.store.UpdateModules(t.ID(), t.Enabled)
	if err != nil {
		return errs.Internal(err)
	}
	if !found {
		return errs.NotFound("%s", t.ID())
	}
	if err := m.tenants.Put(t.ID(), t); err != nil {
		return err
	}
	m.cache.Evict(t.ID())

	evType := events.EventModuleEnabled
	if toID == "" {
		evType = events.EventModuleDisabled
	}
	m.broker.Publish(&events.Event{Type: evType, TenantID: t.ID(),
		Metadata: map[string]string{"from": fromID, "to": toID}})
	m.broker.Publish(&events.Event{Type: events.EventTimerReload, TenantID: t.ID()})
	log.WithTenantID(t.ID()).Info().Str("from", fromID).Str("to", toID).Msg("module change committed")
	return nil
}

// expandForEnabled maps the tenant's cached permission-expansion state
// to the announcement format, going by the target module's own
// interface version while no permissions module is cached yet.
func (m *Manager) expandForEnabled(t *types.Tenant, permsMod *types.ModuleDescriptor) bool {
	switch m.cache.PermExpansion(t) {
	case permExpandFull:
		return true
	case permExpandNone:
		return false
	}
	return expandsPermissions(permsMod)
}

// expandsPermissions reports whether the module's permissions
// interface accepts expanded permission sets.
func expandsPermissions(md *types.ModuleDescriptor) bool {
	iface := md.SystemInterface(permissionsInterface)
	return iface != nil && minorAtLeast(iface, 1)
}

// permissionsModule returns the tenant's enabled module providing the
// permissions interface, nil when none is enabled.
func (m *Manager) permissionsModule(t *types.Tenant) *types.ModuleDescriptor {
	set, err := m.cache.EnabledModules(t)
	if err != nil {
		return nil
	}
	for _, id := range sortedIDs(set) {
		if set[id].SystemInterface(permissionsInterface) != nil {
			return set[id]
		}
	}
	return nil
}

// enabledVersionOf returns the enabled module ID sharing the
// reference's product name, empty when none is.
func enabledVersionOf(t *types.Tenant, ref string) string {
	if t.IsEnabled(ref) {
		return ref
	}
	for _, id := range t.ListModules() {
		if moduleid.SameName(id, ref) {
			return id
		}
	}
	return ""
}

func sortedIDs(set map[string]*types.ModuleDescriptor) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
