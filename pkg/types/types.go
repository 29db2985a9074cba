package types

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// TenantDescriptor carries the user-visible identity of a tenant.
type TenantDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Tenant is an isolated customer account identifying a set of enabled
// modules. Enabled maps module ID to the RFC 3339 time it was enabled.
type Tenant struct {
	Descriptor TenantDescriptor  `json:"descriptor"`
	Enabled    map[string]string `json:"enabled,omitempty"`
}

// NewTenant creates a tenant with an empty enabled set.
func NewTenant(td TenantDescriptor) *Tenant {
	return &Tenant{Descriptor: td, Enabled: make(map[string]string)}
}

// ID returns the tenant identifier.
func (t *Tenant) ID() string {
	return t.Descriptor.ID
}

// IsEnabled reports whether the module is enabled for the tenant.
func (t *Tenant) IsEnabled(moduleID string) bool {
	_, ok := t.Enabled[moduleID]
	return ok
}

// EnableModule records the module as enabled.
func (t *Tenant) EnableModule(moduleID string) {
	if t.Enabled == nil {
		t.Enabled = make(map[string]string)
	}
	t.Enabled[moduleID] = time.Now().UTC().Format(time.RFC3339)
}

// DisableModule removes the module from the enabled set.
func (t *Tenant) DisableModule(moduleID string) {
	delete(t.Enabled, moduleID)
}

// ListModules returns the enabled module IDs in sorted order. The
// order is the tenant's canonical iteration order; permission
// announcements and upgrades walk it.
func (t *Tenant) ListModules() []string {
	ids := make([]string, 0, len(t.Enabled))
	for id := range t.Enabled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InterfaceType classifies how an interface is reachable.
type InterfaceType string

const (
	InterfaceTypeProxy    InterfaceType = "proxy"
	InterfaceTypeSystem   InterfaceType = "system"
	InterfaceTypeMultiple InterfaceType = "multiple"
)

// InterfaceReference names a required or optional interface together
// with the minimum version expected from a provider.
type InterfaceReference struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// InterfaceDescriptor describes an interface a module provides.
// Version holds one or more space-separated major.minor versions.
type InterfaceDescriptor struct {
	ID            string          `json:"id"`
	Version       string          `json:"version"`
	InterfaceType InterfaceType   `json:"interfaceType,omitempty"`
	Handlers      []*RoutingEntry `json:"handlers,omitempty"`
}

// IsSystem reports whether the interface is platform-internal.
func (i *InterfaceDescriptor) IsSystem() bool {
	return i.InterfaceType == InterfaceTypeSystem
}

// IsType reports whether the interface has the given type. An empty
// interfaceType counts as proxy, matching the descriptor default.
func (i *InterfaceDescriptor) IsType(t InterfaceType) bool {
	it := i.InterfaceType
	if it == "" {
		it = InterfaceTypeProxy
	}
	return it == t
}

// RoutingEntries returns the interface's routing entries.
func (i *InterfaceDescriptor) RoutingEntries() []*RoutingEntry {
	return i.Handlers
}

// Satisfies reports whether this provided interface satisfies the
// given requirement: same interface ID and, for at least one of the
// provided versions, the same major and a minor no older than required.
func (i *InterfaceDescriptor) Satisfies(req *InterfaceReference) bool {
	if i.ID != req.ID {
		return false
	}
	wantMajor, wantMinor, ok := parseInterfaceVersion(req.Version)
	if !ok {
		return false
	}
	for _, v := range strings.Fields(i.Version) {
		major, minor, ok := parseInterfaceVersion(v)
		if ok && major == wantMajor && minor >= wantMinor {
			return true
		}
	}
	return false
}

func parseInterfaceVersion(s string) (major, minor int, ok bool) {
	parts := strings.SplitN(s, ".", 3)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	if len(parts) > 1 {
		minor, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, false
		}
	}
	return major, minor, true
}

// Permission is an opaque permission-set object. The lifecycle passes
// permission content through to the permissions module unvalidated.
type Permission map[string]any

// ModuleDescriptor describes a deployable module: what it provides,
// what it requires and the permissions it ships. Owned by the module
// registry; read-only to the lifecycle.
type ModuleDescriptor struct {
	ID                     string                 `json:"id"`
	Name                   string                 `json:"name,omitempty"`
	Provides               []*InterfaceDescriptor `json:"provides,omitempty"`
	Requires               []*InterfaceReference  `json:"requires,omitempty"`
	Optional               []*InterfaceReference  `json:"optional,omitempty"`
	PermissionSets         []Permission           `json:"permissionSets,omitempty"`
	ExpandedPermissionSets []Permission           `json:"expandedPermissionSets,omitempty"`
}

// SystemInterface returns the system interface with the given name, or
// nil when the module does not provide it.
func (m *ModuleDescriptor) SystemInterface(name string) *InterfaceDescriptor {
	for _, p := range m.Provides {
		if p.ID == name && p.IsSystem() {
			return p
		}
	}
	return nil
}

// TimeUnit scales a routing entry delay.
type TimeUnit string

const (
	UnitMillisecond TimeUnit = "millisecond"
	UnitSecond      TimeUnit = "second"
	UnitMinute      TimeUnit = "minute"
	UnitHour        TimeUnit = "hour"
	UnitDay         TimeUnit = "day"
)

// RoutingEntry describes one handler of an interface: the methods it
// accepts, its path, and (for timer entries) the firing period.
type RoutingEntry struct {
	Methods     []string `json:"methods,omitempty"`
	PathPattern string   `json:"pathPattern,omitempty"`
	Path        string   `json:"path,omitempty"`
	Delay       string   `json:"delay,omitempty"`
	Unit        TimeUnit `json:"unit,omitempty"`
}

// StaticPath returns the entry's path, preferring the pattern form.
func (r *RoutingEntry) StaticPath() string {
	if r.PathPattern != "" {
		return r.PathPattern
	}
	return r.Path
}

// Match reports whether the entry accepts the method. A "*" method
// entry accepts everything.
func (r *RoutingEntry) Match(method string) bool {
	for _, m := range r.Methods {
		if m == "*" || m == method {
			return true
		}
	}
	return false
}

// DefaultMethod returns the entry's single declared method, or the
// fallback when none or several are declared.
func (r *RoutingEntry) DefaultMethod(fallback string) string {
	if len(r.Methods) == 1 && r.Methods[0] != "*" {
		return r.Methods[0]
	}
	return fallback
}

// DelayMilliseconds returns the timer period in milliseconds, zero
// when the entry declares no delay.
func (r *RoutingEntry) DelayMilliseconds() int64 {
	if r.Delay == "" {
		return 0
	}
	n, err := strconv.ParseInt(r.Delay, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	switch r.Unit {
	case UnitSecond:
		return n * 1000
	case UnitMinute:
		return n * 60 * 1000
	case UnitHour:
		return n * 60 * 60 * 1000
	case UnitDay:
		return n * 24 * 60 * 60 * 1000
	default:
		return n
	}
}

// Action is the requested change for one plan item.
type Action string

const (
	ActionEnable   Action = "enable"
	ActionDisable  Action = "disable"
	ActionUpToDate Action = "uptodate"
	ActionConflict Action = "conflict"
)

// Stage is the install engine's progress marker for one plan item.
type Stage string

const (
	StagePending  Stage = "pending"
	StageDeploy   Stage = "deploy"
	StageInvoke   Stage = "invoke"
	StageUndeploy Stage = "undeploy"
	StageDone     Stage = "done"
)

// TenantModuleDescriptor is one item of an install plan: enable or
// disable a module, possibly replacing a previous version.
type TenantModuleDescriptor struct {
	ID      string `json:"id"`
	From    string `json:"from,omitempty"`
	Action  Action `json:"action,omitempty"`
	Stage   Stage  `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// CloneWithoutStage copies the item, dropping the engine's progress
// fields. Returned to callers who asked for the plan, not the job.
func (tm *TenantModuleDescriptor) CloneWithoutStage() *TenantModuleDescriptor {
	return &TenantModuleDescriptor{
		ID:      tm.ID,
		From:    tm.From,
		Action:  tm.Action,
		Message: tm.Message,
	}
}

// InstallJob is a durable record of a planned multi-module change.
type InstallJob struct {
	ID        string                    `json:"id"`
	StartDate string                    `json:"startDate,omitempty"`
	EndDate   string                    `json:"endDate,omitempty"`
	Complete  bool                      `json:"complete"`
	Modules   []*TenantModuleDescriptor `json:"modules,omitempty"`
}

// InstallOptions control a module change or install job.
type InstallOptions struct {
	Simulate         bool
	Async            bool
	Deploy           bool
	Invoke           bool
	Purge            bool
	DepCheck         bool
	IgnoreErrors     bool
	PreRelease       bool
	NpmSnapshot      bool
	TenantParameters string
}

// DefaultInstallOptions returns the options used when a caller passes
// none: invoke hooks, check dependencies, include pre-releases.
func DefaultInstallOptions() *InstallOptions {
	return &InstallOptions{
		Invoke:      true,
		DepCheck:    true,
		PreRelease:  true,
		NpmSnapshot: true,
	}
}

// TenantParameter is one key/value pair passed to a 1.2 tenant hook.
type TenantParameter struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// PermissionList is the body POSTed to the permissions module.
type PermissionList struct {
	ModuleID string       `json:"moduleId"`
	Perms    []Permission `json:"perms"`
}

// ModuleInstance aggregates everything needed for one system-interface
// call: the module, the routing entry chosen, and the concrete path
// and method.
type ModuleInstance struct {
	Module       *ModuleDescriptor
	RoutingEntry *RoutingEntry
	Path         string
	Method       string
	SystemCall   bool
	Retry        bool
}

// NewModuleInstance creates a system-call instance.
func NewModuleInstance(md *ModuleDescriptor, re *RoutingEntry, path, method string) *ModuleInstance {
	return &ModuleInstance{
		Module:       md,
		RoutingEntry: re,
		Path:         path,
		Method:       method,
		SystemCall:   true,
	}
}

// WithRetry marks the instance for retried delivery.
func (mi *ModuleInstance) WithRetry() *ModuleInstance {
	mi.Retry = true
	return mi
}
