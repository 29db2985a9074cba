package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/islam56naser/okapi-1/pkg/errs"
	"github.com/islam56naser/okapi-1/pkg/log"
	"github.com/islam56naser/okapi-1/pkg/proxy"
	"github.com/islam56naser/okapi-1/pkg/types"
)

// System interface names modules implement to take part in the tenant
// lifecycle.
const (
	tenantInterface      = "_tenant"
	permissionsInterface = "_tenantPermissions"
	timerInterface       = "_timer"
)

const (
	legacyTenantPath  = "/_/tenant"
	tenantDisablePath = "/_/tenant/disable"
)

// hookInvoker resolves and performs the system-interface calls a
// module change requires.
type hookInvoker struct {
	prx proxy.Proxy
}

// tenantBody is the payload of a _tenant hook call.
type tenantBody struct {
	ModuleTo   string                  `json:"module_to,omitempty"`
	ModuleFrom string                  `json:"module_from,omitempty"`
	Parameters []types.TenantParameter `json:"parameters,omitempty"`
}

// invokeTenantHook performs the module's _tenant call for an enable,
// upgrade, disable or purge. A module without the interface is
// skipped: not every module keeps per-tenant state.
func (h *hookInvoker) invokeTenantHook(ctx context.Context, tenantID string,
	mdFrom, mdTo *types.ModuleDescriptor, purge bool, tenantParameters string) error {

	target := mdTo
	if target == nil {
		target = mdFrom
	}
	iface := target.SystemInterface(tenantInterface)
	if iface == nil {
		return nil
	}

	major, minor, err := tenantInterfaceVersion(iface)
	if err != nil {
		return err
	}

	// A purge carries no body; the DELETE itself is the instruction.
	payload := ""
	if !purge {
		body := tenantBody{}
		if mdTo != nil {
			body.ModuleTo = mdTo.ID
		}
		if mdFrom != nil {
			body.ModuleFrom = mdFrom.ID
		}
		if major == 1 && minor >= 2 {
			body.Parameters = parseTenantParameters(tenantParameters)
		}
		data, err := json.Marshal(body)
		if err != nil {
			return errs.Internal(err)
		}
		payload = string(data)
	}

	inst, err := h.tenantHookInstance(target, iface, minor, mdTo, purge)
	if err != nil || inst == nil {
		return err
	}
	_, err = h.prx.CallSystemInterface(ctx, tenantID, inst, payload)
	return err
}

// tenantHookInstance picks the routing entry and method for the call,
// nil when this change needs no call.
func (h *hookInvoker) tenantHookInstance(md *types.ModuleDescriptor,
	iface *types.InterfaceDescriptor, minor int,
	mdTo *types.ModuleDescriptor, purge bool) (*types.ModuleInstance, error) {

	entries := iface.RoutingEntries()

	// Version 1.0 modules may declare no handlers at all; they get
	// the legacy fixed-path call, but only when enabling. Disable and
	// purge of an entry-less module invoke nothing.
	if minor == 0 && len(entries) == 0 {
		if mdTo == nil || purge {
			return nil, nil
		}
		re := &types.RoutingEntry{Methods: []string{http.MethodPost}, PathPattern: legacyTenantPath}
		return types.NewModuleInstance(md, re, legacyTenantPath, http.MethodPost).WithRetry(), nil
	}

	switch {
	case purge:
		if re := findEntry(entries, http.MethodDelete, ""); re != nil {
			return types.NewModuleInstance(md, re, re.StaticPath(), http.MethodDelete), nil
		}
		log.WithModuleID(md.ID).Warn().Msg("module has no purge handler")
		return nil, nil
	case mdTo == nil:
		// Disable path arrived in version 1.1.
		if minor < 1 {
			return nil, nil
		}
		if re := findEntry(entries, http.MethodPost, tenantDisablePath); re != nil {
			return types.NewModuleInstance(md, re, re.StaticPath(), http.MethodPost), nil
		}
		return nil, nil
	default:
		// Init delivery is retried: a transient failure here would
		// abort the whole enable.
		for _, re := range entries {
			if re.Match(http.MethodPost) && !strings.HasSuffix(re.StaticPath(), "/disable") {
				return types.NewModuleInstance(md, re, re.StaticPath(), http.MethodPost).WithRetry(), nil
			}
		}
		return nil, errs.User("module %s has no tenant init handler", md.ID)
	}
}

// invokePermissions announces one module's permission sets to the
// permissions module, expanded when the tenant's expansion state says
// so. Delivery is retried: a lost announcement would strand the
// module without its permissions defined.
func (h *hookInvoker) invokePermissions(ctx context.Context, tenantID string,
	permsMod, md *types.ModuleDescriptor, expand bool) error {

	iface := permsMod.SystemInterface(permissionsInterface)
	if iface == nil {
		return nil
	}
	re := findEntry(iface.RoutingEntries(), http.MethodPost, "")
	if re == nil {
		return errs.User("module %s has no permissions handler", permsMod.ID)
	}

	perms := md.PermissionSets
	if expand && md.ExpandedPermissionSets != nil {
		perms = md.ExpandedPermissionSets
	}
	payload, err := json.Marshal(types.PermissionList{ModuleID: md.ID, Perms: perms})
	if err != nil {
		return errs.Internal(err)
	}

	inst := types.NewModuleInstance(permsMod, re, re.StaticPath(), http.MethodPost).WithRetry()
	_, err = h.prx.CallSystemInterface(ctx, tenantID, inst, string(payload))
	return err
}

// findEntry returns the first entry accepting the method, optionally
// restricted to an exact path.
func findEntry(entries []*types.RoutingEntry, method, path string) *types.RoutingEntry {
	for _, re := range entries {
		if !re.Match(method) {
			continue
		}
		if path != "" && re.StaticPath() != path {
			continue
		}
		return re
	}
	return nil
}

// tenantInterfaceVersion parses the first declared version of the
// _tenant interface and rejects majors the gateway cannot drive.
func tenantInterfaceVersion(iface *types.InterfaceDescriptor) (major, minor int, err error) {
	fields := strings.Fields(iface.Version)
	if len(fields) == 0 {
		return 0, 0, errs.User("missing %s interface version", tenantInterface)
	}
	parts := strings.SplitN(fields[0], ".", 3)
	major, errA := strconv.Atoi(parts[0])
	if errA != nil {
		return 0, 0, errs.User("invalid %s interface version %q", tenantInterface, iface.Version)
	}
	if len(parts) > 1 {
		minor, errA = strconv.Atoi(parts[1])
		if errA != nil {
			return 0, 0, errs.User("invalid %s interface version %q", tenantInterface, iface.Version)
		}
	}
	if major != 1 || minor > 2 {
		return 0, 0, errs.User("unsupported %s interface version %s", tenantInterface, fields[0])
	}
	return major, minor, nil
}

func minorAtLeast(iface *types.InterfaceDescriptor, minor int) bool {
	for _, v := range strings.Fields(iface.Version) {
		parts := strings.SplitN(v, ".", 3)
		if len(parts) < 2 {
			continue
		}
		mj, err1 := strconv.Atoi(parts[0])
		mn, err2 := strconv.Atoi(parts[1])
		if err1 == nil && err2 == nil && mj == 1 && mn >= minor {
			return true
		}
	}
	return false
}

// parseTenantParameters splits "key=value,key2=value2" into hook
// parameters. Empty segments are dropped.
func parseTenantParameters(s string) []types.TenantParameter {
	if s == "" {
		return nil
	}
	var out []types.TenantParameter
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		p := types.TenantParameter{Key: kv[0]}
		if len(kv) > 1 {
			p.Value = kv[1]
		}
		out = append(out, p)
	}
	return out
}
