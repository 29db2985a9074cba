package depresolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/islam56naser/okapi-1/pkg/errs"
	"github.com/islam56naser/okapi-1/pkg/moduleid"
	"github.com/islam56naser/okapi-1/pkg/types"
)

// InstallSimulate expands requested items into a complete, ordered
// plan against the given working set.
//
//   - Unversioned enables resolve to the newest available version.
//   - Enabling over an older version records it in From.
//   - Enabling what is already enabled, or disabling what is not,
//     yields an uptodate item.
//   - Requirements nothing enabled provides are auto-enabled from the
//     newest available provider; unprovidable ones fail with one USER
//     error listing every missing dependency.
//   - An explicit enable that doubles up a proxy interface is marked
//     conflict and excluded from the resulting set.
//   - An upgrade that would strand the requirement of another enabled
//     module is marked conflict and the previous version kept.
//   - Disabling a provider cascades disable items for its dependants.
//
// Every item must carry an action; an empty one is a USER error.
// Items already marked uptodate or conflict pass through untouched,
// so re-simulating a finished plan is a no-op. The returned order is
// safe to execute front to back: disables first, dependants before
// their providers; enables with providers before dependants.
func InstallSimulate(available map[string]*types.ModuleDescriptor,
	enabled map[string]*types.ModuleDescriptor,
	items []*types.TenantModuleDescriptor) ([]*types.TenantModuleDescriptor, error) {

	ws := make(map[string]*types.ModuleDescriptor, len(enabled))
	for id, md := range enabled {
		ws[id] = md
	}

	var settled []*types.TenantModuleDescriptor
	var enables []*types.TenantModuleDescriptor
	var disables []*types.TenantModuleDescriptor
	// Products explicitly disabled must not sneak back in as
	// auto-enabled providers.
	blocked := make(map[string]bool)

	for _, it := range items {
		switch it.Action {
		case types.ActionUpToDate, types.ActionConflict:
			settled = append(settled, it)
			continue
		}

		out := it.CloneWithoutStage()

		switch out.Action {
		case types.ActionEnable:
			md, err := resolveAvailable(available, out.ID)
			if err != nil {
				return nil, err
			}
			out.ID = md.ID
			var prevMD *types.ModuleDescriptor
			if prev := sameNameIn(ws, md.ID); prev != "" {
				if prev == md.ID {
					out.Action = types.ActionUpToDate
					settled = append(settled, out)
					continue
				}
				out.From = prev
				prevMD = ws[prev]
				delete(ws, prev)
			}
			if c := conflictWith(md, ws); c != "" {
				out.Action = types.ActionConflict
				out.Message = c
				if prevMD != nil {
					ws[out.From] = prevMD
				}
				settled = append(settled, out)
				continue
			}
			ws[md.ID] = md
			enables = append(enables, out)

		case types.ActionDisable:
			prev := sameNameIn(ws, out.ID)
			if prev == "" {
				out.Action = types.ActionUpToDate
				settled = append(settled, out)
				continue
			}
			out.ID = prev
			delete(ws, prev)
			blockName(blocked, prev)
			disables = append(disables, out)

		default:
			return nil, errs.User("invalid action %q for module %s", out.Action, out.ID)
		}
	}

	auto, cascades, err := closeOver(available, enabled, ws, enables, blocked)
	if err != nil {
		return nil, err
	}
	disables = append(disables, cascades...)

	// Enables demoted to conflict during closure leave the executable
	// set.
	active := make([]*types.TenantModuleDescriptor, 0, len(enables)+len(auto))
	for _, it := range enables {
		if it.Action == types.ActionConflict {
			settled = append(settled, it)
			continue
		}
		active = append(active, it)
	}
	active = append(active, auto...)

	plan := make([]*types.TenantModuleDescriptor, 0, len(settled)+len(disables)+len(active))
	plan = append(plan, settled...)
	plan = append(plan, orderDisables(disables, enabled)...)
	plan = append(plan, orderEnables(active, ws)...)
	return plan, nil
}

// upgradeBreaking returns the explicit enable whose replaced version
// was providing the requirement, nil when no upgrade is responsible.
func upgradeBreaking(explicit []*types.TenantModuleDescriptor,
	enabled map[string]*types.ModuleDescriptor, req *types.InterfaceReference) *types.TenantModuleDescriptor {
	for _, it := range explicit {
		if it.Action != types.ActionEnable || it.From == "" {
			continue
		}
		prev, ok := enabled[it.From]
		if !ok {
			continue
		}
		for _, p := range prev.Provides {
			if p.Satisfies(req) {
				return it
			}
		}
	}
	return nil
}

// closeOver repeatedly fills unsatisfied requirements in ws: from the
// newest available provider when one exists, by demoting the upgrade
// that took the provider away to a conflict, by cascading a disable
// when the provider was explicitly disabled, and by failing when none
// applies.
func closeOver(available, enabled, ws map[string]*types.ModuleDescriptor,
	explicit []*types.TenantModuleDescriptor, blocked map[string]bool) (auto, cascades []*types.TenantModuleDescriptor, err error) {

	requested := make(map[string]bool, len(explicit))
	for _, it := range explicit {
		requested[it.ID] = true
	}

	// One module enters or leaves ws per pass, so passes are bounded.
	for limit := len(available) + len(ws) + 1; limit > 0; limit-- {
		progressed := false

		for _, id := range sortedIDs(ws) {
			for _, req := range ws[id].Requires {
				if ProviderOf(ws, req) != "" {
					continue
				}
				if cand := bestProvider(available, ws, blocked, req); cand != nil {
					ws[cand.ID] = cand
					auto = append(auto, &types.TenantModuleDescriptor{
						ID:     cand.ID,
						Action: types.ActionEnable,
					})
					progressed = true
					break
				}
				if it := upgradeBreaking(explicit, enabled, req); it != nil {
					// A requested upgrade strands this module: refuse
					// the upgrade, keep the set as it was.
					it.Action = types.ActionConflict
					it.Message = fmt.Sprintf("would break %s: missing dependency for %s %s", id, req.ID, req.Version)
					delete(ws, it.ID)
					if prev, ok := enabled[it.From]; ok {
						ws[it.From] = prev
					}
					progressed = true
					break
				}
				if _, was := enabled[id]; was && !requested[id] {
					// The provider was explicitly disabled; take the
					// dependant down with it.
					delete(ws, id)
					cascades = append(cascades, &types.TenantModuleDescriptor{
						ID:     id,
						Action: types.ActionDisable,
					})
					progressed = true
					break
				}
			}
			if progressed {
				break
			}
		}

		if progressed {
			continue
		}
		var missing []string
		for _, id := range sortedIDs(ws) {
			for _, m := range Unsatisfied(ws[id], ws) {
				missing = append(missing, fmt.Sprintf("%s: %s", id, m))
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, nil, errs.User("%s", strings.Join(missing, "; "))
		}
		return auto, cascades, nil
	}
	return nil, nil, errs.Internalf("dependency resolution did not converge")
}

// resolveAvailable finds the descriptor for an exact ID, or the
// newest version when the reference has none.
func resolveAvailable(available map[string]*types.ModuleDescriptor, id string) (*types.ModuleDescriptor, error) {
	m, err := moduleid.Parse(id)
	if err != nil {
		return nil, err
	}
	if m.HasVersion() {
		md, ok := available[id]
		if !ok {
			return nil, errs.NotFound("%s", id)
		}
		return md, nil
	}
	candidates := make([]string, 0, len(available))
	for aid := range available {
		candidates = append(candidates, aid)
	}
	best := moduleid.Latest(id, candidates)
	md, ok := available[best]
	if !ok {
		return nil, errs.NotFound("%s", id)
	}
	return md, nil
}

func blockName(blocked map[string]bool, id string) {
	if m, err := moduleid.Parse(id); err == nil {
		blocked[m.Name()] = true
	}
}

func isBlocked(blocked map[string]bool, id string) bool {
	m, err := moduleid.Parse(id)
	return err == nil && blocked[m.Name()]
}

// sameNameIn returns the ID in the set sharing the reference's
// product name, empty when absent.
func sameNameIn(set map[string]*types.ModuleDescriptor, ref string) string {
	for id := range set {
		if moduleid.SameName(id, ref) {
			return id
		}
	}
	return ""
}

// bestProvider picks the newest available module satisfying the
// requirement whose product is neither already represented in ws nor
// blocked by an explicit disable.
func bestProvider(available, ws map[string]*types.ModuleDescriptor, blocked map[string]bool, req *types.InterfaceReference) *types.ModuleDescriptor {
	var best string
	for id, md := range available {
		if sameNameIn(ws, id) != "" || isBlocked(blocked, id) {
			continue
		}
		satisfies := false
		for _, p := range md.Provides {
			if p.Satisfies(req) {
				satisfies = true
				break
			}
		}
		if !satisfies {
			continue
		}
		if best == "" || moduleid.Compare(id, best) > 0 || (moduleid.Compare(id, best) == 0 && id > best) {
			best = id
		}
	}
	if best == "" {
		return nil
	}
	return available[best]
}

// orderEnables arranges enable items so each module follows the
// providers of its requirements. Remaining cycles keep their input
// order.
func orderEnables(items []*types.TenantModuleDescriptor, ws map[string]*types.ModuleDescriptor) []*types.TenantModuleDescriptor {
	done := make(map[string]bool, len(ws))
	for id := range ws {
		done[id] = true
	}
	for _, it := range items {
		delete(done, it.ID)
	}

	out := make([]*types.TenantModuleDescriptor, 0, len(items))
	pending := append([]*types.TenantModuleDescriptor(nil), items...)
	for len(pending) > 0 {
		picked := -1
		for i, it := range pending {
			if requiresMet(ws[it.ID], ws, done) {
				picked = i
				break
			}
		}
		if picked < 0 {
			picked = 0
		}
		it := pending[picked]
		pending = append(pending[:picked], pending[picked+1:]...)
		done[it.ID] = true
		out = append(out, it)
	}
	return out
}

func requiresMet(md *types.ModuleDescriptor, ws map[string]*types.ModuleDescriptor, done map[string]bool) bool {
	if md == nil {
		return true
	}
	for _, req := range md.Requires {
		ok := false
		for id, cand := range ws {
			if !done[id] {
				continue
			}
			for _, p := range cand.Provides {
				if p.Satisfies(req) {
					ok = true
					break
				}
			}
			if ok {
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// orderDisables arranges disable items so dependants go down before
// the providers they require.
func orderDisables(items []*types.TenantModuleDescriptor, enabled map[string]*types.ModuleDescriptor) []*types.TenantModuleDescriptor {
	out := make([]*types.TenantModuleDescriptor, 0, len(items))
	remaining := make(map[string]*types.ModuleDescriptor, len(enabled))
	for id, md := range enabled {
		remaining[id] = md
	}
	pending := append([]*types.TenantModuleDescriptor(nil), items...)
	for len(pending) > 0 {
		picked := -1
		for i, it := range pending {
			if !requiredByPending(it.ID, pending, remaining, i) {
				picked = i
				break
			}
		}
		if picked < 0 {
			picked = 0
		}
		it := pending[picked]
		pending = append(pending[:picked], pending[picked+1:]...)
		delete(remaining, it.ID)
		out = append(out, it)
	}
	return out
}

// requiredByPending reports whether another pending disable target
// still requires an interface only this module provides.
func requiredByPending(id string, pending []*types.TenantModuleDescriptor,
	remaining map[string]*types.ModuleDescriptor, self int) bool {
	md := remaining[id]
	if md == nil {
		return false
	}
	for i, other := range pending {
		if i == self {
			continue
		}
		omd := remaining[other.ID]
		if omd == nil {
			continue
		}
		for _, req := range omd.Requires {
			for _, p := range md.Provides {
				if p.Satisfies(req) {
					return true
				}
			}
		}
	}
	return false
}
