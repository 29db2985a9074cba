// Package depresolve checks interface dependencies between module
// descriptors and turns a requested module change into a full install
// plan: implicit dependency enables, cascading disables, upgrade
// detection and conflict marking.
package depresolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/islam56naser/okapi-1/pkg/errs"
	"github.com/islam56naser/okapi-1/pkg/moduleid"
	"github.com/islam56naser/okapi-1/pkg/types"
)

// ProviderOf returns the ID of a module in the set satisfying the
// requirement, empty when none does.
func ProviderOf(set map[string]*types.ModuleDescriptor, req *types.InterfaceReference) string {
	for id, md := range set {
		for _, p := range md.Provides {
			if p.Satisfies(req) {
				return id
			}
		}
	}
	return ""
}

// Unsatisfied returns a message per requirement of md that no module
// in the set provides. Optional requirements only count when a module
// of the providing product is present at an incompatible version.
func Unsatisfied(md *types.ModuleDescriptor, set map[string]*types.ModuleDescriptor) []string {
	var msgs []string
	for _, req := range md.Requires {
		if ProviderOf(set, req) == "" {
			msgs = append(msgs, fmt.Sprintf("missing dependency for %s %s", req.ID, req.Version))
		}
	}
	for _, req := range md.Optional {
		if ProviderOf(set, req) != "" {
			continue
		}
		if providesInterface(set, req.ID) {
			msgs = append(msgs, fmt.Sprintf("incompatible version for optional dependency %s %s", req.ID, req.Version))
		}
	}
	return msgs
}

func providesInterface(set map[string]*types.ModuleDescriptor, ifaceID string) bool {
	for _, md := range set {
		for _, p := range md.Provides {
			if p.ID == ifaceID {
				return true
			}
		}
	}
	return false
}

// CheckAllDependencies verifies every module of the set has its
// required interfaces provided within the set. Failures are joined
// into one USER error, modules in sorted order.
func CheckAllDependencies(set map[string]*types.ModuleDescriptor) error {
	var msgs []string
	for _, id := range sortedIDs(set) {
		for _, m := range Unsatisfied(set[id], set) {
			msgs = append(msgs, fmt.Sprintf("%s: %s", id, m))
		}
	}
	if len(msgs) > 0 {
		return errs.User("%s", strings.Join(msgs, "; "))
	}
	return nil
}

// CheckAllConflicts verifies no proxy interface is provided by two
// different module products in the set. System and multiple-type
// interfaces may repeat.
func CheckAllConflicts(set map[string]*types.ModuleDescriptor) error {
	if c := findConflict(set); c != "" {
		return errs.User("%s", c)
	}
	return nil
}

func findConflict(set map[string]*types.ModuleDescriptor) string {
	providers := make(map[string]string)
	for _, id := range sortedIDs(set) {
		for _, p := range set[id].Provides {
			if !p.IsType(types.InterfaceTypeProxy) {
				continue
			}
			if other, ok := providers[p.ID]; ok && !moduleid.SameName(other, id) {
				return fmt.Sprintf("interface %s is provided by both %s and %s", p.ID, other, id)
			}
			providers[p.ID] = id
		}
	}
	return ""
}

// conflictWith reports whether adding md to the set would double up a
// proxy interface, naming the existing provider.
func conflictWith(md *types.ModuleDescriptor, set map[string]*types.ModuleDescriptor) string {
	for _, p := range md.Provides {
		if !p.IsType(types.InterfaceTypeProxy) {
			continue
		}
		for id, other := range set {
			if moduleid.SameName(id, md.ID) {
				continue
			}
			for _, op := range other.Provides {
				if op.IsType(types.InterfaceTypeProxy) && op.ID == p.ID {
					return fmt.Sprintf("interface %s already provided by %s", p.ID, id)
				}
			}
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
