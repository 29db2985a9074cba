// Package moduleid parses and compares module identifiers of the form
// name-semver, e.g. "mod-users-1.0.0" or "folio_sample-1.2.0-alpha.1".
// The version starts at the first hyphen followed by a digit; an ID
// without a version part names a module product as a whole.
package moduleid

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/islam56naser/okapi-1/pkg/errs"
)

// ModuleID is a parsed module identifier.
type ModuleID struct {
	id      string
	name    string
	version *semver.Version
}

// Parse splits a module ID into product name and semantic version.
// IDs without a version part parse to a name-only ID.
func Parse(id string) (*ModuleID, error) {
	name := id
	var version *semver.Version
	if i := versionOffset(id); i >= 0 {
		v, err := semver.NewVersion(id[i+1:])
		if err != nil {
			return nil, errs.User("invalid module id %q: %v", id, err)
		}
		name = id[:i]
		version = v
	}
	return &ModuleID{id: id, name: name, version: version}, nil
}

// versionOffset returns the index of the hyphen separating name from
// version, or -1 when the ID carries no version.
func versionOffset(id string) int {
	for i := 0; i+1 < len(id); i++ {
		if id[i] == '-' && id[i+1] >= '0' && id[i+1] <= '9' {
			return i
		}
	}
	return -1
}

// String returns the full module ID.
func (m *ModuleID) String() string {
	return m.id
}

// Name returns the product name part.
func (m *ModuleID) Name() string {
	return m.name
}

// HasVersion reports whether the ID carries a version.
func (m *ModuleID) HasVersion() bool {
	return m.version != nil
}

// Version returns the parsed version, nil for name-only IDs.
func (m *ModuleID) Version() *semver.Version {
	return m.version
}

// HasPreRelease reports whether the version has a non-numeric
// pre-release tag.
func (m *ModuleID) HasPreRelease() bool {
	return m.version != nil && m.version.Prerelease() != "" && !m.HasNpmSnapshot()
}

// HasNpmSnapshot reports whether the version has an all-numeric
// pre-release tag, the convention for npm snapshot builds.
func (m *ModuleID) HasNpmSnapshot() bool {
	if m.version == nil {
		return false
	}
	pre := m.version.Prerelease()
	if pre == "" {
		return false
	}
	for _, c := range pre {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Compare is a total order over module IDs: product name first, then
// semantic version. A name-only ID sorts before any versioned ID of
// the same product. Unparseable IDs compare as plain strings.
func Compare(a, b string) int {
	ma, errA := Parse(a)
	mb, errB := Parse(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	if c := strings.Compare(ma.name, mb.name); c != 0 {
		return sign(c)
	}
	switch {
	case ma.version == nil && mb.version == nil:
		return 0
	case ma.version == nil:
		return -1
	case mb.version == nil:
		return 1
	}
	return sign(ma.version.Compare(mb.version))
}

// DifferenceCode compares two module IDs and encodes where they first
// differ: ±5 product name, ±4 major, ±3 minor, ±2 patch, ±1
// pre-release, 0 equal. Positive means a is newer (or sorts later).
// A code of 4 or more therefore means a is newer in a leading version
// part.
func DifferenceCode(a, b string) int {
	ma, errA := Parse(a)
	mb, errB := Parse(b)
	if errA != nil || errB != nil {
		return 5 * sign(strings.Compare(a, b))
	}
	if c := strings.Compare(ma.name, mb.name); c != 0 {
		return 5 * sign(c)
	}
	va, vb := ma.version, mb.version
	switch {
	case va == nil && vb == nil:
		return 0
	case va == nil:
		return -4
	case vb == nil:
		return 4
	}
	if va.Major() != vb.Major() {
		return 4 * cmpUint(va.Major(), vb.Major())
	}
	if va.Minor() != vb.Minor() {
		return 3 * cmpUint(va.Minor(), vb.Minor())
	}
	if va.Patch() != vb.Patch() {
		return 2 * cmpUint(va.Patch(), vb.Patch())
	}
	if c := va.Compare(vb); c != 0 {
		return sign(c)
	}
	return 0
}

// SameName reports whether two IDs belong to the same product.
func SameName(a, b string) bool {
	ma, errA := Parse(a)
	mb, errB := Parse(b)
	return errA == nil && errB == nil && ma.name == mb.name
}

// Latest returns the newest candidate with the same product name as
// ref, breaking version ties by the full ID string. Returns ref when
// no candidate matches, so an already-latest ID maps to itself.
func Latest(ref string, candidates []string) string {
	mref, err := Parse(ref)
	if err != nil {
		return ref
	}
	best := ""
	for _, cand := range candidates {
		mc, err := Parse(cand)
		if err != nil || mc.name != mref.name || mc.version == nil {
			continue
		}
		if best == "" || newer(cand, best) {
			best = cand
		}
	}
	if best == "" {
		return ref
	}
	return best
}

// newer reports whether a should replace b as the latest pick:
// greater version, full ID string as tiebreak.
func newer(a, b string) bool {
	if c := Compare(a, b); c != 0 {
		return c > 0
	}
	return a > b
}

func sign(c int) int {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	}
	return 0
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
