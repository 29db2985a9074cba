package depresolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/islam56naser/okapi-1/pkg/errs"
	"github.com/islam56naser/okapi-1/pkg/types"
)

func mod(id string, provides []*types.InterfaceDescriptor, requires ...*types.InterfaceReference) *types.ModuleDescriptor {
	return &types.ModuleDescriptor{ID: id, Provides: provides, Requires: requires}
}

func iface(id, version string) *types.InterfaceDescriptor {
	return &types.InterfaceDescriptor{ID: id, Version: version}
}

func ref(id, version string) *types.InterfaceReference {
	return &types.InterfaceReference{ID: id, Version: version}
}

func asSet(mods ...*types.ModuleDescriptor) map[string]*types.ModuleDescriptor {
	set := make(map[string]*types.ModuleDescriptor, len(mods))
	for _, md := range mods {
		set[md.ID] = md
	}
	return set
}

// TestSatisfies tests interface version compatibility
func TestSatisfies(t *testing.T) {
	tests := []struct {
		name     string
		provided string
		required string
		want     bool
	}{
		{name: "exact", provided: "1.0", required: "1.0", want: true},
		{name: "newer minor", provided: "1.2", required: "1.0", want: true},
		{name: "older minor", provided: "1.0", required: "1.2", want: false},
		{name: "different major", provided: "2.0", required: "1.0", want: false},
		{name: "multiple versions", provided: "1.2 2.0", required: "2.0", want: true},
		{name: "multiple versions older", provided: "1.2 2.0", required: "1.0", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := iface("users", tt.provided)
			assert.Equal(t, tt.want, p.Satisfies(ref("users", tt.required)))
		})
	}
}

// TestCheckAllDependencies tests missing-dependency reporting
func TestCheckAllDependencies(t *testing.T) {
	users := mod("mod-users-1.0.0", []*types.InterfaceDescriptor{iface("users", "1.0")})
	circ := mod("mod-circulation-1.0.0", nil, ref("users", "1.0"))

	assert.NoError(t, CheckAllDependencies(asSet(users, circ)))

	err := CheckAllDependencies(asSet(circ))
	require.Error(t, err)
	assert.True(t, errs.IsUser(err))
	assert.Contains(t, err.Error(), "missing dependency for users 1.0")
	assert.Contains(t, err.Error(), "mod-circulation-1.0.0")
}

// TestCheckAllDependenciesVersionMismatch tests that an old provider
// does not satisfy a newer requirement
func TestCheckAllDependenciesVersionMismatch(t *testing.T) {
	users := mod("mod-users-1.0.0", []*types.InterfaceDescriptor{iface("users", "1.0")})
	circ := mod("mod-circulation-1.0.0", nil, ref("users", "1.2"))

	err := CheckAllDependencies(asSet(users, circ))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing dependency for users 1.2")
}

// TestCheckAllConflicts tests duplicate proxy interface detection
func TestCheckAllConflicts(t *testing.T) {
	a := mod("mod-a-1.0.0", []*types.InterfaceDescriptor{iface("users", "1.0")})
	b := mod("mod-b-1.0.0", []*types.InterfaceDescriptor{iface("users", "1.0")})

	err := CheckAllConflicts(asSet(a, b))
	require.Error(t, err)
	assert.True(t, errs.IsUser(err))
	assert.Contains(t, err.Error(), "users")

	// Two versions of the same product never conflict with each other.
	a2 := mod("mod-a-2.0.0", []*types.InterfaceDescriptor{iface("users", "2.0")})
	assert.NoError(t, CheckAllConflicts(asSet(a, a2)))

	// System interfaces may repeat.
	s1 := mod("mod-s1-1.0.0", []*types.InterfaceDescriptor{
		{ID: "_tenant", Version: "1.0", InterfaceType: types.InterfaceTypeSystem},
	})
	s2 := mod("mod-s2-1.0.0", []*types.InterfaceDescriptor{
		{ID: "_tenant", Version: "1.0", InterfaceType: types.InterfaceTypeSystem},
	})
	assert.NoError(t, CheckAllConflicts(asSet(s1, s2)))

	// Multiple-type interfaces may repeat too.
	m1 := mod("mod-m1-1.0.0", []*types.InterfaceDescriptor{
		{ID: "shared", Version: "1.0", InterfaceType: types.InterfaceTypeMultiple},
	})
	m2 := mod("mod-m2-1.0.0", []*types.InterfaceDescriptor{
		{ID: "shared", Version: "1.0", InterfaceType: types.InterfaceTypeMultiple},
	})
	assert.NoError(t, CheckAllConflicts(asSet(m1, m2)))
}

// TestUnsatisfiedOptional tests optional dependency handling
func TestUnsatisfiedOptional(t *testing.T) {
	users10 := mod("mod-users-1.0.0", []*types.InterfaceDescriptor{iface("users", "1.0")})
	consumer := &types.ModuleDescriptor{
		ID:       "mod-notes-1.0.0",
		Optional: []*types.InterfaceReference{ref("users", "2.0")},
	}

	// Absent optional provider is fine.
	assert.Empty(t, Unsatisfied(consumer, asSet(consumer)))

	// Present but incompatible optional provider is not.
	msgs := Unsatisfied(consumer, asSet(consumer, users10))
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "users 2.0")
}
