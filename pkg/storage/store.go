// Package storage persists tenants. The store is the durable
// precondition for every lifecycle mutation: the replicated map is
// only updated after the store write succeeds.
package storage

import (
	"github.com/islam56naser/okapi-1/pkg/types"
)

// Store defines the interface for tenant persistence.
type Store interface {
	// ListTenants returns every persisted tenant.
	ListTenants() ([]*types.Tenant, error)

	// InsertTenant persists a new tenant.
	InsertTenant(t *types.Tenant) error

	// UpdateDescriptor upserts the tenant's descriptor, preserving
	// any persisted enabled set.
	UpdateDescriptor(td types.TenantDescriptor) error

	// UpdateModules replaces the tenant's enabled set, reporting
	// whether the tenant was found.
	UpdateModules(id string, enabled map[string]string) (bool, error)

	// DeleteTenant removes the tenant, reporting whether it was found.
	DeleteTenant(id string) (bool, error)

	// Close releases the store.
	Close() error
}
