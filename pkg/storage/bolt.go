package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/islam56naser/okapi-1/pkg/types"
)

var tenantsBucket = []byte("tenants")

// BoltStore persists tenants in a bbolt database, one JSON document
// per tenant keyed by tenant ID.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tenantsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %v", err)
	}

	return &BoltStore{db: db}, nil
}

// ListTenants implements Store.
func (s *BoltStore) ListTenants() ([]*types.Tenant, error) {
	var tenants []*types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tenantsBucket).ForEach(func(k, v []byte) error {
			var t types.Tenant
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("failed to unmarshal tenant %s: %v", string(k), err)
			}
			tenants = append(tenants, &t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

// InsertTenant implements Store.
func (s *BoltStore) InsertTenant(t *types.Tenant) error {
	return s.put(t)
}

// UpdateDescriptor implements Store. The persisted enabled set, if
// any, is carried over.
func (s *BoltStore) UpdateDescriptor(td types.TenantDescriptor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tenantsBucket)
		t := &types.Tenant{Descriptor: td}
		if v := b.Get([]byte(td.ID)); v != nil {
			var existing types.Tenant
			if err := json.Unmarshal(v, &existing); err != nil {
				return fmt.Errorf("failed to unmarshal tenant %s: %v", td.ID, err)
			}
			t.Enabled = existing.Enabled
		}
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal tenant: %v", err)
		}
		return b.Put([]byte(td.ID), data)
	})
}

// UpdateModules implements Store.
func (s *BoltStore) UpdateModules(id string, enabled map[string]string) (bool, error) {
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tenantsBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		var t types.Tenant
		if err := json.Unmarshal(v, &t); err != nil {
			return fmt.Errorf("failed to unmarshal tenant %s: %v", id, err)
		}
		t.Enabled = enabled
		data, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("failed to marshal tenant: %v", err)
		}
		return b.Put([]byte(id), data)
	})
	return found, err
}

// DeleteTenant implements Store.
func (s *BoltStore) DeleteTenant(id string) (bool, error) {
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tenantsBucket)
		if b.Get([]byte(id)) == nil {
			return nil
		}
		found = true
		return b.Delete([]byte(id))
	})
	return found, err
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(t *types.Tenant) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal tenant: %v", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tenantsBucket).Put([]byte(t.ID()), data)
	})
}

var _ Store = (*BoltStore)(nil)
