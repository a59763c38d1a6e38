// Package lease gates one-time setup actions across concurrently starting
// broker instances. A lease is advisory: holders get a bounded claim and
// the guarded action must still be idempotent underneath.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var bucketLeases = []byte("leases")

// claim is the stored lease state.
type claim struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager hands out TTL-bounded leases keyed by container and name.
type Manager struct {
	db    *bbolt.DB
	owner string
}

// Open creates or opens the lease database under dir. Owner identifies
// this instance in contention checks.
func Open(dir, owner string) (*Manager, error) {
	db, err := bbolt.Open(filepath.Join(dir, "leases.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open lease store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLeases)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Manager{db: db, owner: owner}, nil
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Lease is a held claim. Release returns it before the TTL expires.
type Lease struct {
	manager   *Manager
	key       []byte
	expiresAt time.Time
}

// Obtain attempts to claim the lease for ttl. A nil lease (with nil error)
// means another live holder owns it and the caller must skip the guarded
// action. Expired claims are reclaimed.
func (m *Manager) Obtain(ctx context.Context, container, name string, ttl time.Duration) (*Lease, error) {
	key := []byte(container + "/" + name)
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	obtained := false
	err := m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLeases)
		if data := bucket.Get(key); data != nil {
			var existing claim
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.Owner != m.owner && existing.ExpiresAt.After(now) {
				return nil
			}
		}
		data, err := json.Marshal(claim{Owner: m.owner, ExpiresAt: expiresAt})
		if err != nil {
			return err
		}
		if err := bucket.Put(key, data); err != nil {
			return err
		}
		obtained = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !obtained {
		return nil, nil
	}
	return &Lease{manager: m, key: key, expiresAt: expiresAt}, nil
}

// Release returns the lease. Releasing after expiry is a no-op.
func (l *Lease) Release() error {
	return l.manager.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLeases)
		data := bucket.Get(l.key)
		if data == nil {
			return nil
		}
		var existing claim
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if existing.Owner != l.manager.owner {
			return nil
		}
		return bucket.Delete(l.key)
	})
}
