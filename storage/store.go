package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/envpool/broker/types"
)

// Bucket names in bbolt
var (
	bucketRecords    = []byte("records")
	bucketPoolQueues = []byte("pool_queues")
)

// Store is the durable ResourceRecord repository: bbolt on disk plus an
// in-memory btree index keyed by pool code for warm-resource lookups.
// Every update is optimistic-concurrency checked against the record version.
type Store struct {
	mu    sync.RWMutex
	db    *bbolt.DB
	index *btree.BTreeG[*indexEntry]
}

// indexEntry tracks a record's pool membership and lifecycle flags.
type indexEntry struct {
	PoolCode string
	ID       string
	Type     types.ResourceType
	Ready    bool
	Assigned bool
	Deleted  bool
}

func entryLess(a, b *indexEntry) bool {
	if a.PoolCode != b.PoolCode {
		return a.PoolCode < b.PoolCode
	}
	return a.ID < b.ID
}

// Open creates or opens the record store under dir.
func Open(dir string) (*Store, error) {
	db, err := bbolt.Open(filepath.Join(dir, "records.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketPoolQueues} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:    db,
		index: btree.NewG[*indexEntry](32, entryLess),
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get loads one record by id.
func (s *Store) Get(ctx context.Context, id string) (*types.ResourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

func (s *Store) get(id string) (*types.ResourceRecord, error) {
	var record *types.ResourceRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(id))
		if data == nil {
			return types.NotFoundError(id)
		}
		record = &types.ResourceRecord{}
		return json.Unmarshal(data, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Create persists a new record. The record must not already exist.
func (s *Store) Create(ctx context.Context, record *types.ResourceRecord) (*types.ResourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.Version = 1

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket.Get([]byte(record.ID)) != nil {
			return fmt.Errorf("record %s already exists", record.ID)
		}
		if err := putRecord(bucket, record); err != nil {
			return err
		}
		if record.Type == types.ResourceTypePoolQueue && record.PoolReference != nil {
			return tx.Bucket(bucketPoolQueues).Put([]byte(record.PoolReference.Code), []byte(record.ID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.updateIndex(record)
	return record, nil
}

// Update persists a changed record. The caller's version must match the
// stored version or the write fails with types.ErrConflict.
func (s *Store) Update(ctx context.Context, record *types.ResourceRecord) (*types.ResourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		data := bucket.Get([]byte(record.ID))
		if data == nil {
			return types.NotFoundError(record.ID)
		}
		var stored types.ResourceRecord
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if stored.Version != record.Version {
			return fmt.Errorf("%w: record %s at version %d, caller has %d",
				types.ErrConflict, record.ID, stored.Version, record.Version)
		}
		record.Version++
		return putRecord(bucket, record)
	})
	if err != nil {
		return nil, err
	}

	s.updateIndex(record)
	return record, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var poolCode string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}
		var stored types.ResourceRecord
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		poolCode = stored.PoolCode()
		if stored.Type == types.ResourceTypePoolQueue && stored.PoolReference != nil {
			if err := tx.Bucket(bucketPoolQueues).Delete([]byte(stored.PoolReference.Code)); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return err
	}

	s.index.Delete(&indexEntry{PoolCode: poolCode, ID: id})
	return nil
}

// GetPoolQueueRecord loads the PoolQueue record persisted under a pool
// queue code, or nil when no record exists.
func (s *Store) GetPoolQueueRecord(ctx context.Context, poolQueueCode string) (*types.ResourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		id = tx.Bucket(bucketPoolQueues).Get([]byte(poolQueueCode))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, nil
	}
	return s.get(string(id))
}

// ReadyUnassigned returns one ready, unassigned, not-deleted record from the
// pool, or nil when the pool has no warm supply.
func (s *Store) ReadyUnassigned(ctx context.Context, poolCode string) (*types.ResourceRecord, error) {
	s.mu.RLock()

	var candidate string
	s.index.AscendGreaterOrEqual(&indexEntry{PoolCode: poolCode}, func(e *indexEntry) bool {
		if e.PoolCode != poolCode {
			return false
		}
		if e.Ready && !e.Assigned && !e.Deleted && e.Type != types.ResourceTypePoolQueue {
			candidate = e.ID
			return false
		}
		return true
	})
	s.mu.RUnlock()

	if candidate == "" {
		return nil, nil
	}
	return s.Get(ctx, candidate)
}

// PoolCounts summarizes a pool's records for the size watcher.
type PoolCounts struct {
	Total           int
	ReadyUnassigned int
	Unassigned      int
}

// CountPool tallies the pool's live records, excluding the queue record.
func (s *Store) CountPool(ctx context.Context, poolCode string) PoolCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts PoolCounts
	s.index.AscendGreaterOrEqual(&indexEntry{PoolCode: poolCode}, func(e *indexEntry) bool {
		if e.PoolCode != poolCode {
			return false
		}
		if e.Deleted || e.Type == types.ResourceTypePoolQueue {
			return true
		}
		counts.Total++
		if !e.Assigned {
			counts.Unassigned++
			if e.Ready {
				counts.ReadyUnassigned++
			}
		}
		return true
	})
	return counts
}

// List streams every record to fn until fn returns false.
func (s *Store) List(ctx context.Context, fn func(*types.ResourceRecord) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var record types.ResourceRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if !fn(&record) {
				return errStopIteration
			}
			return nil
		})
	})
	if err == errStopIteration {
		return nil
	}
	return err
}

var errStopIteration = fmt.Errorf("stop iteration")

func putRecord(bucket *bbolt.Bucket, record *types.ResourceRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(record.ID), data)
}

func (s *Store) updateIndex(record *types.ResourceRecord) {
	s.index.ReplaceOrInsert(&indexEntry{
		PoolCode: record.PoolCode(),
		ID:       record.ID,
		Type:     record.Type,
		Ready:    record.IsReady,
		Assigned: record.IsAssigned,
		Deleted:  record.IsDeleted,
	})
}

func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var record types.ResourceRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			s.updateIndex(&record)
			return nil
		})
	})
}
