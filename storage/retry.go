package storage

import (
	"context"

	"github.com/envpool/broker/types"
)

// conflict retries are bounded; a record contended this hard means
// something is looping, not racing
const maxConflictRetries = 5

// UpdateWithRetry writes record after applying mutate. On a version
// conflict it re-fetches the same record, re-applies mutate to the fresh
// copy, and retries the write. The re-fetch-then-reapply order matters:
// writing the stale copy again would lose the concurrent update.
func (s *Store) UpdateWithRetry(ctx context.Context, record *types.ResourceRecord, mutate func(*types.ResourceRecord) error) (*types.ResourceRecord, error) {
	if err := mutate(record); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		updated, err := s.Update(ctx, record)
		if err == nil {
			return updated, nil
		}
		if !types.IsConflict(err) || attempt >= maxConflictRetries {
			return nil, err
		}

		record, err = s.Get(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		if err := mutate(record); err != nil {
			return nil, err
		}
	}
}

// MutateByID is UpdateWithRetry for callers that only hold the record id.
func (s *Store) MutateByID(ctx context.Context, id string, mutate func(*types.ResourceRecord) error) (*types.ResourceRecord, error) {
	record, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.UpdateWithRetry(ctx, record, mutate)
}
