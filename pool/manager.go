// Package pool hands out warm resources from the pre-provisioned pools.
package pool

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/envpool/broker/storage"
	"github.com/envpool/broker/types"
)

// errTaken aborts a reservation whose record was claimed concurrently.
var errTaken = errors.New("resource no longer available")

// Manager reserves ready resources out of a pool's warm supply.
type Manager struct {
	store  *storage.Store
	logger zerolog.Logger
}

// NewManager wires the pool manager.
func NewManager(store *storage.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "pool").Logger(),
	}
}

// TryGet reserves one ready unassigned resource from the pool, or returns
// nil when the pool has no warm supply. Reservation is a compare-and-swap
// on the record: losing a race moves on to the next candidate instead of
// overwriting the winner's claim.
func (m *Manager) TryGet(ctx context.Context, poolCode string) (*types.ResourceRecord, error) {
	for {
		candidate, err := m.store.ReadyUnassigned(ctx, poolCode)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil
		}

		reserved, err := m.store.UpdateWithRetry(ctx, candidate, func(r *types.ResourceRecord) error {
			if r.IsAssigned || r.IsDeleted || !r.IsReady {
				return errTaken
			}
			r.IsAssigned = true
			r.Assigned = time.Now().UTC()
			return nil
		})
		if errors.Is(err, errTaken) {
			m.logger.Debug().Ctx(ctx).
				Str("resource_id", candidate.ID).
				Str("pool_code", poolCode).
				Msg("lost reservation race, trying next candidate")
			continue
		}
		if err != nil {
			return nil, err
		}

		m.logger.Info().Ctx(ctx).
			Str("resource_id", reserved.ID).
			Str("pool_code", poolCode).
			Msg("reserved warm resource")
		return reserved, nil
	}
}
