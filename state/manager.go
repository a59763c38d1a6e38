// Package state flips resource records through their lifecycle milestones.
package state

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/envpool/broker/request"
	"github.com/envpool/broker/storage"
	"github.com/envpool/broker/types"
)

// Manager marks resources ready and hands fresh supply to waiting requests.
type Manager struct {
	store    *storage.Store
	requests *request.Manager
	logger   zerolog.Logger
}

// NewManager wires the state manager.
func NewManager(store *storage.Store, requests *request.Manager, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		requests: requests,
		logger:   logger.With().Str("component", "state").Logger(),
	}
}

// MarkResourceReady records that the resource is serving-ready. An
// unassigned resource is first offered to the pool's queued requests; the
// attached OS-disk record, if any, is marked ready alongside. Marking an
// already ready record again is a no-op.
func (m *Manager) MarkResourceReady(ctx context.Context, record *types.ResourceRecord, reason string) (*types.ResourceRecord, error) {
	if !record.IsAssigned {
		assigned, err := m.requests.TryAssign(ctx, record)
		if err != nil {
			return nil, err
		}
		record = assigned
	}

	if err := m.markDiskReady(ctx, record); err != nil {
		return nil, err
	}

	if record.IsReady {
		return record, nil
	}

	updated, err := m.store.UpdateWithRetry(ctx, record, func(r *types.ResourceRecord) error {
		if r.IsReady {
			return nil
		}
		r.IsReady = true
		r.Ready = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().Ctx(ctx).
		Str("resource_id", updated.ID).
		Str("reason", reason).
		Msg("resource ready")
	return updated, nil
}

// markDiskReady persists readiness and the latest heartbeat summary on the
// resource's OS-disk record. The disk write is independent of the compute
// record write so a conflict on one cannot roll back the other.
func (m *Manager) markDiskReady(ctx context.Context, record *types.ResourceRecord) error {
	disk, ok := record.OSDiskComponent()
	if !ok || disk.ResourceRecordID == "" {
		return nil
	}

	_, err := m.store.MutateByID(ctx, disk.ResourceRecordID, func(r *types.ResourceRecord) error {
		if !r.IsReady {
			r.IsReady = true
			r.Ready = time.Now().UTC()
		}
		r.HeartBeatSummary = record.HeartBeatSummary
		return nil
	})
	if types.IsNotFound(err) {
		return nil
	}
	return err
}
