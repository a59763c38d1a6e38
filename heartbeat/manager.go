// Package heartbeat folds agent heartbeats into resource records.
package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/envpool/broker/state"
	"github.com/envpool/broker/storage"
	"github.com/envpool/broker/types"
	"github.com/envpool/broker/wal"
)

// heartbeatThrottle bounds summary writes for healthy resources. Agents
// beat every minute; a ready record only needs the latest one.
const heartbeatThrottle = 60 * time.Second

// Manager persists heartbeat telemetry and promotes resources to ready on
// their first sign of life.
type Manager struct {
	store   *storage.Store
	state   *state.Manager
	journal *wal.WAL
	logger  zerolog.Logger
}

// NewManager wires the heartbeat manager.
func NewManager(store *storage.Store, stateManager *state.Manager, journal *wal.WAL, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   store,
		state:   stateManager,
		journal: journal,
		logger:  logger.With().Str("component", "heartbeat").Logger(),
	}
}

// SaveHeartBeat folds one heartbeat into its resource record. The first
// heartbeat of a not-yet-ready resource marks it ready; heartbeats for
// ready resources are throttled to one summary write per minute.
func (m *Manager) SaveHeartBeat(ctx context.Context, hb *types.HeartBeat) (*types.ResourceRecord, error) {
	if hb == nil {
		return nil, errors.New("heartbeat is nil")
	}

	record, err := m.store.Get(ctx, hb.ResourceID)
	if err != nil {
		return nil, err
	}

	if record.IsReady && record.HeartBeatSummary != nil &&
		hb.TimeStamp.Sub(record.HeartBeatSummary.LastSeen) < heartbeatThrottle {
		m.logger.Debug().Ctx(ctx).
			Str("resource_id", record.ID).
			Msg("heartbeat throttled")
		return record, nil
	}

	// The merge runs inside the mutate so a conflict retry folds into the
	// concurrent writer's summary instead of overwriting it.
	updated, err := m.store.UpdateWithRetry(ctx, record, func(r *types.ResourceRecord) error {
		summary := r.HeartBeatSummary
		if summary == nil {
			summary = &types.HeartBeatSummary{}
		}
		summary.MergedHeartBeat = MergeCollectedData(summary.MergedHeartBeat, hb)
		summary.LatestRawHeartBeat = rawRecord(hb)
		summary.LastSeen = hb.TimeStamp
		r.HeartBeatSummary = summary
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = m.journal.Append(wal.EntryHeartbeat, updated.ID, map[string]string{
		"agent_version": hb.AgentVersion,
	})

	if !updated.IsReady {
		return m.state.MarkResourceReady(ctx, updated, "HeartbeatReceived")
	}
	if err := m.propagateDiskSummary(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// propagateDiskSummary mirrors readiness and the latest summary onto the
// resource's OS-disk record. The disk write is independent of the compute
// record write; a missing disk record is not an error.
func (m *Manager) propagateDiskSummary(ctx context.Context, record *types.ResourceRecord) error {
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

// MergeCollectedData folds a heartbeat into the running merged record:
// the incoming value for a name replaces the stored one, names absent from
// the heartbeat are retained, and nil items are dropped.
func MergeCollectedData(existing *types.HeartBeatRecord, hb *types.HeartBeat) *types.HeartBeatRecord {
	incoming := make(map[string]bool, len(hb.CollectedDataList))
	for _, item := range hb.CollectedDataList {
		if item != nil {
			incoming[item.Name] = true
		}
	}

	merged := &types.HeartBeatRecord{
		TimeStamp:    hb.TimeStamp,
		AgentVersion: hb.AgentVersion,
	}
	if existing != nil {
		if merged.AgentVersion == "" {
			merged.AgentVersion = existing.AgentVersion
		}
		for _, item := range existing.CollectedDataList {
			if item != nil && !incoming[item.Name] {
				merged.CollectedDataList = append(merged.CollectedDataList, item)
			}
		}
	}
	for _, item := range hb.CollectedDataList {
		if item != nil {
			merged.CollectedDataList = append(merged.CollectedDataList, item)
		}
	}
	return merged
}

func rawRecord(hb *types.HeartBeat) *types.HeartBeatRecord {
	items := make([]*types.CollectedData, 0, len(hb.CollectedDataList))
	for _, item := range hb.CollectedDataList {
		if item != nil {
			items = append(items, item)
		}
	}
	return &types.HeartBeatRecord{
		AgentVersion:      hb.AgentVersion,
		TimeStamp:         hb.TimeStamp,
		CollectedDataList: items,
	}
}
