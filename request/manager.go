package request

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/envpool/broker/config"
	"github.com/envpool/broker/queue"
	"github.com/envpool/broker/storage"
	"github.com/envpool/broker/types"
	"github.com/envpool/broker/wal"
)

// shadowRecordReason marks records that stand in for a queued request
// until a real resource is bound to them.
const shadowRecordReason = "shadow_record"

// requestMessage is the queue payload. The record id is the only routing
// state; everything else lives on the shadow record.
type requestMessage struct {
	RequestRecordID   string            `json:"request_record_id"`
	LoggingProperties map[string]string `json:"logging_properties,omitempty"`
}

// Manager queues allocation requests and binds newly ready resources to
// the oldest live request.
type Manager struct {
	store    *storage.Store
	provider *QueueProvider
	flags    config.SystemConfiguration
	journal  *wal.WAL
	logger   zerolog.Logger
}

// NewManager wires the request manager.
func NewManager(store *storage.Store, provider *QueueProvider, flags config.SystemConfiguration, journal *wal.WAL, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		provider: provider,
		flags:    flags,
		journal:  journal,
		logger:   logger.With().Str("component", "request").Logger(),
	}
}

// Enqueue parks an allocation request on the pool's queue, returning the
// shadow record the caller can poll. Returns nil when request queueing is
// disabled.
func (m *Manager) Enqueue(ctx context.Context, pool *types.ResourcePool, loggingProperties map[string]string) (*types.ResourceRecord, error) {
	if !m.flags.GetBool(ctx, config.FlagQueueResourceRequestEnabled, true) {
		return nil, nil
	}

	q, ok := m.provider.GetPoolQueue(ctx, pool.PoolCode())
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", pool.PoolCode(), types.ErrNotInitialized)
	}

	record := m.newShadowRecord(pool.Type, pool)

	// Windows computes carry a dedicated OS-disk record; the request gets
	// a disk shadow too, so the disk binding survives the queue hop.
	if pool.Type == types.ResourceTypeComputeVM && pool.Details.OS == types.ComputeOSWindows {
		disk := m.newShadowRecord(types.ResourceTypeOSDisk, pool)
		if _, err := m.store.Create(ctx, disk); err != nil {
			return nil, fmt.Errorf("failed to create disk shadow record: %w", err)
		}
		record.SetComponent(types.ResourceComponent{
			ComponentID:      disk.ID,
			ComponentType:    types.ResourceTypeOSDisk,
			ResourceRecordID: disk.ID,
		})
	}

	record, err := m.store.Create(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to create shadow record: %w", err)
	}

	body, err := json.Marshal(requestMessage{
		RequestRecordID:   record.ID,
		LoggingProperties: loggingProperties,
	})
	if err != nil {
		return nil, err
	}
	if err := q.Add(ctx, body); err != nil {
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	_ = m.journal.Append(wal.EntryEnqueued, record.ID, map[string]string{
		"pool_code": pool.PoolCode(),
		"queue":     q.Name(),
	})

	m.logger.Info().Ctx(ctx).
		Str("request_record_id", record.ID).
		Str("pool_code", pool.PoolCode()).
		Msg("allocation request queued")
	return record, nil
}

func (m *Manager) newShadowRecord(resourceType types.ResourceType, pool *types.ResourcePool) *types.ResourceRecord {
	record := types.NewResourceRecord(uuid.NewString(), resourceType,
		pool.Details.Location, pool.Details.SkuName, pool.PoolReference())
	record.IsAssigned = true
	record.Assigned = time.Now().UTC()
	record.ProvisioningStatus = types.OperationStateInitialized
	record.ProvisioningStatusChanged = record.Assigned
	record.ProvisioningReason = shadowRecordReason
	return record
}

// TryAssign offers a ready unassigned resource to the pool's queued
// requests. At most one request wins the resource; dead requests are
// drained off the queue along the way. Returns the record, assigned when
// a request won it, otherwise unchanged.
func (m *Manager) TryAssign(ctx context.Context, record *types.ResourceRecord) (*types.ResourceRecord, error) {
	if !m.flags.GetBool(ctx, config.FlagQueueResourceRequestEnabled, true) {
		return record, nil
	}
	q, ok := m.provider.GetPoolQueue(ctx, record.PoolCode())
	if !ok {
		return record, nil
	}

	processed := 0
	for {
		msg, err := q.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to receive request: %w", err)
		}
		if msg == nil {
			m.logDrain(ctx, record, processed, false)
			return record, nil
		}
		processed++

		assigned, winner, err := m.tryAssignRequest(ctx, record, msg)
		if err != nil {
			// The message stays on the queue: after the visibility
			// timeout another drain retries it.
			return nil, err
		}
		if err := q.Delete(ctx, msg); err != nil {
			return nil, fmt.Errorf("failed to delete request message: %w", err)
		}
		if winner {
			m.logDrain(ctx, record, processed, true)
			return assigned, nil
		}
	}
}

func (m *Manager) logDrain(ctx context.Context, record *types.ResourceRecord, processed int, won bool) {
	if processed == 0 {
		return
	}
	m.logger.Debug().Ctx(ctx).
		Str("resource_id", record.ID).
		Str("pool_code", record.PoolCode()).
		Int("messages_processed", processed).
		Bool("assigned", won).
		Msg("request queue drained")
}

// tryAssignRequest binds record to the request in msg. The bool reports a
// win; false means the request was dead and only drained. Any returned
// error means nothing conclusive happened and the message must survive.
func (m *Manager) tryAssignRequest(ctx context.Context, record *types.ResourceRecord, msg *queue.Message) (*types.ResourceRecord, bool, error) {
	var request requestMessage
	if err := json.Unmarshal(msg.Body, &request); err != nil {
		m.logger.Warn().Ctx(ctx).
			Err(err).
			Str("message_id", msg.ID).
			Msg("dropping malformed request message")
		return nil, false, nil
	}

	requestRecord, err := m.store.Get(ctx, request.RequestRecordID)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	switch {
	case requestRecord.IsDeleted,
		requestRecord.ProvisioningStatus == types.OperationStateCancelled:
		m.logger.Debug().Ctx(ctx).
			Str("request_record_id", requestRecord.ID).
			Msg("dropping cancelled request")
		return nil, false, nil
	case requestRecord.AssignedResourceID != "":
		return nil, false, nil
	}

	// Claim the resource first: if the request write below fails, the
	// message survives and redelivery finds the binding half-done rather
	// than the resource double-handed.
	assigned, err := m.store.UpdateWithRetry(ctx, record, func(r *types.ResourceRecord) error {
		r.IsAssigned = true
		r.Assigned = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if _, err := m.store.UpdateWithRetry(ctx, requestRecord, func(r *types.ResourceRecord) error {
		r.AssignedResourceID = assigned.ID
		r.IsReady = true
		r.Ready = time.Now().UTC()
		r.HeartBeatSummary = assigned.HeartBeatSummary
		return nil
	}); err != nil {
		return nil, false, err
	}

	if err := m.propagateDiskAssignment(ctx, assigned, requestRecord); err != nil {
		return nil, false, err
	}

	_ = m.journal.Append(wal.EntryAssigned, assigned.ID, map[string]string{
		"request_record_id": requestRecord.ID,
		"pool_code":         assigned.PoolCode(),
	})

	m.logger.Info().Ctx(ctx).
		Str("resource_id", assigned.ID).
		Str("request_record_id", requestRecord.ID).
		Msg("resource assigned to queued request")
	return assigned, true, nil
}

// propagateDiskAssignment mirrors the resource's OS-disk binding onto the
// request's disk shadow record.
func (m *Manager) propagateDiskAssignment(ctx context.Context, assigned, requestRecord *types.ResourceRecord) error {
	resourceDisk, ok := assigned.OSDiskComponent()
	if !ok || resourceDisk.ResourceRecordID == "" {
		return nil
	}
	shadowDisk, ok := requestRecord.OSDiskComponent()
	if !ok || shadowDisk.ResourceRecordID == "" {
		return nil
	}

	_, err := m.store.MutateByID(ctx, shadowDisk.ResourceRecordID, func(r *types.ResourceRecord) error {
		r.AssignedResourceID = resourceDisk.ResourceRecordID
		r.IsReady = true
		r.Ready = time.Now().UTC()
		return nil
	})
	if types.IsNotFound(err) {
		return nil
	}
	return err
}
