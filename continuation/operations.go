package continuation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/envpool/broker/config"
	"github.com/envpool/broker/storage"
	"github.com/envpool/broker/types"
	"github.com/envpool/broker/wal"
)

// Operations is the lifecycle front door: each method records intent on the
// resource record, journals the submission, and activates a continuation.
type Operations struct {
	store     *storage.Store
	activator Activator
	flags     config.SystemConfiguration
	journal   *wal.WAL
	logger    zerolog.Logger
}

// NewOperations wires the continuation operations.
func NewOperations(store *storage.Store, activator Activator, flags config.SystemConfiguration, journal *wal.WAL, logger zerolog.Logger) *Operations {
	return &Operations{
		store:     store,
		activator: activator,
		flags:     flags,
		journal:   journal,
		logger:    logger.With().Str("component", "continuation").Logger(),
	}
}

// Create persists a new pool-backed record and activates provisioning.
func (o *Operations) Create(ctx context.Context, pool *types.ResourcePool, reason string) (*types.ResourceRecord, error) {
	record := types.NewResourceRecord(uuid.NewString(), pool.Type, pool.Details.Location, pool.Details.SkuName, pool.PoolReference())
	record.ProvisioningStatus = types.OperationStateInitialized
	record.ProvisioningStatusChanged = time.Now().UTC()
	record.ProvisioningReason = reason

	record, err := o.store.Create(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource record: %w", err)
	}

	input := &CreateResourceContinuationInput{
		ResourceID: record.ID,
		Type:       record.Type,
		Pool:       record.PoolReference,
		Details:    &pool.Details,
		Reason:     reason,
		Options:    o.createOptions(ctx, record, nil),
	}
	if err := o.submit(ctx, TargetCreateResource, record.ID, input, reason); err != nil {
		return nil, err
	}
	return record, nil
}

// QueueCreate activates provisioning for a record the caller already
// persisted. The record is re-read so the continuation sees its latest
// shape, not the caller's copy.
func (o *Operations) QueueCreate(ctx context.Context, resourceID string, extended *types.AllocateExtendedProperties, reason string) (*types.ResourceRecord, error) {
	record, err := o.store.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	input := &CreateResourceContinuationInput{
		ResourceID: record.ID,
		Type:       record.Type,
		Pool:       record.PoolReference,
		Reason:     reason,
		Options:    o.createOptions(ctx, record, extended),
	}
	if err := o.submit(ctx, TargetCreateResource, record.ID, input, reason); err != nil {
		return nil, err
	}
	return record, nil
}

func (o *Operations) createOptions(ctx context.Context, record *types.ResourceRecord, extended *types.AllocateExtendedProperties) *CreateResourceOptions {
	options := &CreateResourceOptions{
		SeparateNetworkAndComputeSubscriptions: o.flags.GetBool(ctx, config.FlagSeparateNetworkAndComputeSubscriptions, false),
	}
	if record.Type == types.ResourceTypeComputeVM && isWindows(record.PoolReference) {
		options.CreateOSDiskRecord = true
	}
	if extended != nil {
		options.OSDiskResourceID = extended.OSDiskResourceID
		options.SubnetResourceID = extended.SubnetResourceID
		options.HardBoot = extended.HardBoot
		options.UpdateAgent = extended.UpdateAgent
	}
	return options
}

func isWindows(pool *types.PoolReference) bool {
	return pool != nil && pool.Dimensions["os"] == string(types.ComputeOSWindows)
}

// StartEnvironment boots or resumes the compute named in the input.
func (o *Operations) StartEnvironment(ctx context.Context, input *StartEnvironmentContinuationInput) (*types.ResourceRecord, error) {
	return o.startResource(ctx, TargetStartEnvironment, input.ComputeResourceID, input, input.Reason)
}

// StartExport captures the environment's content for export. The
// orchestration mirrors a start; only the handler chain differs.
func (o *Operations) StartExport(ctx context.Context, input *StartEnvironmentContinuationInput) (*types.ResourceRecord, error) {
	return o.startResource(ctx, TargetStartExport, input.ComputeResourceID, input, input.Reason)
}

// StartArchive copies the file share named in the input into the blob.
func (o *Operations) StartArchive(ctx context.Context, input *StartArchiveContinuationInput) (*types.ResourceRecord, error) {
	return o.startResource(ctx, TargetStartArchive, input.ArchiveResourceID, input, input.Reason)
}

func (o *Operations) startResource(ctx context.Context, target Target, resourceID string, input any, reason string) (*types.ResourceRecord, error) {
	record, err := o.store.MutateByID(ctx, resourceID, func(r *types.ResourceRecord) error {
		r.StartingStatus = types.OperationStateInitialized
		r.StartingStatusChanged = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := o.submit(ctx, target, resourceID, input, reason); err != nil {
		return nil, err
	}
	return record, nil
}

// Suspend shuts the compute down without releasing its record.
func (o *Operations) Suspend(ctx context.Context, resourceID, environmentID, reason string) (*types.ResourceRecord, error) {
	record, err := o.store.MutateByID(ctx, resourceID, func(r *types.ResourceRecord) error {
		r.CleanupStatus = types.OperationStateInitialized
		r.CleanupStatusChanged = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	input := &CleanupResourceContinuationInput{
		ResourceID:    resourceID,
		EnvironmentID: environmentID,
		Reason:        reason,
	}
	if err := o.submit(ctx, TargetCleanupResource, resourceID, input, reason); err != nil {
		return nil, err
	}
	return record, nil
}

// Delete tears down a tracked resource. The record must exist.
func (o *Operations) Delete(ctx context.Context, resourceID, reason string) (*types.ResourceRecord, error) {
	record, err := o.store.MutateByID(ctx, resourceID, func(r *types.ResourceRecord) error {
		r.DeletingStatus = types.OperationStateInitialized
		r.DeletingStatusChanged = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	input := &DeleteResourceContinuationInput{ResourceID: resourceID, Reason: reason}
	if err := o.submit(ctx, TargetDeleteResource, resourceID, input, reason); err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteOrphaned tears down a cloud resource with no backing record, so no
// record is loaded or mutated.
func (o *Operations) DeleteOrphaned(ctx context.Context, input *DeleteOrphanedResourceContinuationInput) error {
	return o.submit(ctx, TargetDeleteOrphanedResource, input.ResourceID, input, input.Reason)
}

func (o *Operations) submit(ctx context.Context, target Target, resourceID string, input any, reason string) error {
	result, err := o.activator.Execute(ctx, target, input, resourceID, map[string]string{
		"resource_id": resourceID,
		"reason":      reason,
	})
	if err != nil {
		_ = o.journal.AppendError(wal.EntryFailed, resourceID, map[string]string{"target": string(target)}, err)
		return fmt.Errorf("failed to activate %s: %w", target, err)
	}

	_ = o.journal.Append(wal.EntryContinuation, resourceID, map[string]string{
		"target":          string(target),
		"continuation_id": result.ContinuationID,
		"reason":          reason,
	})

	o.logger.Info().Ctx(ctx).
		Str("target", string(target)).
		Str("resource_id", resourceID).
		Str("continuation_id", result.ContinuationID).
		Str("reason", reason).
		Msg("continuation submitted")
	return nil
}
