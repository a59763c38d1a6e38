package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/envpool/broker/continuation"
	"github.com/envpool/broker/pool"
	"github.com/envpool/broker/request"
	"github.com/envpool/broker/storage"
	"github.com/envpool/broker/types"
)

// AllocationStrategy turns one allocation input into a record. Strategies
// are probed in registration order; the first that can handle the input
// wins.
type AllocationStrategy interface {
	CanHandle(input *types.AllocateInput) bool
	Allocate(ctx context.Context, input *types.AllocateInput, reason string) (*types.AllocateResult, error)
}

// BasicStrategy serves fresh allocations: warm pool first, then the
// request queue, or a queued create when the caller asked for one.
type BasicStrategy struct {
	store    *storage.Store
	pools    *pool.Manager
	requests *request.Manager
	ops      *continuation.Operations
	defs     types.PoolDefinitionStore
	logger   zerolog.Logger
}

// NewBasicStrategy wires the default allocation strategy.
func NewBasicStrategy(store *storage.Store, pools *pool.Manager, requests *request.Manager, ops *continuation.Operations, defs types.PoolDefinitionStore, logger zerolog.Logger) *BasicStrategy {
	return &BasicStrategy{
		store:    store,
		pools:    pools,
		requests: requests,
		ops:      ops,
		defs:     defs,
		logger:   logger.With().Str("strategy", "basic").Logger(),
	}
}

// CanHandle accepts everything that is not an OS-disk resume.
func (s *BasicStrategy) CanHandle(input *types.AllocateInput) bool {
	return input.ExtendedProperties == nil || input.ExtendedProperties.OSDiskResourceID == ""
}

// Allocate implements AllocationStrategy.
func (s *BasicStrategy) Allocate(ctx context.Context, input *types.AllocateInput, reason string) (*types.AllocateResult, error) {
	poolDef, err := findPool(ctx, s.defs, input)
	if err != nil {
		return nil, err
	}

	if input.QueueCreateResource {
		return s.queueCreate(ctx, poolDef, input, reason)
	}

	record, err := s.pools.TryGet(ctx, poolDef.PoolCode())
	if err != nil {
		return nil, err
	}
	if record == nil {
		record, err = s.requests.Enqueue(ctx, poolDef, map[string]string{"reason": reason})
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, fmt.Errorf("pool %s has no capacity and request queueing is disabled", poolDef.PoolCode())
		}
	}
	return allocateResult(record), nil
}

// queueCreate allocates a record bound to the caller up front and
// provisions the resource for it on demand.
func (s *BasicStrategy) queueCreate(ctx context.Context, poolDef *types.ResourcePool, input *types.AllocateInput, reason string) (*types.AllocateResult, error) {
	record := newAssignedRecord(poolDef)
	record, err := s.store.Create(ctx, record)
	if err != nil {
		return nil, err
	}
	if _, err := s.ops.QueueCreate(ctx, record.ID, input.ExtendedProperties, reason); err != nil {
		return nil, err
	}
	return allocateResult(record), nil
}

// OSDiskResumeStrategy resumes a suspended environment: a new compute is
// provisioned around the caller's existing OS disk instead of drawing from
// the pool.
type OSDiskResumeStrategy struct {
	store  *storage.Store
	ops    *continuation.Operations
	defs   types.PoolDefinitionStore
	logger zerolog.Logger
}

// NewOSDiskResumeStrategy wires the resume strategy.
func NewOSDiskResumeStrategy(store *storage.Store, ops *continuation.Operations, defs types.PoolDefinitionStore, logger zerolog.Logger) *OSDiskResumeStrategy {
	return &OSDiskResumeStrategy{
		store:  store,
		ops:    ops,
		defs:   defs,
		logger: logger.With().Str("strategy", "os-disk-resume").Logger(),
	}
}

// CanHandle accepts compute allocations that name an existing OS disk.
func (s *OSDiskResumeStrategy) CanHandle(input *types.AllocateInput) bool {
	return input.Type == types.ResourceTypeComputeVM &&
		input.ExtendedProperties != nil &&
		input.ExtendedProperties.OSDiskResourceID != ""
}

// Allocate implements AllocationStrategy.
func (s *OSDiskResumeStrategy) Allocate(ctx context.Context, input *types.AllocateInput, reason string) (*types.AllocateResult, error) {
	diskID := input.ExtendedProperties.OSDiskResourceID
	disk, err := s.store.Get(ctx, diskID)
	if err != nil {
		return nil, err
	}
	if disk.Type != types.ResourceTypeOSDisk {
		return nil, fmt.Errorf("record %s is %s, not an OS disk", diskID, disk.Type)
	}

	poolDef, err := findPool(ctx, s.defs, input)
	if err != nil {
		return nil, err
	}

	record := newAssignedRecord(poolDef)
	record.SetComponent(types.ResourceComponent{
		ComponentID:      disk.ID,
		ComponentType:    types.ResourceTypeOSDisk,
		ResourceRecordID: disk.ID,
		CloudResource:    disk.CloudResource,
	})
	record, err = s.store.Create(ctx, record)
	if err != nil {
		return nil, err
	}

	if _, err := s.ops.QueueCreate(ctx, record.ID, input.ExtendedProperties, reason); err != nil {
		return nil, err
	}
	return allocateResult(record), nil
}

func newAssignedRecord(poolDef *types.ResourcePool) *types.ResourceRecord {
	now := time.Now().UTC()
	record := types.NewResourceRecord(uuid.NewString(), poolDef.Type,
		poolDef.Details.Location, poolDef.Details.SkuName, poolDef.PoolReference())
	record.IsAssigned = true
	record.Assigned = now
	record.ProvisioningStatus = types.OperationStateInitialized
	record.ProvisioningStatusChanged = now
	return record
}

// findPool resolves the allocation input against the pool definitions.
func findPool(ctx context.Context, defs types.PoolDefinitionStore, input *types.AllocateInput) (*types.ResourcePool, error) {
	pools, err := defs.Retrieve(ctx)
	if err != nil {
		return nil, err
	}
	for i := range pools {
		p := &pools[i]
		if p.Enabled && p.Type == input.Type &&
			p.Details.SkuName == input.SkuName &&
			p.Details.Location == input.Location {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no pool for %s/%s in %s: %w",
		input.Type, input.SkuName, input.Location, types.ErrNotSupported)
}

func allocateResult(record *types.ResourceRecord) *types.AllocateResult {
	return &types.AllocateResult{
		ID:       record.ID,
		Type:     record.Type,
		SkuName:  record.SkuName,
		Location: record.Location,
		Created:  record.Created,
		IsReady:  record.IsReady,
	}
}
