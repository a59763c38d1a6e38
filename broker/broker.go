// Package broker is the allocation front door: it hands out resources,
// drives start/suspend/delete orchestrations, and projects resource status.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/envpool/broker/continuation"
	"github.com/envpool/broker/queue"
	"github.com/envpool/broker/storage"
	"github.com/envpool/broker/types"
)

// SecretManager resolves the secrets applicable to an environment start.
type SecretManager interface {
	GetApplicableSecrets(ctx context.Context, filter *types.SecretFilter) ([]types.SecretData, error)
}

// Broker coordinates allocation strategies and lifecycle operations.
type Broker struct {
	store      *storage.Store
	strategies []AllocationStrategy
	ops        *continuation.Operations
	queues     queue.Provider
	secrets    SecretManager
	logger     zerolog.Logger
}

// New wires the broker. Strategies are probed in the given order; secrets
// may be nil when no secret backend is configured.
func New(store *storage.Store, strategies []AllocationStrategy, ops *continuation.Operations, queues queue.Provider, secrets SecretManager, logger zerolog.Logger) *Broker {
	return &Broker{
		store:      store,
		strategies: strategies,
		ops:        ops,
		queues:     queues,
		secrets:    secrets,
		logger:     logger.With().Str("component", "broker").Logger(),
	}
}

// Allocate serves one allocation through the first strategy that accepts it.
func (b *Broker) Allocate(ctx context.Context, input *types.AllocateInput, reason string) (*types.AllocateResult, error) {
	for _, strategy := range b.strategies {
		if !strategy.CanHandle(input) {
			continue
		}
		return strategy.Allocate(ctx, input, reason)
	}
	return nil, fmt.Errorf("no strategy for allocation of %s: %w", input.Type, types.ErrNotSupported)
}

// AllocateSet serves a set of allocations, all or nothing: a failure rolls
// back the records already handed out.
func (b *Broker) AllocateSet(ctx context.Context, inputs []types.AllocateInput, reason string) ([]types.AllocateResult, error) {
	results := make([]types.AllocateResult, 0, len(inputs))
	for i := range inputs {
		result, err := b.Allocate(ctx, &inputs[i], reason)
		if err != nil {
			b.rollbackAllocations(ctx, results, reason)
			return nil, fmt.Errorf("allocation %d of %d failed: %w", i+1, len(inputs), err)
		}
		results = append(results, *result)
	}
	return results, nil
}

func (b *Broker) rollbackAllocations(ctx context.Context, allocated []types.AllocateResult, reason string) {
	for _, result := range allocated {
		if _, err := b.ops.Delete(ctx, result.ID, reason+"_rollback"); err != nil {
			b.logger.Error().Ctx(ctx).
				Err(err).
				Str("resource_id", result.ID).
				Msg("failed to roll back allocation")
		}
	}
}

// startRoles are the records resolved for a start action, keyed by their
// role in the orchestration.
type startRoles struct {
	compute   *types.ResourceRecord
	osDisk    *types.ResourceRecord
	fileShare *types.ResourceRecord
	archive   *types.ResourceRecord
	byID      map[string]types.StartInput
}

// Start runs one start orchestration over the named resource set.
func (b *Broker) Start(ctx context.Context, action types.StartAction, inputs []types.StartInput, reason string) error {
	switch action {
	case types.StartActionArchive:
		if len(inputs) != 2 {
			return fmt.Errorf("%s takes exactly 2 resources, got %d: %w", action, len(inputs), types.ErrNotSupported)
		}
	case types.StartActionCompute, types.StartActionExport, types.StartActionUpdate:
		if len(inputs) < 1 || len(inputs) > 3 {
			return fmt.Errorf("%s takes 1 to 3 resources, got %d: %w", action, len(inputs), types.ErrNotSupported)
		}
	default:
		return fmt.Errorf("unknown start action %q: %w", action, types.ErrNotSupported)
	}

	roles, err := b.resolveRoles(ctx, inputs)
	if err != nil {
		return err
	}

	switch action {
	case types.StartActionArchive:
		return b.startArchive(ctx, roles, reason)
	case types.StartActionUpdate:
		return b.startUpdate(ctx, roles)
	default:
		return b.startCompute(ctx, action, roles, reason)
	}
}

func (b *Broker) resolveRoles(ctx context.Context, inputs []types.StartInput) (*startRoles, error) {
	roles := &startRoles{byID: make(map[string]types.StartInput, len(inputs))}
	for _, input := range inputs {
		record, err := b.store.Get(ctx, input.ResourceID)
		if err != nil {
			return nil, err
		}
		roles.byID[record.ID] = input

		var slot **types.ResourceRecord
		switch record.Type {
		case types.ResourceTypeComputeVM:
			slot = &roles.compute
		case types.ResourceTypeOSDisk:
			slot = &roles.osDisk
		case types.ResourceTypeStorageFileShare:
			slot = &roles.fileShare
		case types.ResourceTypeStorageArchive:
			slot = &roles.archive
		default:
			return nil, fmt.Errorf("resource %s of type %s cannot participate in a start: %w",
				record.ID, record.Type, types.ErrNotSupported)
		}
		if *slot != nil {
			return nil, fmt.Errorf("duplicate %s resource in start set: %w", record.Type, types.ErrNotSupported)
		}
		*slot = record
	}
	return roles, nil
}

func (b *Broker) startCompute(ctx context.Context, action types.StartAction, roles *startRoles, reason string) error {
	if roles.compute == nil {
		return fmt.Errorf("%s requires a compute resource: %w", action, types.ErrNotSupported)
	}

	computeInput := roles.byID[roles.compute.ID]
	secrets, err := b.resolveSecrets(ctx, computeInput)
	if err != nil {
		return err
	}

	input := &continuation.StartEnvironmentContinuationInput{
		ComputeResourceID: roles.compute.ID,
		Variables:         computeInput.Variables,
		Secrets:           secrets,
		DevContainer:      computeInput.DevContainer,
		Reason:            reason,
	}
	if roles.osDisk != nil {
		input.OSDiskResourceID = roles.osDisk.ID
	}
	if roles.fileShare != nil {
		input.StorageResourceID = roles.fileShare.ID
	}
	if roles.archive != nil {
		input.ArchiveResourceID = roles.archive.ID
	}

	if action == types.StartActionExport {
		_, err = b.ops.StartExport(ctx, input)
	} else {
		_, err = b.ops.StartEnvironment(ctx, input)
	}
	return err
}

func (b *Broker) startArchive(ctx context.Context, roles *startRoles, reason string) error {
	if roles.archive == nil || roles.fileShare == nil {
		return fmt.Errorf("%s requires one archive and one file share: %w",
			types.StartActionArchive, types.ErrNotSupported)
	}
	_, err := b.ops.StartArchive(ctx, &continuation.StartArchiveContinuationInput{
		ArchiveResourceID:   roles.archive.ID,
		FileShareResourceID: roles.fileShare.ID,
		Reason:              reason,
	})
	return err
}

// inputQueueMessage is the payload delivered to the agent through the
// compute's input queue.
type inputQueueMessage struct {
	Command   string             `json:"command"`
	Variables map[string]string  `json:"variables,omitempty"`
	Secrets   []types.SecretData `json:"secrets,omitempty"`
	Queued    time.Time          `json:"queued"`
}

// startUpdate delivers the update payload straight to the running agent
// through the compute's input queue; no continuation is involved.
func (b *Broker) startUpdate(ctx context.Context, roles *startRoles) error {
	if roles.compute == nil {
		return fmt.Errorf("%s requires a compute resource: %w", types.StartActionUpdate, types.ErrNotSupported)
	}

	component, ok := roles.compute.Component(types.ResourceTypeInputQueue)
	if !ok || component.CloudResource == nil {
		return fmt.Errorf("compute %s has no input queue: %w", roles.compute.ID, types.ErrNotSupported)
	}

	computeInput := roles.byID[roles.compute.ID]
	secrets, err := b.resolveSecrets(ctx, computeInput)
	if err != nil {
		return err
	}

	q, err := b.queues.Open(ctx, component.CloudResource.Name)
	if err != nil {
		return fmt.Errorf("failed to open input queue for compute %s: %w", roles.compute.ID, err)
	}
	body, err := json.Marshal(inputQueueMessage{
		Command:   "update",
		Variables: computeInput.Variables,
		Secrets:   secrets,
		Queued:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return q.Add(ctx, body)
}

// resolveSecrets applies the secret precedence: explicit secrets win, a
// filter falls back to the secret manager.
func (b *Broker) resolveSecrets(ctx context.Context, input types.StartInput) ([]types.SecretData, error) {
	if len(input.Secrets) > 0 {
		return input.Secrets, nil
	}
	if input.FilterSecrets == nil {
		return nil, nil
	}
	if b.secrets == nil {
		return nil, errors.New("secret filter given but no secret manager configured")
	}
	return b.secrets.GetApplicableSecrets(ctx, input.FilterSecrets)
}

// Suspend shuts one compute down, keeping its record.
func (b *Broker) Suspend(ctx context.Context, input types.SuspendInput, reason string) error {
	_, err := b.ops.Suspend(ctx, input.ResourceID, "", reason)
	return err
}

// SuspendSet suspends a set of resources concurrently. All failures are
// reported; the rest of the set still proceeds.
func (b *Broker) SuspendSet(ctx context.Context, inputs []types.SuspendInput, reason string) error {
	return forEachConcurrent(len(inputs), func(i int) error {
		return b.Suspend(ctx, inputs[i], reason)
	})
}

// Delete tears one resource down.
func (b *Broker) Delete(ctx context.Context, input types.DeleteInput, reason string) error {
	_, err := b.ops.Delete(ctx, input.ResourceID, reason)
	return err
}

// DeleteSet deletes a set of resources concurrently.
func (b *Broker) DeleteSet(ctx context.Context, inputs []types.DeleteInput, reason string) error {
	return forEachConcurrent(len(inputs), func(i int) error {
		return b.Delete(ctx, inputs[i], reason)
	})
}

func forEachConcurrent(n int, fn func(i int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fn(i)
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Status projects a record's status, following one level of assignment
// indirection so callers polling a queued request see the resource that
// won it. A missing record yields nil, not an error.
func (b *Broker) Status(ctx context.Context, input types.StatusInput) (*types.StatusResult, error) {
	record, err := b.store.Get(ctx, input.ResourceID)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	if record.AssignedResourceID != "" {
		target, err := b.store.Get(ctx, record.AssignedResourceID)
		if err != nil {
			if types.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		record = target
	}

	return &types.StatusResult{
		ResourceID:                record.ID,
		Type:                      record.Type,
		SkuName:                   record.SkuName,
		Location:                  record.Location,
		IsReady:                   record.IsReady,
		Created:                   record.Created,
		ProvisioningStatus:        record.ProvisioningStatus,
		ProvisioningStatusChanged: record.ProvisioningStatusChanged,
		StartingStatus:            record.StartingStatus,
		StartingStatusChanged:     record.StartingStatusChanged,
		DeletingStatus:            record.DeletingStatus,
		DeletingStatusChanged:     record.DeletingStatusChanged,
		CleanupStatus:             record.CleanupStatus,
		CleanupStatusChanged:      record.CleanupStatusChanged,
	}, nil
}

// StatusSet projects a set of records. Result slots line up with the
// inputs; a missing record leaves a nil slot.
func (b *Broker) StatusSet(ctx context.Context, inputs []types.StatusInput) ([]*types.StatusResult, error) {
	results := make([]*types.StatusResult, len(inputs))
	for i, input := range inputs {
		result, err := b.Status(ctx, input)
		if err != nil {
			return nil, err
		}
		results[i] = result
	}
	return results, nil
}

// ProcessHeartbeat records environment liveness and reports whether the
// resource is still live. An unknown or deleted resource reports false.
func (b *Broker) ProcessHeartbeat(ctx context.Context, resourceID string) (bool, error) {
	record, err := b.store.MutateByID(ctx, resourceID, func(r *types.ResourceRecord) error {
		r.KeepAlives.EnvironmentAlive = time.Now().UTC()
		return nil
	})
	if err != nil {
		if types.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return !record.IsDeleted, nil
}
