package continuation

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envpool/broker/config"
	"github.com/envpool/broker/storage"
	"github.com/envpool/broker/types"
	"github.com/envpool/broker/wal"
)

type activatorCall struct {
	target Target
	input  any
	key    string
}

type fakeActivator struct {
	calls []activatorCall
	err   error
}

func (f *fakeActivator) Execute(ctx context.Context, target Target, input any, key string, props map[string]string) (*Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, activatorCall{target: target, input: input, key: key})
	return &Result{ContinuationID: "c-1", Status: StatusQueued}, nil
}

func newTestOperations(t *testing.T, activator Activator, flags map[string]bool) (*Operations, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	journal, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	ops := NewOperations(store, activator, config.NewStaticFlags(flags), journal, zerolog.Nop())
	return ops, store
}

func linuxPool() *types.ResourcePool {
	return &types.ResourcePool{
		Type: types.ResourceTypeComputeVM,
		Details: types.PoolDetails{
			Location: "westus2",
			SkuName:  "standard-d4",
			OS:       types.ComputeOSLinux,
		},
		TargetCount: 3,
		Enabled:     true,
	}
}

func TestCreate_PersistsRecordAndActivates(t *testing.T) {
	activator := &fakeActivator{}
	ops, store := newTestOperations(t, activator, nil)

	record, err := ops.Create(context.Background(), linuxPool(), "WatchPoolSize")
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OperationStateInitialized, stored.ProvisioningStatus)
	assert.Equal(t, "WatchPoolSize", stored.ProvisioningReason)
	assert.Equal(t, linuxPool().PoolCode(), stored.PoolCode())

	require.Len(t, activator.calls, 1)
	assert.Equal(t, TargetCreateResource, activator.calls[0].target)
	assert.Equal(t, record.ID, activator.calls[0].key)

	input := activator.calls[0].input.(*CreateResourceContinuationInput)
	assert.False(t, input.Options.CreateOSDiskRecord)
}

func TestCreate_WindowsPoolRequestsOSDiskRecord(t *testing.T) {
	activator := &fakeActivator{}
	ops, _ := newTestOperations(t, activator, nil)

	pool := linuxPool()
	pool.Details.OS = types.ComputeOSWindows

	_, err := ops.Create(context.Background(), pool, "WatchPoolSize")
	require.NoError(t, err)

	input := activator.calls[0].input.(*CreateResourceContinuationInput)
	assert.True(t, input.Options.CreateOSDiskRecord)
}

func TestQueueCreate_ReloadsRecordAndCarriesExtendedProperties(t *testing.T) {
	activator := &fakeActivator{}
	ops, store := newTestOperations(t, activator, map[string]bool{
		config.FlagSeparateNetworkAndComputeSubscriptions: true,
	})

	record := types.NewResourceRecord("r-1", types.ResourceTypeComputeVM, "westus2", "standard-d4", nil)
	_, err := store.Create(context.Background(), record)
	require.NoError(t, err)

	_, err = ops.QueueCreate(context.Background(), "r-1", &types.AllocateExtendedProperties{
		OSDiskResourceID: "disk-1",
		HardBoot:         true,
	}, "Allocate")
	require.NoError(t, err)

	require.Len(t, activator.calls, 1)
	input := activator.calls[0].input.(*CreateResourceContinuationInput)
	assert.Equal(t, "disk-1", input.Options.OSDiskResourceID)
	assert.True(t, input.Options.HardBoot)
	assert.True(t, input.Options.SeparateNetworkAndComputeSubscriptions)
}

func TestStartEnvironment_MarksStarting(t *testing.T) {
	activator := &fakeActivator{}
	ops, store := newTestOperations(t, activator, nil)

	record := types.NewResourceRecord("compute-1", types.ResourceTypeComputeVM, "westus2", "standard-d4", nil)
	_, err := store.Create(context.Background(), record)
	require.NoError(t, err)

	_, err = ops.StartEnvironment(context.Background(), &StartEnvironmentContinuationInput{
		ComputeResourceID: "compute-1",
		StorageResourceID: "share-1",
		Reason:            "StartCompute",
	})
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), "compute-1")
	require.NoError(t, err)
	assert.Equal(t, types.OperationStateInitialized, stored.StartingStatus)

	require.Len(t, activator.calls, 1)
	assert.Equal(t, TargetStartEnvironment, activator.calls[0].target)
}

func TestSuspend_MarksCleanup(t *testing.T) {
	activator := &fakeActivator{}
	ops, store := newTestOperations(t, activator, nil)

	record := types.NewResourceRecord("compute-1", types.ResourceTypeComputeVM, "westus2", "standard-d4", nil)
	_, err := store.Create(context.Background(), record)
	require.NoError(t, err)

	_, err = ops.Suspend(context.Background(), "compute-1", "env-1", "Suspend")
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), "compute-1")
	require.NoError(t, err)
	assert.Equal(t, types.OperationStateInitialized, stored.CleanupStatus)

	require.Len(t, activator.calls, 1)
	assert.Equal(t, TargetCleanupResource, activator.calls[0].target)
	input := activator.calls[0].input.(*CleanupResourceContinuationInput)
	assert.Equal(t, "env-1", input.EnvironmentID)
}

func TestDelete_MissingRecordFails(t *testing.T) {
	activator := &fakeActivator{}
	ops, _ := newTestOperations(t, activator, nil)

	_, err := ops.Delete(context.Background(), "missing", "Delete")
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
	assert.Empty(t, activator.calls)
}

func TestDeleteOrphaned_NoRecordLookup(t *testing.T) {
	activator := &fakeActivator{}
	ops, _ := newTestOperations(t, activator, nil)

	err := ops.DeleteOrphaned(context.Background(), &DeleteOrphanedResourceContinuationInput{
		ResourceID: "ghost-1",
		Type:       types.ResourceTypeComputeVM,
		Location:   "westus2",
		Reason:     "WatchOrphanedPoolResources",
	})
	require.NoError(t, err)

	require.Len(t, activator.calls, 1)
	assert.Equal(t, TargetDeleteOrphanedResource, activator.calls[0].target)
}

func TestSubmit_ActivatorFailurePropagates(t *testing.T) {
	activator := &fakeActivator{err: errors.New("queue down")}
	ops, store := newTestOperations(t, activator, nil)

	record := types.NewResourceRecord("compute-1", types.ResourceTypeComputeVM, "westus2", "standard-d4", nil)
	_, err := store.Create(context.Background(), record)
	require.NoError(t, err)

	_, err = ops.Delete(context.Background(), "compute-1", "Delete")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue down")
}
