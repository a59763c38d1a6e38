package request

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envpool/broker/config"
	"github.com/envpool/broker/types"
	"github.com/envpool/broker/wal"
)

func newTestManager(t *testing.T, pools []types.ResourcePool, flags map[string]bool) (*Manager, *testEnv, *QueueProvider) {
	t.Helper()
	env := newTestEnv(t)
	provider := env.provider(config.NewHydratedPoolStore(pools))
	require.NoError(t, provider.UpdatePoolQueues(context.Background()))

	journal, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	manager := NewManager(env.store, provider, config.NewStaticFlags(flags), journal, zerolog.Nop())
	return manager, env, provider
}

func readyRecord(t *testing.T, env *testEnv, id string, pool *types.ResourcePool) *types.ResourceRecord {
	t.Helper()
	record := types.NewResourceRecord(id, pool.Type, pool.Details.Location, pool.Details.SkuName, pool.PoolReference())
	record.IsReady = true
	record, err := env.store.Create(context.Background(), record)
	require.NoError(t, err)
	return record
}

func TestEnqueue_DisabledFlagReturnsNil(t *testing.T) {
	pool := testPool()
	manager, _, _ := newTestManager(t, []types.ResourcePool{pool}, map[string]bool{
		config.FlagQueueResourceRequestEnabled: false,
	})

	record, err := manager.Enqueue(context.Background(), &pool, nil)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestEnqueue_CreatesShadowRecordAndMessage(t *testing.T) {
	pool := testPool()
	manager, env, provider := newTestManager(t, []types.ResourcePool{pool}, nil)

	record, err := manager.Enqueue(context.Background(), &pool, map[string]string{"caller": "allocate"})
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.True(t, record.IsAssigned)
	assert.False(t, record.IsReady)
	assert.Equal(t, types.OperationStateInitialized, record.ProvisioningStatus)
	assert.Equal(t, shadowRecordReason, record.ProvisioningReason)
	assert.Empty(t, record.AssignedResourceID)

	q, ok := provider.GetPoolQueue(context.Background(), pool.PoolCode())
	require.True(t, ok)
	msg, err := q.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, msg)

	var parsed requestMessage
	require.NoError(t, json.Unmarshal(msg.Body, &parsed))
	assert.Equal(t, record.ID, parsed.RequestRecordID)
	assert.Equal(t, "allocate", parsed.LoggingProperties["caller"])

	stored, err := env.store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, stored.ID)
}

func TestEnqueue_WindowsComputeGetsDiskShadow(t *testing.T) {
	pool := testPool()
	pool.Details.OS = types.ComputeOSWindows
	manager, env, _ := newTestManager(t, []types.ResourcePool{pool}, nil)

	record, err := manager.Enqueue(context.Background(), &pool, nil)
	require.NoError(t, err)
	require.NotNil(t, record)

	disk, ok := record.OSDiskComponent()
	require.True(t, ok)
	require.NotEmpty(t, disk.ResourceRecordID)

	diskRecord, err := env.store.Get(context.Background(), disk.ResourceRecordID)
	require.NoError(t, err)
	assert.Equal(t, types.ResourceTypeOSDisk, diskRecord.Type)
	assert.True(t, diskRecord.IsAssigned)
	assert.Equal(t, shadowRecordReason, diskRecord.ProvisioningReason)
}

func TestTryAssign_EmptyQueueLeavesRecordUnchanged(t *testing.T) {
	pool := testPool()
	manager, env, _ := newTestManager(t, []types.ResourcePool{pool}, nil)
	record := readyRecord(t, env, "r-1", &pool)

	result, err := manager.TryAssign(context.Background(), record)
	require.NoError(t, err)
	assert.False(t, result.IsAssigned)
}

func TestTryAssign_BindsResourceToRequest(t *testing.T) {
	pool := testPool()
	manager, env, provider := newTestManager(t, []types.ResourcePool{pool}, nil)

	request, err := manager.Enqueue(context.Background(), &pool, nil)
	require.NoError(t, err)

	record := readyRecord(t, env, "r-1", &pool)

	result, err := manager.TryAssign(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, result.IsAssigned)

	bound, err := env.store.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, "r-1", bound.AssignedResourceID)
	assert.True(t, bound.IsReady)

	// The winning message is gone.
	q, ok := provider.GetPoolQueue(context.Background(), pool.PoolCode())
	require.True(t, ok)
	count, err := q.ApproximateCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTryAssign_AssignmentIsFinal(t *testing.T) {
	pool := testPool()
	manager, env, _ := newTestManager(t, []types.ResourcePool{pool}, nil)

	request, err := manager.Enqueue(context.Background(), &pool, nil)
	require.NoError(t, err)

	first := readyRecord(t, env, "r-1", &pool)
	_, err = manager.TryAssign(context.Background(), first)
	require.NoError(t, err)

	// A duplicate delivery of the same request must not steal a second
	// resource.
	body, err := json.Marshal(requestMessage{RequestRecordID: request.ID})
	require.NoError(t, err)
	q, ok := manager.provider.GetPoolQueue(context.Background(), pool.PoolCode())
	require.True(t, ok)
	require.NoError(t, q.Add(context.Background(), body))

	second := readyRecord(t, env, "r-2", &pool)
	result, err := manager.TryAssign(context.Background(), second)
	require.NoError(t, err)
	assert.False(t, result.IsAssigned)

	bound, err := env.store.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, "r-1", bound.AssignedResourceID)
}

func TestTryAssign_SkipsDeadRequests(t *testing.T) {
	pool := testPool()
	manager, env, provider := newTestManager(t, []types.ResourcePool{pool}, nil)

	q, ok := provider.GetPoolQueue(context.Background(), pool.PoolCode())
	require.True(t, ok)

	// Malformed payload.
	require.NoError(t, q.Add(context.Background(), []byte("not json")))

	// Request whose record is gone.
	body, err := json.Marshal(requestMessage{RequestRecordID: "missing"})
	require.NoError(t, err)
	require.NoError(t, q.Add(context.Background(), body))

	// Cancelled request.
	cancelled, err := manager.Enqueue(context.Background(), &pool, nil)
	require.NoError(t, err)
	_, err = env.store.MutateByID(context.Background(), cancelled.ID, func(r *types.ResourceRecord) error {
		r.ProvisioningStatus = types.OperationStateCancelled
		return nil
	})
	require.NoError(t, err)

	// Live request behind the dead ones.
	live, err := manager.Enqueue(context.Background(), &pool, nil)
	require.NoError(t, err)

	record := readyRecord(t, env, "r-1", &pool)
	result, err := manager.TryAssign(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, result.IsAssigned)

	bound, err := env.store.Get(context.Background(), live.ID)
	require.NoError(t, err)
	assert.Equal(t, "r-1", bound.AssignedResourceID)

	// Dead requests were drained, not left for redelivery.
	count, err := q.ApproximateCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTryAssign_PropagatesDiskAssignment(t *testing.T) {
	pool := testPool()
	pool.Details.OS = types.ComputeOSWindows
	manager, env, _ := newTestManager(t, []types.ResourcePool{pool}, nil)

	request, err := manager.Enqueue(context.Background(), &pool, nil)
	require.NoError(t, err)
	shadowDisk, ok := request.OSDiskComponent()
	require.True(t, ok)

	// The ready compute carries a real disk record.
	realDisk := types.NewResourceRecord("disk-real", types.ResourceTypeOSDisk,
		pool.Details.Location, pool.Details.SkuName, pool.PoolReference())
	realDisk.IsReady = true
	_, err = env.store.Create(context.Background(), realDisk)
	require.NoError(t, err)

	record := types.NewResourceRecord("r-1", pool.Type, pool.Details.Location, pool.Details.SkuName, pool.PoolReference())
	record.IsReady = true
	record.SetComponent(types.ResourceComponent{
		ComponentID:      "disk-real",
		ComponentType:    types.ResourceTypeOSDisk,
		ResourceRecordID: "disk-real",
	})
	record, err = env.store.Create(context.Background(), record)
	require.NoError(t, err)

	_, err = manager.TryAssign(context.Background(), record)
	require.NoError(t, err)

	boundDisk, err := env.store.Get(context.Background(), shadowDisk.ResourceRecordID)
	require.NoError(t, err)
	assert.Equal(t, "disk-real", boundDisk.AssignedResourceID)
	assert.True(t, boundDisk.IsReady)
}
