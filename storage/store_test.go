package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envpool/broker/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(id, poolCode string) *types.ResourceRecord {
	return types.NewResourceRecord(id, types.ResourceTypeComputeVM, "westus2", "standard-4", &types.PoolReference{Code: poolCode})
}

func TestStore_CreateAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, testRecord("r1", "pool-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, types.ResourceTypeComputeVM, got.Type)
	assert.Equal(t, "pool-a", got.PoolCode())
}

func TestStore_GetMissing(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestStore_CreateDuplicateFails(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, testRecord("r1", "pool-a"))
	require.NoError(t, err)

	_, err = store.Create(ctx, testRecord("r1", "pool-a"))
	assert.Error(t, err)
}

func TestStore_UpdateVersionConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, testRecord("r1", "pool-a"))
	require.NoError(t, err)

	first, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	second, err := store.Get(ctx, "r1")
	require.NoError(t, err)

	first.IsReady = true
	_, err = store.Update(ctx, first)
	require.NoError(t, err)

	second.IsAssigned = true
	_, err = store.Update(ctx, second)
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))

	_ = created
}

func TestStore_UpdateWithRetryRecoversConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, testRecord("r1", "pool-a"))
	require.NoError(t, err)

	stale, err := store.Get(ctx, "r1")
	require.NoError(t, err)

	// Concurrent writer bumps the version and marks ready.
	_, err = store.MutateByID(ctx, "r1", func(r *types.ResourceRecord) error {
		r.IsReady = true
		return nil
	})
	require.NoError(t, err)

	// Stale writer retries and must not clobber the concurrent update.
	updated, err := store.UpdateWithRetry(ctx, stale, func(r *types.ResourceRecord) error {
		r.IsAssigned = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.IsAssigned)
	assert.True(t, updated.IsReady, "conflict retry must re-fetch before re-applying")
}

func TestStore_ReadyUnassigned(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	notReady := testRecord("r1", "pool-a")
	_, err := store.Create(ctx, notReady)
	require.NoError(t, err)

	assigned := testRecord("r2", "pool-a")
	assigned.IsReady = true
	assigned.IsAssigned = true
	_, err = store.Create(ctx, assigned)
	require.NoError(t, err)

	warm := testRecord("r3", "pool-a")
	warm.IsReady = true
	_, err = store.Create(ctx, warm)
	require.NoError(t, err)

	otherPool := testRecord("r4", "pool-b")
	otherPool.IsReady = true
	_, err = store.Create(ctx, otherPool)
	require.NoError(t, err)

	got, err := store.ReadyUnassigned(ctx, "pool-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r3", got.ID)

	got, err = store.ReadyUnassigned(ctx, "pool-c")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_PoolQueueRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := types.NewResourceRecord("q1", types.ResourceTypePoolQueue, "westus2", "standard-4", &types.PoolReference{Code: "pool-a-queue"})
	record.CloudResource = &types.CloudResourceInfo{Name: "pool-a-requests"}
	_, err := store.Create(ctx, record)
	require.NoError(t, err)

	got, err := store.GetPoolQueueRecord(ctx, "pool-a-queue")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "q1", got.ID)
	assert.Equal(t, "pool-a-requests", got.CloudResource.Name)

	missing, err := store.GetPoolQueueRecord(ctx, "pool-z-queue")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_CountPool(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	warm := testRecord("r1", "pool-a")
	warm.IsReady = true
	_, err := store.Create(ctx, warm)
	require.NoError(t, err)

	pending := testRecord("r2", "pool-a")
	_, err = store.Create(ctx, pending)
	require.NoError(t, err)

	shadow := testRecord("r3", "pool-a")
	shadow.IsAssigned = true
	_, err = store.Create(ctx, shadow)
	require.NoError(t, err)

	counts := store.CountPool(ctx, "pool-a")
	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, 2, counts.Unassigned)
	assert.Equal(t, 1, counts.ReadyUnassigned)
}

func TestStore_IndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	ctx := context.Background()

	warm := testRecord("r1", "pool-a")
	warm.IsReady = true
	_, err = store.Create(ctx, warm)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.ReadyUnassigned(ctx, "pool-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.ID)
}
