package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envpool/broker/config"
	"github.com/envpool/broker/continuation"
	"github.com/envpool/broker/lease"
	"github.com/envpool/broker/queue"
	"github.com/envpool/broker/request"
	"github.com/envpool/broker/storage"
	"github.com/envpool/broker/types"
	"github.com/envpool/broker/wal"
)

type nopHealth struct{}

func (nopHealth) MarkUnhealthy(error) {}

type fakeActivator struct {
	targets []continuation.Target
}

func (f *fakeActivator) Execute(ctx context.Context, target continuation.Target, input any, key string, props map[string]string) (*continuation.Result, error) {
	f.targets = append(f.targets, target)
	return &continuation.Result{ContinuationID: "c-1", Status: continuation.StatusQueued}, nil
}

func testPool() types.ResourcePool {
	return types.ResourcePool{
		Type: types.ResourceTypeComputeVM,
		Details: types.PoolDetails{
			Location: "westus2",
			SkuName:  "standard-d4",
			OS:       types.ComputeOSLinux,
		},
		TargetCount: 2,
		Enabled:     true,
	}
}

type watcherEnv struct {
	watchers  *Watchers
	store     *storage.Store
	requests  *request.Manager
	activator *fakeActivator
	leases    *lease.Manager
	pool      types.ResourcePool
}

func newWatcherEnv(t *testing.T, pools []types.ResourcePool) *watcherEnv {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.Nop()

	store, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	queues, err := queue.OpenBolt(dir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = queues.Close() })

	leases, err := lease.Open(dir, "instance-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = leases.Close() })

	journal, err := wal.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	defs := config.NewHydratedPoolStore(pools)
	flags := config.NewStaticFlags(nil)

	provider := request.NewQueueProvider(queues, store, defs, leases, nopHealth{}, logger)
	require.NoError(t, provider.UpdatePoolQueues(context.Background()))

	requests := request.NewManager(store, provider, flags, journal, logger)

	activator := &fakeActivator{}
	ops := continuation.NewOperations(store, activator, flags, journal, logger)

	watchers, err := NewWatchers(store, provider, ops, defs, logger)
	require.NoError(t, err)

	env := &watcherEnv{
		watchers:  watchers,
		store:     store,
		requests:  requests,
		activator: activator,
		leases:    leases,
	}
	if len(pools) > 0 {
		env.pool = pools[0]
	}
	return env
}

func (e *watcherEnv) createCount() int {
	count := 0
	for _, target := range e.activator.targets {
		if target == continuation.TargetCreateResource {
			count++
		}
	}
	return count
}

func TestWatchPoolSize_TopsUpToTarget(t *testing.T) {
	env := newWatcherEnv(t, []types.ResourcePool{testPool()})

	require.NoError(t, env.watchers.WatchPoolSize(context.Background()))
	assert.Equal(t, 2, env.createCount())

	// The created records count as supply, so a second pass is a no-op.
	require.NoError(t, env.watchers.WatchPoolSize(context.Background()))
	assert.Equal(t, 2, env.createCount())
}

func TestWatchPoolSize_QueuedRequestsAddDemand(t *testing.T) {
	pool := testPool()
	env := newWatcherEnv(t, []types.ResourcePool{pool})

	_, err := env.requests.Enqueue(context.Background(), &pool, nil)
	require.NoError(t, err)

	require.NoError(t, env.watchers.WatchPoolSize(context.Background()))
	assert.Equal(t, 3, env.createCount())
}

func TestWatchPoolState_Reports(t *testing.T) {
	env := newWatcherEnv(t, []types.ResourcePool{testPool()})
	require.NoError(t, env.watchers.WatchPoolState(context.Background()))
}

func TestWatchOrphanedPoolResources(t *testing.T) {
	pool := testPool()
	env := newWatcherEnv(t, []types.ResourcePool{pool})

	// A record in a pool that is no longer defined.
	orphan := types.NewResourceRecord("orphan-1", types.ResourceTypeComputeVM, "eastus", "old-sku",
		&types.PoolReference{Code: "gone-pool"})
	_, err := env.store.Create(context.Background(), orphan)
	require.NoError(t, err)

	// An assigned record in the same dead pool must survive.
	kept := types.NewResourceRecord("kept-1", types.ResourceTypeComputeVM, "eastus", "old-sku",
		&types.PoolReference{Code: "gone-pool"})
	kept.IsAssigned = true
	_, err = env.store.Create(context.Background(), kept)
	require.NoError(t, err)

	// A record in the live pool must survive.
	live := types.NewResourceRecord("live-1", pool.Type, pool.Details.Location, pool.Details.SkuName, pool.PoolReference())
	_, err = env.store.Create(context.Background(), live)
	require.NoError(t, err)

	require.NoError(t, env.watchers.WatchOrphanedPoolResources(context.Background()))

	require.Len(t, env.activator.targets, 1)
	assert.Equal(t, continuation.TargetDeleteResource, env.activator.targets[0])

	stored, err := env.store.Get(context.Background(), "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, types.OperationStateInitialized, stored.DeletingStatus)
}

func TestWatchOrphanedPoolResources_RetiresDeadPoolQueue(t *testing.T) {
	env := newWatcherEnv(t, []types.ResourcePool{testPool()})

	dead := types.NewResourceRecord("pq-dead", types.ResourceTypePoolQueue, "eastus", "old-sku",
		&types.PoolReference{Code: "gone-pool-queue"})
	dead.CloudResource = &types.CloudResourceInfo{Name: "gone-pool-queue"}
	_, err := env.store.Create(context.Background(), dead)
	require.NoError(t, err)

	require.NoError(t, env.watchers.WatchOrphanedPoolResources(context.Background()))

	record, err := env.store.GetPoolQueueRecord(context.Background(), "gone-pool-queue")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestRunner_RunsJobImmediately(t *testing.T) {
	env := newWatcherEnv(t, nil)

	ran := make(chan struct{}, 1)
	runner := NewRunner(env.leases, zerolog.Nop(), Job{
		Name:     "test-job",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Start(ctx) }()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
