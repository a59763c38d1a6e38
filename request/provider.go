// Package request implements queued allocation: when a pool has no warm
// supply, the broker parks a shadow record on the pool's request queue and
// fulfils it as resources become ready.
package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/envpool/broker/continuation"
	"github.com/envpool/broker/lease"
	"github.com/envpool/broker/queue"
	"github.com/envpool/broker/storage"
	"github.com/envpool/broker/types"
)

// Health receives fatal conditions that should fail the instance's
// health probe.
type Health interface {
	MarkUnhealthy(err error)
}

const (
	leaseContainer = "pool-queues"
	leaseTTL       = 2 * time.Minute
)

// QueueProvider owns the per-pool request queues: it creates them from the
// pool definitions, persists their identity as PoolQueue records, and hands
// out live queue handles to the request manager.
type QueueProvider struct {
	queues queue.Provider
	store  *storage.Store
	defs   types.PoolDefinitionStore
	leases *lease.Manager
	health Health
	logger zerolog.Logger

	mu          sync.RWMutex
	cache       map[string]queue.Queue
	initialized atomic.Bool
}

// NewQueueProvider wires the pool queue provider.
func NewQueueProvider(queues queue.Provider, store *storage.Store, defs types.PoolDefinitionStore, leases *lease.Manager, health Health, logger zerolog.Logger) *QueueProvider {
	return &QueueProvider{
		queues: queues,
		store:  store,
		defs:   defs,
		leases: leases,
		health: health,
		logger: logger.With().Str("component", "request-queues").Logger(),
		cache:  make(map[string]queue.Queue),
	}
}

// UpdatePoolQueues reconciles the request queues against the current pool
// definitions. A failed definition retrieve is fatal: without definitions
// the instance cannot route requests and must stop taking traffic.
func (p *QueueProvider) UpdatePoolQueues(ctx context.Context) error {
	pools, err := p.defs.Retrieve(ctx)
	if err != nil {
		err = fmt.Errorf("failed to retrieve pool definitions: %w", err)
		p.health.MarkUnhealthy(err)
		return err
	}

	var errs []error
	for i := range pools {
		pool := &pools[i]
		if !pool.Enabled {
			continue
		}
		if err := p.ensurePoolQueue(ctx, pool); err != nil {
			if errors.Is(err, types.ErrPoolQueueMismatch) {
				p.health.MarkUnhealthy(err)
			}
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	p.initialized.Store(true)
	return nil
}

// Initialized reports whether the queues have been reconciled at least once.
func (p *QueueProvider) Initialized() bool {
	return p.initialized.Load()
}

func (p *QueueProvider) ensurePoolQueue(ctx context.Context, pool *types.ResourcePool) error {
	code := pool.PoolQueueCode()

	q, created, err := p.queues.CreateIfNotExists(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to create queue for pool %s: %w", pool.PoolCode(), err)
	}
	if created {
		p.logger.Info().Ctx(ctx).
			Str("pool_code", pool.PoolCode()).
			Str("queue", q.Name()).
			Msg("created pool request queue")
	}

	if err := p.ensurePoolQueueRecord(ctx, pool, q); err != nil {
		return err
	}

	p.mu.Lock()
	p.cache[code] = q
	p.mu.Unlock()
	return nil
}

// ensurePoolQueueRecord persists the queue's identity so every instance
// agrees which cloud queue serves the pool. Creation is lease guarded;
// losing the lease means another instance is writing the same record.
func (p *QueueProvider) ensurePoolQueueRecord(ctx context.Context, pool *types.ResourcePool, q queue.Queue) error {
	code := pool.PoolQueueCode()

	existing, err := p.store.GetPoolQueueRecord(ctx, code)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.CloudResource == nil || existing.CloudResource.Name != q.Name() {
			return fmt.Errorf("%w: pool %s record names %q, live queue is %q",
				types.ErrPoolQueueMismatch, pool.PoolCode(), recordQueueName(existing), q.Name())
		}
		return nil
	}

	held, err := p.leases.Obtain(ctx, leaseContainer, code, leaseTTL)
	if err != nil {
		return err
	}
	if held == nil {
		p.logger.Debug().Ctx(ctx).
			Str("pool_code", pool.PoolCode()).
			Msg("pool queue record held by another instance, skipping")
		return nil
	}
	defer func() { _ = held.Release() }()

	now := time.Now().UTC()
	record := types.NewResourceRecord(uuid.NewString(), types.ResourceTypePoolQueue,
		pool.Details.Location, pool.Details.SkuName,
		&types.PoolReference{Code: code, Dimensions: pool.Dimensions()})
	record.IsReady = true
	record.Ready = now
	record.ProvisioningStatus = types.OperationStateSucceeded
	record.ProvisioningStatusChanged = now
	record.CloudResource = &types.CloudResourceInfo{Name: q.Name()}

	if _, err := p.store.Create(ctx, record); err != nil {
		return fmt.Errorf("failed to persist pool queue record: %w", err)
	}
	return nil
}

func recordQueueName(record *types.ResourceRecord) string {
	if record.CloudResource == nil {
		return ""
	}
	return record.CloudResource.Name
}

// GetPoolQueue returns the live queue for a pool, or false when the
// provider is not initialized or the pool has no usable queue.
func (p *QueueProvider) GetPoolQueue(ctx context.Context, poolCode string) (queue.Queue, bool) {
	if !p.initialized.Load() {
		return nil, false
	}

	code := types.PoolQueueCode(poolCode)

	p.mu.RLock()
	q, ok := p.cache[code]
	p.mu.RUnlock()
	if ok {
		return q, true
	}
	return p.tryPopulateFromRecord(ctx, code)
}

// tryPopulateFromRecord recovers a queue handle from the persisted record,
// covering queues another instance created after our last reconcile.
func (p *QueueProvider) tryPopulateFromRecord(ctx context.Context, code string) (queue.Queue, bool) {
	record, err := p.store.GetPoolQueueRecord(ctx, code)
	if err != nil || record == nil || !record.IsReady || record.CloudResource == nil {
		return nil, false
	}

	q, err := p.queues.Open(ctx, record.CloudResource.Name)
	if err != nil {
		p.logger.Warn().Ctx(ctx).
			Err(err).
			Str("queue", record.CloudResource.Name).
			Msg("pool queue record names a queue that cannot be opened")
		return nil, false
	}

	p.mu.Lock()
	p.cache[code] = q
	p.mu.Unlock()
	return q, true
}

// PendingRequestCount reports the approximate queued request backlog.
func (p *QueueProvider) PendingRequestCount(ctx context.Context, poolCode string) (int, error) {
	q, ok := p.GetPoolQueue(ctx, poolCode)
	if !ok {
		return 0, types.ErrNotInitialized
	}
	return q.ApproximateCount(ctx)
}

// DeletePoolQueue removes the pool's queue and its identity record.
func (p *QueueProvider) DeletePoolQueue(ctx context.Context, poolCode string) (*continuation.Result, error) {
	code := types.PoolQueueCode(poolCode)

	record, err := p.store.GetPoolQueueRecord(ctx, code)
	if err != nil {
		return nil, err
	}

	if _, err := p.queues.DeleteIfExists(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to delete queue for pool %s: %w", poolCode, err)
	}
	if record != nil {
		if err := p.store.Delete(ctx, record.ID); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	delete(p.cache, code)
	p.mu.Unlock()

	return &continuation.Result{Status: continuation.StatusSucceeded}, nil
}
