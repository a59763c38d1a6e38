package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/envpool/broker/continuation"
	"github.com/envpool/broker/request"
	"github.com/envpool/broker/storage"
	"github.com/envpool/broker/types"
)

// Watchers builds the broker's recurring jobs.
type Watchers struct {
	store    *storage.Store
	provider *request.QueueProvider
	ops      *continuation.Operations
	defs     types.PoolDefinitionStore
	logger   zerolog.Logger

	poolTotal      metric.Int64Gauge
	poolReady      metric.Int64Gauge
	poolUnassigned metric.Int64Gauge
	poolPending    metric.Int64Gauge
}

// NewWatchers wires the watcher set and its gauges.
func NewWatchers(store *storage.Store, provider *request.QueueProvider, ops *continuation.Operations, defs types.PoolDefinitionStore, logger zerolog.Logger) (*Watchers, error) {
	meter := otel.Meter("broker/jobs")

	poolTotal, err := meter.Int64Gauge("broker.pool.total",
		metric.WithDescription("Records in the pool"))
	if err != nil {
		return nil, err
	}
	poolReady, err := meter.Int64Gauge("broker.pool.ready_unassigned",
		metric.WithDescription("Warm supply available for allocation"))
	if err != nil {
		return nil, err
	}
	poolUnassigned, err := meter.Int64Gauge("broker.pool.unassigned",
		metric.WithDescription("Records not yet handed to a caller"))
	if err != nil {
		return nil, err
	}
	poolPending, err := meter.Int64Gauge("broker.pool.pending_requests",
		metric.WithDescription("Queued allocation requests"))
	if err != nil {
		return nil, err
	}

	return &Watchers{
		store:          store,
		provider:       provider,
		ops:            ops,
		defs:           defs,
		logger:         logger.With().Str("component", "watchers").Logger(),
		poolTotal:      poolTotal,
		poolReady:      poolReady,
		poolUnassigned: poolUnassigned,
		poolPending:    poolPending,
	}, nil
}

// WatchPoolQueues reconciles the per-pool request queues.
func (w *Watchers) WatchPoolQueues(ctx context.Context) error {
	return w.provider.UpdatePoolQueues(ctx)
}

// WatchPoolSize tops pools up to their target: one create continuation per
// missing resource. Queued requests count as extra demand.
func (w *Watchers) WatchPoolSize(ctx context.Context) error {
	pools, err := w.defs.Retrieve(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for i := range pools {
		pool := &pools[i]
		if !pool.Enabled {
			continue
		}

		counts := w.store.CountPool(ctx, pool.PoolCode())
		pending, err := w.provider.PendingRequestCount(ctx, pool.PoolCode())
		if err != nil {
			pending = 0
		}

		deficit := pool.TargetCount + pending - counts.Unassigned
		for n := 0; n < deficit; n++ {
			if _, err := w.ops.Create(ctx, pool, "WatchPoolSize"); err != nil {
				errs = append(errs, fmt.Errorf("pool %s: %w", pool.PoolCode(), err))
				break
			}
		}
		if deficit > 0 {
			w.logger.Info().Ctx(ctx).
				Str("pool_code", pool.PoolCode()).
				Int("deficit", deficit).
				Int("pending_requests", pending).
				Msg("topping up pool")
		}
	}
	return errors.Join(errs...)
}

// WatchPoolState reports pool supply levels to the logs and gauges.
func (w *Watchers) WatchPoolState(ctx context.Context) error {
	pools, err := w.defs.Retrieve(ctx)
	if err != nil {
		return err
	}

	for i := range pools {
		pool := &pools[i]
		if !pool.Enabled {
			continue
		}

		counts := w.store.CountPool(ctx, pool.PoolCode())
		pending, err := w.provider.PendingRequestCount(ctx, pool.PoolCode())
		if err != nil {
			pending = 0
		}

		attrs := metric.WithAttributes(attribute.String("pool_code", pool.PoolCode()))
		w.poolTotal.Record(ctx, int64(counts.Total), attrs)
		w.poolReady.Record(ctx, int64(counts.ReadyUnassigned), attrs)
		w.poolUnassigned.Record(ctx, int64(counts.Unassigned), attrs)
		w.poolPending.Record(ctx, int64(pending), attrs)

		w.logger.Info().Ctx(ctx).
			Str("pool_code", pool.PoolCode()).
			Int("total", counts.Total).
			Int("ready_unassigned", counts.ReadyUnassigned).
			Int("unassigned", counts.Unassigned).
			Int("pending_requests", pending).
			Int("target", pool.TargetCount).
			Msg("pool state")
	}
	return nil
}

// WatchOrphanedPoolResources deletes unassigned records whose pool is no
// longer defined, and retires the removed pools' request queues.
func (w *Watchers) WatchOrphanedPoolResources(ctx context.Context) error {
	pools, err := w.defs.Retrieve(ctx)
	if err != nil {
		return err
	}

	defined := make(map[string]bool, len(pools))
	queueCodes := make(map[string]bool, len(pools))
	for i := range pools {
		defined[pools[i].PoolCode()] = true
		queueCodes[pools[i].PoolQueueCode()] = true
	}

	var orphans []*types.ResourceRecord
	err = w.store.List(ctx, func(record *types.ResourceRecord) bool {
		if record.PoolReference == nil || record.IsDeleted {
			return true
		}
		switch {
		case record.Type == types.ResourceTypePoolQueue:
			if !queueCodes[record.PoolReference.Code] {
				orphans = append(orphans, record)
			}
		case !defined[record.PoolCode()] && !record.IsAssigned:
			orphans = append(orphans, record)
		}
		return true
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, record := range orphans {
		if record.Type == types.ResourceTypePoolQueue {
			poolCode := strings.TrimSuffix(record.PoolReference.Code, "-queue")
			if _, err := w.provider.DeletePoolQueue(ctx, poolCode); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if _, err := w.ops.Delete(ctx, record.ID, "WatchOrphanedPoolResources"); err != nil {
			errs = append(errs, err)
			continue
		}
		w.logger.Info().Ctx(ctx).
			Str("resource_id", record.ID).
			Str("pool_code", record.PoolCode()).
			Msg("deleting orphaned pool resource")
	}
	return errors.Join(errs...)
}
