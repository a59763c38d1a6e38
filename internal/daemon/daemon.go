// Package daemon is the composition root: it wires the stores, queues,
// managers, and watchers into one running broker instance.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/run"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/envpool/broker/broker"
	"github.com/envpool/broker/config"
	"github.com/envpool/broker/continuation"
	"github.com/envpool/broker/heartbeat"
	"github.com/envpool/broker/jobs"
	"github.com/envpool/broker/lease"
	"github.com/envpool/broker/pool"
	"github.com/envpool/broker/queue"
	"github.com/envpool/broker/request"
	"github.com/envpool/broker/state"
	"github.com/envpool/broker/storage"
	"github.com/envpool/broker/telemetry"
	"github.com/envpool/broker/types"
	"github.com/envpool/broker/wal"
)

// Daemon is one broker instance.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	store      *storage.Store
	queues     queue.Provider
	leases     *lease.Manager
	journal    *wal.WAL
	provider   *request.QueueProvider
	broker     *broker.Broker
	heartbeats *heartbeat.Manager
	runner     *jobs.Runner
	metrics    *metrics

	meterProvider *sdkmetric.MeterProvider
	registry      *promclient.Registry
	unhealthy     atomic.Pointer[error]
	closers       []io.Closer
	startTime     time.Time
}

// New wires a daemon from config. Secrets may be nil.
func New(ctx context.Context, cfg *config.Config, secrets broker.SecretManager, logger zerolog.Logger) (*Daemon, error) {
	d := &Daemon{cfg: cfg, logger: logger, startTime: time.Now()}

	meterProvider, registry, err := telemetry.InitMetrics()
	if err != nil {
		return nil, err
	}
	d.meterProvider = meterProvider
	d.registry = registry

	d.metrics, err = newMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	d.store, err = storage.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, d.store)

	if err := d.openQueues(ctx); err != nil {
		d.close()
		return nil, err
	}

	hostname, _ := os.Hostname()
	d.leases, err = lease.Open(cfg.DataDir, hostname+"-"+uuid.NewString())
	if err != nil {
		d.close()
		return nil, err
	}
	d.closers = append(d.closers, d.leases)

	d.journal, err = wal.Open(cfg.DataDir)
	if err != nil {
		d.close()
		return nil, err
	}
	d.closers = append(d.closers, d.journal)

	defs := config.NewHydratedPoolStore(cfg.Pools)
	flags := cfg.FlagReader()

	d.provider = request.NewQueueProvider(d.queues, d.store, defs, d.leases, d, logger)
	requests := request.NewManager(d.store, d.provider, flags, d.journal, logger)
	states := state.NewManager(d.store, requests, logger)
	d.heartbeats = heartbeat.NewManager(d.store, states, d.journal, logger)

	activator, err := continuation.NewQueueActivator(ctx, d.queues)
	if err != nil {
		d.close()
		return nil, err
	}
	ops := continuation.NewOperations(d.store, activator, flags, d.journal, logger)
	pools := pool.NewManager(d.store, logger)

	strategies := []broker.AllocationStrategy{
		broker.NewOSDiskResumeStrategy(d.store, ops, defs, logger),
		broker.NewBasicStrategy(d.store, pools, requests, ops, defs, logger),
	}
	d.broker = broker.New(d.store, strategies, ops, d.queues, secrets, logger)

	watchers, err := jobs.NewWatchers(d.store, d.provider, ops, defs, logger)
	if err != nil {
		d.close()
		return nil, err
	}
	d.runner = jobs.NewRunner(d.leases, logger,
		jobs.Job{Name: "watch-pool-queues", Interval: cfg.Jobs.PoolQueueInterval, Run: watchers.WatchPoolQueues},
		jobs.Job{Name: "watch-pool-size", Interval: cfg.Jobs.PoolSizeInterval, Run: watchers.WatchPoolSize},
		jobs.Job{Name: "watch-pool-state", Interval: cfg.Jobs.PoolStateInterval, Run: watchers.WatchPoolState},
		jobs.Job{Name: "watch-orphaned-pool-resources", Interval: cfg.Jobs.OrphanInterval, Run: watchers.WatchOrphanedPoolResources},
	)

	return d, nil
}

func (d *Daemon) openQueues(ctx context.Context) error {
	switch d.cfg.Provider {
	case "sqs":
		provider, err := queue.OpenSQS(ctx, d.cfg.Region, queue.DefaultVisibilityTimeout)
		if err != nil {
			return err
		}
		d.queues = provider
	default:
		provider, err := queue.OpenBolt(d.cfg.DataDir, queue.DefaultVisibilityTimeout)
		if err != nil {
			return err
		}
		d.queues = provider
		d.closers = append(d.closers, provider)
	}
	return nil
}

// MarkUnhealthy latches a fatal condition into the health probe.
func (d *Daemon) MarkUnhealthy(err error) {
	d.unhealthy.Store(&err)
	d.logger.Error().Err(err).Msg("instance marked unhealthy")
}

// Run serves the daemon until ctx ends: background watchers plus the
// metrics and health endpoint.
func (d *Daemon) Run(ctx context.Context) error {
	var g run.Group

	jobsCtx, cancelJobs := context.WithCancel(ctx)
	g.Add(func() error {
		return d.runner.Start(jobsCtx)
	}, func(error) {
		cancelJobs()
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", d.handleHealthz)
	server := &http.Server{
		Addr:              d.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Add(func() error {
		d.logger.Info().Str("addr", d.cfg.MetricsAddr).Msg("metrics server listening")
		return server.ListenAndServe()
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	g.Add(func() error {
		<-ctx.Done()
		return ctx.Err()
	}, func(error) {
		cancelJobs()
	})

	err := g.Run()
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if errp := d.unhealthy.Load(); errp != nil {
		http.Error(w, (*errp).Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Allocate hands out one resource, counting the outcome.
func (d *Daemon) Allocate(ctx context.Context, input *types.AllocateInput, reason string) (*types.AllocateResult, error) {
	result, err := d.broker.Allocate(ctx, input, reason)
	d.metrics.recordAllocation(ctx, err)
	return result, err
}

// SaveHeartBeat folds one agent heartbeat in, counting the outcome.
func (d *Daemon) SaveHeartBeat(ctx context.Context, hb *types.HeartBeat) (*types.ResourceRecord, error) {
	record, err := d.heartbeats.SaveHeartBeat(ctx, hb)
	d.metrics.recordHeartbeat(ctx, err)
	return record, err
}

// Broker exposes the full broker surface for embedding callers.
func (d *Daemon) Broker() *broker.Broker {
	return d.broker
}

// Close releases the daemon's stores and providers.
func (d *Daemon) Close() error {
	var errs []error
	if d.meterProvider != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.meterProvider.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, d.close())
	return errors.Join(errs...)
}

func (d *Daemon) close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
