// Package jobs runs the broker's recurring watchers: queue reconciliation,
// pool sizing, pool state reporting, and orphan cleanup. Each tick is lease
// guarded so only one instance in the fleet runs a given watcher at a time.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/envpool/broker/lease"
	"github.com/envpool/broker/telemetry"
)

const leaseContainer = "jobs"

// Job is one recurring watcher.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner ticks a set of jobs until the context ends.
type Runner struct {
	leases *lease.Manager
	logger zerolog.Logger
	jobs   []Job
}

// NewRunner wires the job runner.
func NewRunner(leases *lease.Manager, logger zerolog.Logger, jobs ...Job) *Runner {
	return &Runner{
		leases: leases,
		logger: logger.With().Str("component", "jobs").Logger(),
		jobs:   jobs,
	}
}

// Start runs all jobs until ctx is cancelled. Every job fires once
// immediately, then on its interval. Job failures are logged, never fatal:
// the next tick retries.
func (r *Runner) Start(ctx context.Context) error {
	for _, job := range r.jobs {
		go func(job Job) {
			r.tick(ctx, job)
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.tick(ctx, job)
				}
			}
		}(job)
	}

	<-ctx.Done()
	return ctx.Err()
}

// tick runs one guarded iteration. The lease TTL matches the interval, so
// a successful claim keeps every other instance out until the next tick.
func (r *Runner) tick(ctx context.Context, job Job) {
	held, err := r.leases.Obtain(ctx, leaseContainer, job.Name, job.Interval)
	if err != nil {
		r.logger.Error().Ctx(ctx).Err(err).Str("job", job.Name).Msg("failed to obtain job lease")
		return
	}
	if held == nil {
		r.logger.Debug().Ctx(ctx).Str("job", job.Name).Msg("job lease held elsewhere, skipping")
		return
	}

	_ = telemetry.OperationScope(ctx, &r.logger, job.Name, job.Run)
}
