// Package scheduler runs the background sweeps: draining the ledger
// outbox, shipping audit events to the sink, pruning expired audit events
// and checking the ownership invariant. Each job runs on its own ticker and
// can also be triggered on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"captable/internal/logger"
	"captable/internal/metrics"
)

// Job is a named unit of background work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs a fixed set of jobs on independent tickers.
type Scheduler struct {
	jobs []Job
}

// New creates a Scheduler. Jobs with a non-positive interval are kept for
// on-demand runs but never scheduled.
func New(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

// Jobs returns the registered jobs.
func (s *Scheduler) Jobs() []Job {
	return s.jobs
}

// Lookup returns the job with the given name.
func (s *Scheduler) Lookup(name string) (Job, bool) {
	for _, j := range s.jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

// Start runs every scheduled job until ctx is cancelled. A failing run is
// logged and counted; it never stops the ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			continue
		}
		g.Go(func() error {
			return loop(ctx, job)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func loop(ctx context.Context, job Job) error {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	logger.Get().Infow("scheduler job started", "job", job.Name, "interval", job.Interval)
	for {
		select {
		case <-ticker.C:
			_ = RunOnce(ctx, job)
		case <-ctx.Done():
			logger.Get().Infow("scheduler job stopped", "job", job.Name)
			return ctx.Err()
		}
	}
}

// RunOnce executes job a single time, recovering from panics and recording
// the outcome.
func RunOnce(ctx context.Context, job Job) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		result := "success"
		if err != nil {
			result = "error"
			logger.Get().Errorw("scheduler job failed",
				"job", job.Name,
				"duration", time.Since(start),
				"error", err,
			)
		} else {
			logger.Get().Debugw("scheduler job finished",
				"job", job.Name,
				"duration", time.Since(start),
			)
		}
		metrics.JobRuns.WithLabelValues(job.Name, result).Inc()
	}()
	return job.Run(ctx)
}
