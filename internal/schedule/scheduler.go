// Package schedule runs periodic maintenance jobs on cron expressions:
// reclaiming expired queue leases, refreshing queue gauges, and re-enqueueing
// research for outputs that have gone stale.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one named maintenance task. Run must be safe to call repeatedly;
// the scheduler guarantees runs of the same job never overlap.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Default schedules used by the serve command.
const (
	DefaultReaperSpec    = "* * * * *"
	DefaultGaugeSpec     = "* * * * *"
	DefaultRefresherSpec = "0 * * * *"
)

// Scheduler drives jobs with standard five-field cron expressions.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
	ctx  context.Context
}

// New returns a stopped Scheduler. Call Add for each job, then Start.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron: cron.New(cron.WithParser(parser)),
		log:  log,
	}
}

// Add schedules a job on the given cron spec.
func (s *Scheduler) Add(job Job, spec string) error {
	if _, err := s.cron.AddFunc(spec, s.wrap(job)); err != nil {
		return fmt.Errorf("schedule: add %s (%q): %w", job.Name(), spec, err)
	}
	s.log.Info("job scheduled", "job", job.Name(), "spec", spec)
	return nil
}

// Start begins firing jobs. ctx is handed to every job run.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// wrap serializes runs of one job: a firing that lands while the previous
// run is still going is skipped, not queued.
func (s *Scheduler) wrap(job Job) func() {
	var running atomic.Bool
	return func() {
		if !running.CompareAndSwap(false, true) {
			s.log.Info("job skipped: still running", "job", job.Name())
			return
		}
		defer running.Store(false)

		ctx := s.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			s.log.Error("job failed", "job", job.Name(), "error", err,
				"duration", time.Since(start).Round(time.Millisecond))
			return
		}
		s.log.Debug("job finished", "job", job.Name(),
			"duration", time.Since(start).Round(time.Millisecond))
	}
}
