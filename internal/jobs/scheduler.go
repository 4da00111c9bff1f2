package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/model"
)

// Scheduler enqueues refresh runs on a cron schedule.
type Scheduler struct {
	cron  *cron.Cron
	queue *Queue
	spec  string
}

// NewScheduler parses spec (standard five-field cron, or descriptors such as
// "@daily") and registers the refresh job.
func NewScheduler(q *Queue, spec string) (*Scheduler, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	s := &Scheduler{cron: c, queue: q, spec: spec}
	if _, err := c.AddFunc(spec, s.Tick); err != nil {
		return nil, eris.Wrapf(err, "jobs: parse schedule %q", spec)
	}
	return s, nil
}

// Tick enqueues one refresh run unless one is already waiting.
func (s *Scheduler) Tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log := zap.L().With(zap.String("component", "jobs.scheduler"))

	pending, err := s.queue.store.NextPendingRun(ctx, s.queue.Job())
	if err != nil {
		log.Error("jobs: scheduler check pending", zap.Error(err))
		return
	}
	if pending != nil {
		log.Info("refresh already queued, skipping", zap.String("run_id", pending.ID))
		return
	}

	run, err := s.queue.Enqueue(ctx, model.CrawlRequest{Refresh: true})
	if err != nil {
		log.Error("jobs: scheduler enqueue refresh", zap.Error(err))
		return
	}
	log.Info("scheduled refresh run", zap.String("run_id", run.ID))
}

// Start begins firing the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	zap.L().Info("scheduler started", zap.String("schedule", s.spec))
}

// Stop halts the schedule and returns a context done when a running tick ends.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Next returns the next fire time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now())
}
