// Package runlog tracks the lifecycle and counters of one crawl run.
package runlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/metrics"
	"github.com/sells-group/mining-intel/internal/model"
)

// DefaultProgressEvery is how many ticks pass between counter flushes.
const DefaultProgressEvery = 25

const finalizeTimeout = 30 * time.Second

// RunStore is the slice of the store a Tracker writes to.
type RunStore interface {
	ClaimRun(ctx context.Context, runID string, window model.DateRange) (*model.CrawlRun, error)
	UpdateRunProgress(ctx context.Context, runID string, counters model.RunCounters) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, counters model.RunCounters, errMsg string) error
}

// Options configures a Tracker.
type Options struct {
	ProgressEvery int
	Metrics       *metrics.Metrics
}

// Tracker owns the status transitions of one CrawlRun. Counter methods are
// safe for concurrent use by crawl workers.
type Tracker struct {
	store         RunStore
	metrics       *metrics.Metrics
	progressEvery int64

	checked  atomic.Int64
	found    atomic.Int64
	imported atomic.Int64
	failed   atomic.Int64
	ticks    atomic.Int64

	mu       sync.Mutex
	run      model.CrawlRun
	finished bool
	log      *zap.Logger
}

// New creates a Tracker for a pending run. Counters start at zero whatever
// the run carries, so a requeued run is not counted twice.
func New(st RunStore, run *model.CrawlRun, opts Options) *Tracker {
	every := opts.ProgressEvery
	if every <= 0 {
		every = DefaultProgressEvery
	}
	t := &Tracker{
		store:         st,
		metrics:       opts.Metrics,
		progressEvery: int64(every),
		run:           *run,
		log:           zap.L().With(zap.String("component", "runlog"), zap.String("run_id", run.ID)),
	}
	return t
}

// Start moves the run from pending to running for the given window.
func (t *Tracker) Start(ctx context.Context, window model.DateRange) error {
	claimed, err := t.store.ClaimRun(ctx, t.run.ID, window)
	if err != nil {
		return eris.Wrapf(err, "runlog: start run %s", t.run.ID)
	}
	t.mu.Lock()
	t.run = *claimed
	t.mu.Unlock()
	t.metrics.RunStarted()
	t.log.Info("run started",
		zap.String("job", claimed.Job),
		zap.String("window", window.String()),
	)
	return nil
}

func (t *Tracker) AddChecked(n int64)  { t.checked.Add(n) }
func (t *Tracker) AddFound(n int64)    { t.found.Add(n) }
func (t *Tracker) AddImported(n int64) { t.imported.Add(n) }
func (t *Tracker) AddFailed(n int64)   { t.failed.Add(n) }

// Counters returns a snapshot of the in-memory counters.
func (t *Tracker) Counters() model.RunCounters {
	return model.RunCounters{
		Checked:  t.checked.Load(),
		Found:    t.found.Load(),
		Imported: t.imported.Load(),
		Failed:   t.failed.Load(),
	}
}

// Run returns a snapshot of the tracked run with current counters.
func (t *Tracker) Run() model.CrawlRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.run
	r.Counters = t.Counters()
	return r
}

// Tick marks one processed item and flushes counters every ProgressEvery
// ticks. Flush failures are logged, not returned; the final counters are
// written on finish regardless.
func (t *Tracker) Tick(ctx context.Context) {
	if t.ticks.Add(1)%t.progressEvery != 0 {
		return
	}
	if err := t.Flush(ctx); err != nil {
		t.log.Warn("runlog: progress flush failed", zap.Error(err))
	}
}

// Flush writes the current counters to the store.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return nil
	}
	return t.store.UpdateRunProgress(ctx, t.run.ID, t.Counters())
}

// Complete finishes the run as completed.
func (t *Tracker) Complete(ctx context.Context) error {
	return t.finish(ctx, model.RunStatusCompleted, "")
}

// Fail finishes the run as failed with err's message.
func (t *Tracker) Fail(ctx context.Context, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.finish(ctx, model.RunStatusFailed, msg)
}

// Cancel finishes the run as cancelled.
func (t *Tracker) Cancel(ctx context.Context, reason string) error {
	return t.finish(ctx, model.RunStatusCancelled, reason)
}

// finish records the terminal state exactly once. It writes through a
// context detached from ctx so a cancelled run still reaches the store.
func (t *Tracker) finish(ctx context.Context, status model.RunStatus, msg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return nil
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	counters := t.Counters()
	if err := t.store.FinishRun(fctx, t.run.ID, status, counters, msg); err != nil {
		return eris.Wrapf(err, "runlog: finish run %s as %s", t.run.ID, status)
	}

	now := time.Now().UTC()
	t.finished = true
	t.run.Status = status
	t.run.Counters = counters
	t.run.ErrorMessage = msg
	t.run.CompletedAt = &now

	if t.run.StartedAt != nil {
		t.metrics.RunFinished(status, now.Sub(*t.run.StartedAt))
	}

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int64("checked", counters.Checked),
		zap.Int64("found", counters.Found),
		zap.Int64("imported", counters.Imported),
		zap.Int64("failed", counters.Failed),
	}
	if msg != "" {
		fields = append(fields, zap.String("error", msg))
	}
	t.log.Info("run finished", fields...)
	return nil
}
