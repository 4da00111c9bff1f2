package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/internal/store"
)

// DefaultPollInterval is how often the worker looks for pending runs when
// it has not been woken.
const DefaultPollInterval = 30 * time.Second

// ErrCancelledByUser is the cancellation cause for Cancel.
var ErrCancelledByUser = eris.New("jobs: cancelled by request")

// ErrNotCancellable is returned for runs owned by another process.
var ErrNotCancellable = eris.New("jobs: run is running in another process")

// Runner executes one claimed run to a terminal state.
type Runner interface {
	Run(ctx context.Context, run *model.CrawlRun) (*model.CrawlRun, error)
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	PollInterval time.Duration
}

// Worker drains the queue one run at a time.
type Worker struct {
	queue  *Queue
	store  store.Store
	runner Runner
	poll   time.Duration

	mu      sync.Mutex
	current string
	cancel  context.CancelCauseFunc
}

// NewWorker creates a Worker.
func NewWorker(q *Queue, st store.Store, r Runner, opts WorkerOptions) *Worker {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Worker{queue: q, store: st, runner: r, poll: poll}
}

// Run processes pending runs until ctx is cancelled. Runs left running by a
// previous process are put back in the queue first and crawl their recorded
// window again.
func (w *Worker) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "jobs.worker"), zap.String("job", w.queue.Job()))

	n, err := w.store.RequeueInterrupted(ctx, w.queue.Job())
	if err != nil {
		return eris.Wrap(err, "jobs: requeue interrupted runs")
	}
	if n > 0 {
		log.Warn("requeued interrupted runs", zap.Int("runs", n))
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	log.Info("worker started", zap.Duration("poll_interval", w.poll))
	for {
		w.drain(ctx, log)
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return nil
		case <-ticker.C:
		case <-w.queue.Wake():
		}
	}
}

// drain runs pending runs oldest first until none remain or one cannot be
// claimed.
func (w *Worker) drain(ctx context.Context, log *zap.Logger) {
	for ctx.Err() == nil {
		run, err := w.store.NextPendingRun(ctx, w.queue.Job())
		if err != nil {
			if ctx.Err() == nil {
				log.Error("jobs: load next pending run", zap.Error(err))
			}
			return
		}
		if run == nil {
			return
		}

		final, err := w.execute(ctx, run)
		switch {
		case errors.Is(err, store.ErrRunInProgress):
			log.Info("another run is in progress, waiting", zap.String("run_id", run.ID))
			return
		case final == nil:
			log.Error("jobs: run could not start", zap.String("run_id", run.ID), zap.Error(err))
			return
		case err != nil:
			log.Warn("run ended with error",
				zap.String("run_id", run.ID),
				zap.String("status", string(final.Status)),
				zap.Error(err),
			)
		default:
			log.Info("run finished", zap.String("run_id", run.ID), zap.String("status", string(final.Status)))
		}
	}
}

func (w *Worker) execute(ctx context.Context, run *model.CrawlRun) (*model.CrawlRun, error) {
	rctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	w.mu.Lock()
	w.current = run.ID
	w.cancel = cancel
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.current = ""
		w.cancel = nil
		w.mu.Unlock()
	}()

	return w.runner.Run(rctx, run)
}

// Current returns the ID of the run being executed, if any.
func (w *Worker) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Cancel stops a run. The in-flight run is cancelled through its context and
// records its own terminal state; a pending run is cancelled in the store
// only while it is still unclaimed.
func (w *Worker) Cancel(ctx context.Context, runID string) error {
	if w.cancelCurrent(runID) {
		return nil
	}

	run, err := w.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case model.RunStatusPending:
		err := w.store.CancelPending(ctx, runID, "cancelled before start")
		if errors.Is(err, store.ErrInvalidTransition) && w.cancelCurrent(runID) {
			// Claimed by this worker after the read above.
			return nil
		}
		return err
	case model.RunStatusRunning:
		return eris.Wrapf(ErrNotCancellable, "jobs: cancel %s", runID)
	default:
		return eris.Wrapf(store.ErrInvalidTransition, "jobs: run %s is already %s", runID, run.Status)
	}
}

func (w *Worker) cancelCurrent(runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != runID || w.cancel == nil {
		return false
	}
	w.cancel(ErrCancelledByUser)
	return true
}
