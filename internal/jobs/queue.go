// Package jobs runs crawl runs from a durable queue held in the store.
package jobs

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/internal/store"
)

// Queue enqueues crawl runs as pending rows. The rows are the queue, so a
// restart loses nothing.
type Queue struct {
	store store.Store
	job   string
	wake  chan struct{}
}

// NewQueue creates a Queue for job (model.DefaultJob when empty).
func NewQueue(st store.Store, job string) *Queue {
	if job == "" {
		job = model.DefaultJob
	}
	return &Queue{store: st, job: job, wake: make(chan struct{}, 1)}
}

// Job returns the queue's job name.
func (q *Queue) Job() string { return q.job }

// Enqueue validates req, records a pending run and wakes the worker.
func (q *Queue) Enqueue(ctx context.Context, req model.CrawlRequest) (*model.CrawlRun, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	run, err := q.store.CreateRun(ctx, q.job, req)
	if err != nil {
		return nil, eris.Wrap(err, "jobs: enqueue")
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return run, nil
}

// Wake returns the channel signalled on every enqueue.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// ValidateRequest rejects requests that can never produce a valid window.
func ValidateRequest(req model.CrawlRequest) error {
	if req.DateFrom != nil && req.DateTo != nil && model.Day(*req.DateTo).Before(model.Day(*req.DateFrom)) {
		return eris.Errorf("jobs: date_to %s is before date_from %s",
			req.DateTo.Format(model.DateLayout), req.DateFrom.Format(model.DateLayout))
	}
	for _, cik := range req.CIKs {
		if model.NormalizeCIK(cik) == "" {
			return eris.Errorf("jobs: invalid cik %q", cik)
		}
	}
	return nil
}
