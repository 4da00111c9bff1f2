package extract

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mining-intel/internal/metrics"
	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/internal/store"
)

// DocumentStore is the part of the store the runner needs.
type DocumentStore interface {
	ListDocuments(ctx context.Context, filter store.DocumentFilter) ([]model.CandidateDocument, error)
	SaveMetrics(ctx context.Context, results []model.MetricResult) error
	MarkProcessed(ctx context.Context, documentID string) error
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Concurrency bounds documents processed in parallel. Upstream calls are
	// still gated by the shared rate limiter.
	Concurrency int
	Label       string
	Metrics     *metrics.Metrics
}

// Summary reports what a Run did.
type Summary struct {
	Documents int   `json:"documents"`
	Processed int64 `json:"processed"`
	Fields    int64 `json:"fields_found"`
	Failed    int64 `json:"failed"`
}

// Runner extracts metrics from unprocessed documents.
type Runner struct {
	store    DocumentStore
	source   TextSource
	strategy Strategy
	opts     RunnerOptions
}

// NewRunner creates a Runner.
func NewRunner(st DocumentStore, src TextSource, strat Strategy, opts RunnerOptions) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	return &Runner{store: st, source: src, strategy: strat, opts: opts}
}

// Run processes up to limit unprocessed documents, newest filings first. A
// document is marked processed only after its results are saved; documents
// whose text or extraction fails stay unprocessed for the next run.
func (r *Runner) Run(ctx context.Context, limit int) (Summary, error) {
	log := zap.L().With(zap.String("component", "extract"), zap.String("strategy", r.strategy.Name()))

	unprocessed := false
	docs, err := r.store.ListDocuments(ctx, store.DocumentFilter{
		Processed: &unprocessed,
		Label:     r.opts.Label,
		Limit:     limit,
	})
	if err != nil {
		return Summary{}, eris.Wrap(err, "extract: list unprocessed documents")
	}
	summary := Summary{Documents: len(docs)}
	if len(docs) == 0 {
		log.Info("no unprocessed documents")
		return summary, nil
	}
	log.Info("extracting documents", zap.Int("documents", len(docs)), zap.Int("concurrency", r.opts.Concurrency))

	var processed, fields, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, doc := range docs {
		g.Go(func() error {
			n, err := r.document(gctx, doc)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if errors.Is(err, errPersist) {
					return err
				}
				failed.Add(1)
				log.Warn("extract: document failed", zap.String("document_id", doc.ID), zap.String("url", doc.DocumentURL), zap.Error(err))
				return nil
			}
			processed.Add(1)
			fields.Add(int64(n))
			return nil
		})
	}
	err = g.Wait()

	summary.Processed = processed.Load()
	summary.Fields = fields.Load()
	summary.Failed = failed.Load()
	log.Info("extraction finished",
		zap.Int64("processed", summary.Processed),
		zap.Int64("fields_found", summary.Fields),
		zap.Int64("failed", summary.Failed),
	)
	return summary, err
}

var errPersist = eris.New("extract: persist results")

// document extracts one document and returns the number of fields found.
func (r *Runner) document(ctx context.Context, doc model.CandidateDocument) (int, error) {
	text, err := r.source.Text(ctx, doc.DocumentURL)
	if err != nil {
		return 0, err
	}
	results, err := r.strategy.Extract(ctx, Input{Document: doc, Text: text})
	if err != nil {
		return 0, err
	}

	found := 0
	for i := range results {
		results[i].DocumentID = doc.ID
		if results[i].Found {
			found++
		}
		r.opts.Metrics.Extracted(results[i].Field, results[i].Found)
	}
	if err := r.store.SaveMetrics(ctx, results); err != nil {
		return 0, eris.Wrapf(errPersist, "save metrics for %s: %v", doc.ID, err)
	}
	if err := r.store.MarkProcessed(ctx, doc.ID); err != nil {
		return 0, eris.Wrapf(errPersist, "mark %s processed: %v", doc.ID, err)
	}
	return found, nil
}
