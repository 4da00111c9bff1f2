// Package crawler discovers technical-report exhibits in EDGAR filings and
// records them in the store.
package crawler

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mining-intel/internal/edgar"
	"github.com/sells-group/mining-intel/internal/exhibit"
	"github.com/sells-group/mining-intel/internal/fetcher"
	"github.com/sells-group/mining-intel/internal/metrics"
	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/internal/resilience"
	"github.com/sells-group/mining-intel/internal/runlog"
	"github.com/sells-group/mining-intel/internal/store"
)

// DefaultConcurrency is the number of companies crawled in parallel.
const DefaultConcurrency = 5

// Options configures a Crawler.
type Options struct {
	// Concurrency bounds the company worker pool.
	Concurrency int
	// CIKs are the default targets when a request names none. When both
	// are empty the targets come from full-text search discovery.
	CIKs []string
	// Lookback is the window used when nothing narrower is known.
	Lookback time.Duration
	// ProgressEvery is the number of filings between counter flushes.
	ProgressEvery int
	// SkipGuesses disables filename probing for filings without a manifest.
	SkipGuesses bool

	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Crawler runs crawl jobs.
type Crawler struct {
	walker   *edgar.Walker
	detector *exhibit.Detector
	fetcher  fetcher.Fetcher
	store    store.Store
	opts     Options
}

// New creates a Crawler. The fetcher is used for filename probes and should
// share the walker client's rate limiter.
func New(w *edgar.Walker, d *exhibit.Detector, f fetcher.Fetcher, st store.Store, opts Options) *Crawler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Crawler{walker: w, detector: d, fetcher: f, store: st, opts: opts}
}

// Window resolves the crawl window for req against the store.
func (c *Crawler) Window(ctx context.Context, req model.CrawlRequest) (model.DateRange, error) {
	return ResolveWindow(ctx, c.store, req, c.opts.Now(), c.opts.Lookback)
}

// runWindow returns the window recorded when run was first claimed, so a
// run requeued after a crash covers the same days again. Fresh runs resolve
// their window from the request.
func (c *Crawler) runWindow(ctx context.Context, run *model.CrawlRun) (model.DateRange, error) {
	if run.DateFrom != nil && run.DateTo != nil {
		return model.NewDateRange(*run.DateFrom, *run.DateTo), nil
	}
	return c.Window(ctx, run.Request)
}

// Run executes a pending run to a terminal state and returns the final run.
// A run that cannot be claimed (another run of the job is running) is left
// untouched and the claim error is returned. Cancelling ctx finishes the
// run as cancelled.
func (c *Crawler) Run(ctx context.Context, run *model.CrawlRun) (*model.CrawlRun, error) {
	tr := runlog.New(c.store, run, runlog.Options{
		ProgressEvery: c.opts.ProgressEvery,
		Metrics:       c.opts.Metrics,
	})

	window, err := c.runWindow(ctx, run)
	if err != nil {
		if ferr := tr.Fail(ctx, err); ferr != nil {
			zap.L().Error("crawler: record failed run", zap.String("run_id", run.ID), zap.Error(ferr))
		}
		final := tr.Run()
		return &final, err
	}

	if err := tr.Start(ctx, window); err != nil {
		return nil, err
	}

	crawlErr := c.crawl(ctx, tr, run.Request, window)

	var finishErr error
	switch {
	case crawlErr == nil:
		finishErr = tr.Complete(ctx)
	case ctx.Err() != nil:
		finishErr = tr.Cancel(ctx, "cancelled: "+context.Cause(ctx).Error())
		crawlErr = ctx.Err()
	default:
		finishErr = tr.Fail(ctx, crawlErr)
	}

	final := tr.Run()
	if finishErr != nil {
		return &final, errors.Join(crawlErr, finishErr)
	}
	return &final, crawlErr
}

// crawl fans out across target companies. Only fatal errors are returned.
func (c *Crawler) crawl(ctx context.Context, tr *runlog.Tracker, req model.CrawlRequest, window model.DateRange) error {
	log := zap.L().With(zap.String("component", "crawler"), zap.String("run_id", tr.Run().ID))

	if window.Empty() {
		log.Info("crawl window is empty, nothing to do", zap.String("window", window.String()))
		return nil
	}

	targets, err := c.targets(ctx, req, window)
	if err != nil {
		return err
	}
	log.Info("crawling companies",
		zap.Int("companies", len(targets)),
		zap.String("window", window.String()),
		zap.Int("concurrency", c.opts.Concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, cik := range targets {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return c.company(gctx, tr, cik, window)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// targets returns the normalised, de-duplicated CIKs to crawl.
func (c *Crawler) targets(ctx context.Context, req model.CrawlRequest, window model.DateRange) ([]string, error) {
	raw := req.CIKs
	if len(raw) == 0 {
		raw = c.opts.CIKs
	}
	if len(raw) == 0 {
		discovered, err := c.walker.Discover(ctx, window)
		if err != nil {
			return nil, eris.Wrap(err, "crawler: discover targets")
		}
		raw = discovered
	}

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		cik := model.NormalizeCIK(r)
		if cik == "" {
			zap.L().Warn("crawler: skipping invalid cik", zap.String("cik", r))
			continue
		}
		if seen[cik] {
			continue
		}
		seen[cik] = true
		out = append(out, cik)
	}
	return out, nil
}

// company processes one company's filings sequentially, in upstream order.
func (c *Crawler) company(ctx context.Context, tr *runlog.Tracker, cik string, window model.DateRange) error {
	company, filings, err := c.walker.Company(ctx, cik, window)
	if err != nil {
		return c.itemError(ctx, tr, err, zap.String("cik", cik))
	}
	for f := range filings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.filing(ctx, tr, company, f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Crawler) filing(ctx context.Context, tr *runlog.Tracker, company model.Company, f model.Filing) error {
	defer tr.Tick(ctx)
	tr.AddChecked(1)
	c.opts.Metrics.Item(metrics.OutcomeChecked)

	fields := []zap.Field{
		zap.String("cik", company.CIK),
		zap.String("accession", f.AccessionNumber),
		zap.String("form", f.FormType),
	}

	candidates, err := c.candidates(ctx, company, f)
	if err != nil {
		return c.itemError(ctx, tr, err, fields...)
	}
	if len(candidates) == 0 {
		return nil
	}
	tr.AddFound(int64(len(candidates)))

	for i := range candidates {
		doc := &candidates[i]
		c.opts.Metrics.Candidate(doc.ExhibitLabel)
		inserted, err := c.store.UpsertDocument(ctx, doc)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return eris.Wrap(err, "crawler: persist candidate")
		}
		if inserted {
			tr.AddImported(1)
			c.opts.Metrics.Item(metrics.OutcomeImported)
			zap.L().Info("imported candidate document",
				append(fields, zap.String("url", doc.DocumentURL), zap.String("label", doc.ExhibitLabel))...)
		} else {
			c.opts.Metrics.Item(metrics.OutcomeDuplicate)
		}
	}
	return nil
}

// candidates detects exhibits from the filing manifest, or by probing
// conventional filenames when the filing has no manifest.
func (c *Crawler) candidates(ctx context.Context, company model.Company, f model.Filing) ([]model.CandidateDocument, error) {
	client := c.walker.Client()
	docs, err := client.Index(ctx, company.CIK, f)
	if err == nil {
		return c.detector.Detect(company, f, docs), nil
	}
	if !errors.Is(err, edgar.ErrNoManifest) || c.opts.SkipGuesses {
		return nil, err
	}

	for _, name := range c.detector.Guesses(f) {
		url := client.DocumentURL(company.CIK, f, name)
		ok, err := c.fetcher.Exists(ctx, url)
		if err != nil {
			return nil, eris.Wrapf(err, "crawler: probe %s", name)
		}
		if ok {
			return c.detector.Detect(company, f, []model.FilingDocument{{Name: name, URL: url}}), nil
		}
	}
	return nil, nil
}

// itemError swallows a per-item error. Rate-limit exhaustion is systemic and
// not counted as a failure. Cancellation is passed up.
func (c *Crawler) itemError(ctx context.Context, tr *runlog.Tracker, err error, fields ...zap.Field) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	fields = append(fields, zap.Error(err))
	if resilience.IsRateLimited(err) {
		zap.L().Warn("crawler: item skipped while rate limited", fields...)
		return nil
	}
	tr.AddFailed(1)
	c.opts.Metrics.Item(metrics.OutcomeFailed)
	zap.L().Warn("crawler: item failed", fields...)
	return nil
}

// Plan lists the (company, filing) pairs a run with req would inspect,
// without fetching manifests or writing to the store.
func (c *Crawler) Plan(ctx context.Context, req model.CrawlRequest) (*Plan, error) {
	window, err := c.Window(ctx, req)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Window: window}
	if window.Empty() {
		return plan, nil
	}

	targets, err := c.targets(ctx, req, window)
	if err != nil {
		return nil, err
	}
	plan.Companies = len(targets)
	for pair, err := range c.walker.Walk(ctx, targets, window) {
		if err != nil {
			plan.Failed = append(plan.Failed, pair.Company.CIK)
			continue
		}
		plan.Pairs = append(plan.Pairs, pair)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Plan is the result of a dry run.
type Plan struct {
	Window    model.DateRange
	Companies int
	Pairs     []edgar.Pair
	Failed    []string
}
