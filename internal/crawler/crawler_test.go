package crawler

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/edgar"
	"github.com/sells-group/mining-intel/internal/edgar/edgartest"
	"github.com/sells-group/mining-intel/internal/exhibit"
	"github.com/sells-group/mining-intel/internal/fetcher"
	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/internal/ratelimit"
	"github.com/sells-group/mining-intel/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	srv     *edgartest.Server
	store   *store.SQLiteStore
	fetcher *fetcher.HTTPFetcher
	crawler *Crawler
}

func newFixture(t *testing.T, wrap func(fetcher.Fetcher) fetcher.Fetcher) *fixture {
	t.Helper()
	srv := edgartest.New()
	t.Cleanup(srv.Close)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "crawl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:   "mining-intel-test test@example.com",
		Timeout:     5 * time.Second,
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
		Limiter: ratelimit.New(ratelimit.Config{
			RequestsPerWindow: 1000,
			Window:            time.Second,
			Cooldown:          5 * time.Millisecond,
		}),
	})
	var clientFetcher fetcher.Fetcher = f
	if wrap != nil {
		clientFetcher = wrap(f)
	}
	client := edgar.NewClient(clientFetcher, edgar.Config{
		DataBaseURL:     srv.DataBaseURL(),
		ArchivesBaseURL: srv.ArchivesBaseURL(),
		SearchURL:       srv.SearchURL(),
	})
	detector, err := exhibit.NewDetector(nil)
	require.NoError(t, err)

	c := New(edgar.NewWalker(client, edgar.WalkerOptions{}), detector, f, st, Options{
		Concurrency:   3,
		ProgressEvery: 1,
		Now:           func() time.Time { return time.Date(2024, 7, 1, 15, 0, 0, 0, time.UTC) },
	})
	return &fixture{srv: srv, store: st, fetcher: f, crawler: c}
}

func date(s string) *time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return &d
}

var h1 = model.CrawlRequest{DateFrom: date("2024-01-01"), DateTo: date("2024-07-01")}

func (fx *fixture) run(t *testing.T, ctx context.Context, req model.CrawlRequest) (*model.CrawlRun, error) {
	t.Helper()
	run, err := fx.store.CreateRun(context.Background(), model.DefaultJob, req)
	require.NoError(t, err)
	return fx.crawler.Run(ctx, run)
}

func addAlphaBeta(srv *edgartest.Server) {
	srv.AddCompany(edgartest.Company{CIK: "1001", Name: "Alpha Mining", Filings: []edgartest.Filing{{
		Accession: "0001001-24-000001", Form: "10-K", Date: "2024-03-01", PrimaryDoc: "alpha-10k.htm",
		Files: []edgartest.File{
			{Name: "alpha-10k.htm", Description: "10-K", Type: "10-K"},
			{Name: "ex-96.1.htm", Description: "Exhibit 96.1", Type: "EX-96.1"},
		},
	}}})
	srv.AddCompany(edgartest.Company{CIK: "1002", Name: "Beta Resources", Filings: []edgartest.Filing{{
		Accession: "0001002-24-000001", Form: "8-K", Date: "2024-04-01", PrimaryDoc: "beta-8k.htm",
		Files: []edgartest.File{
			{Name: "beta-8k.htm", Description: "8-K", Type: "8-K"},
			{Name: "ex-10.1.htm", Description: "Credit agreement", Type: "EX-10.1"},
		},
	}}})
}

func TestRun_EndToEnd(t *testing.T) {
	fx := newFixture(t, nil)
	addAlphaBeta(fx.srv)

	req := h1
	req.CIKs = []string{"1001", "1002"}
	final, err := fx.run(t, context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, final.Status)
	assert.Equal(t, model.RunCounters{Checked: 2, Found: 1, Imported: 1}, final.Counters)

	docs, err := fx.store.ListDocuments(context.Background(), store.DocumentFilter{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	doc := docs[0]
	assert.Equal(t, "0001001-24-000001", doc.AccessionNumber)
	assert.Equal(t, "Alpha Mining", doc.CompanyName)
	assert.Equal(t, "10-K", doc.FormType)
	assert.Equal(t, "2024-03-01", doc.FilingDate.Format(model.DateLayout))
	assert.Equal(t, fx.srv.ArchivesBaseURL()+"/1001/000100124000001/ex-96.1.htm", doc.DocumentURL)
	assert.Equal(t, exhibit.LabelTechnicalReport, doc.ExhibitLabel)
	assert.False(t, doc.Processed)

	stored, err := fx.store.GetRun(context.Background(), final.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, stored.Status)
	assert.Equal(t, final.Counters, stored.Counters)
	assert.Equal(t, "2024-01-01", stored.DateFrom.Format(model.DateLayout))
	assert.Equal(t, "2024-07-01", stored.DateTo.Format(model.DateLayout))
}

func TestRun_Idempotent(t *testing.T) {
	fx := newFixture(t, nil)
	addAlphaBeta(fx.srv)

	req := h1
	req.CIKs = []string{"1001", "1002"}
	_, err := fx.run(t, context.Background(), req)
	require.NoError(t, err)

	second, err := fx.run(t, context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Counters.Found)
	assert.Equal(t, int64(0), second.Counters.Imported, "second pass imports nothing")

	n, err := fx.store.CountDocuments(context.Background(), store.DocumentFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRun_FailureIsolation(t *testing.T) {
	fx := newFixture(t, nil)
	for _, c := range []struct{ cik, name string }{{"11", "A"}, {"12", "B"}, {"14", "D"}} {
		fx.srv.AddCompany(edgartest.Company{CIK: c.cik, Name: c.name, Filings: []edgartest.Filing{{
			Accession: "00000000" + c.cik + "-24-000001", Form: "10-K", Date: "2024-02-01",
			Files: []edgartest.File{{Name: "ex96-1.htm", Description: "Technical Report Summary"}},
		}}})
	}
	fx.srv.AddCompany(edgartest.Company{CIK: "13", Name: "C", Status: 404})

	req := h1
	req.CIKs = []string{"11", "12", "13", "14"}
	final, err := fx.run(t, context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, final.Status)
	assert.Equal(t, model.RunCounters{Checked: 3, Found: 3, Imported: 3, Failed: 1}, final.Counters)

	for _, cik := range []string{"11", "12", "14"} {
		n, err := fx.store.CountDocuments(context.Background(), store.DocumentFilter{CIK: cik})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, cik)
	}
}

func TestRun_RateLimitedCompanyIsNotAFailure(t *testing.T) {
	fx := newFixture(t, nil)
	addAlphaBeta(fx.srv)
	fx.srv.AddCompany(edgartest.Company{CIK: "1003", Name: "Throttled", Status: 429})

	req := h1
	req.CIKs = []string{"1001", "1003"}
	final, err := fx.run(t, context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, final.Status)
	assert.Equal(t, int64(0), final.Counters.Failed)
	assert.Equal(t, int64(1), final.Counters.Imported)
	assert.Positive(t, fx.fetcher.Limiter().Trips())
}

func TestRun_ProbesGuessesWithoutManifest(t *testing.T) {
	fx := newFixture(t, nil)
	fx.srv.AddCompany(edgartest.Company{CIK: "2001", Name: "Old Filer", Filings: []edgartest.Filing{{
		Accession: "0002001-24-000001", Form: "10-K", Date: "2024-05-01", PrimaryDoc: "tm2412345d1_10k.htm",
		NoManifest: true,
		Files: []edgartest.File{
			{Name: "tm2412345d1_10k.htm"},
			{Name: "tm2412345d1_ex96-1.htm"},
		},
	}}})

	req := h1
	req.CIKs = []string{"2001"}
	final, err := fx.run(t, context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), final.Counters.Imported)

	docs, err := fx.store.ListDocuments(context.Background(), store.DocumentFilter{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].DocumentURL, "/tm2412345d1_ex96-1.htm")
}

func TestRun_NoManifestNoGuessHit(t *testing.T) {
	fx := newFixture(t, nil)
	fx.srv.AddCompany(edgartest.Company{CIK: "2002", Name: "Bare", Filings: []edgartest.Filing{{
		Accession: "0002002-24-000001", Form: "10-K", Date: "2024-05-01", NoManifest: true,
	}}})

	req := h1
	req.CIKs = []string{"2002"}
	final, err := fx.run(t, context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.RunCounters{Checked: 1}, final.Counters)
}

func TestRun_DiscoversTargets(t *testing.T) {
	fx := newFixture(t, nil)
	addAlphaBeta(fx.srv)
	fx.srv.AddSearchHits(
		edgartest.SearchHit{CIK: "1001", Name: "Alpha Mining", Accession: "0001001-24-000001", Form: "10-K", Date: "2024-03-01"},
		edgartest.SearchHit{CIK: "1001", Name: "Alpha Mining", Accession: "0001001-24-000001", Form: "10-K", Date: "2024-03-01"},
	)

	final, err := fx.run(t, context.Background(), h1)
	require.NoError(t, err)
	assert.Equal(t, model.RunCounters{Checked: 1, Found: 1, Imported: 1}, final.Counters)
	assert.Equal(t, 0, fx.srv.Requests("/submissions/CIK0000001002.json"), "undiscovered companies are not fetched")
}

type failingUpserts struct {
	store.Store
}

func (failingUpserts) UpsertDocument(context.Context, *model.CandidateDocument) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRun_StoreErrorIsFatal(t *testing.T) {
	fx := newFixture(t, nil)
	addAlphaBeta(fx.srv)
	fx.crawler.store = failingUpserts{Store: fx.store}

	req := h1
	req.CIKs = []string{"1001"}
	final, err := fx.run(t, context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist candidate")
	assert.Equal(t, model.RunStatusFailed, final.Status)

	stored, err := fx.store.GetRun(context.Background(), final.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "connection refused")
	assert.NotNil(t, stored.CompletedAt)
}

type cancellingFetcher struct {
	fetcher.Fetcher
	cancel context.CancelFunc
}

func (c cancellingFetcher) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	c.cancel()
	return c.Fetcher.Download(ctx, url)
}

func TestRun_CancelledMidCrawl(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newFixture(t, func(f fetcher.Fetcher) fetcher.Fetcher {
		return cancellingFetcher{Fetcher: f, cancel: cancel}
	})
	addAlphaBeta(fx.srv)

	req := h1
	req.CIKs = []string{"1001", "1002"}
	final, err := fx.run(t, ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, model.RunStatusCancelled, final.Status)

	stored, err := fx.store.GetRun(context.Background(), final.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, stored.Status)
	assert.Equal(t, int64(0), stored.Counters.Failed)
}

func TestRun_SecondRunRejectedWhileRunning(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	running, err := fx.store.CreateRun(ctx, model.DefaultJob, h1)
	require.NoError(t, err)
	_, err = fx.store.ClaimRun(ctx, running.ID, model.NewDateRange(*h1.DateFrom, *h1.DateTo))
	require.NoError(t, err)

	_, err = fx.run(t, ctx, h1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrRunInProgress))
}

func TestRun_RequeuedRunKeepsClaimedWindow(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.srv.AddCompany(edgartest.Company{CIK: "1001", Name: "Alpha Mining", Filings: []edgartest.Filing{{
		Accession: "0001001-24-000001", Form: "10-K", Date: "2024-03-01", PrimaryDoc: "alpha-10k.htm",
		Files: []edgartest.File{
			{Name: "alpha-10k.htm", Description: "10-K", Type: "10-K"},
			{Name: "ex-96.1.htm", Description: "Exhibit 96.1", Type: "EX-96.1"},
		},
	}}})
	fx.srv.AddCompany(edgartest.Company{CIK: "1002", Name: "Beta Resources", Filings: []edgartest.Filing{{
		Accession: "0001002-24-000001", Form: "10-K", Date: "2024-02-01", PrimaryDoc: "beta-10k.htm",
		Files: []edgartest.File{
			{Name: "beta-10k.htm", Description: "10-K", Type: "10-K"},
			{Name: "ex-96.1.htm", Description: "Exhibit 96.1", Type: "EX-96.1"},
		},
	}}})

	_, err := fx.store.UpsertDocument(ctx, &model.CandidateDocument{
		AccessionNumber: "0000999-24-000001", DocumentURL: "https://x/ex96.htm",
		FilingDate: *date("2024-01-10"), ExhibitLabel: exhibit.LabelTechnicalReport,
	})
	require.NoError(t, err)

	// A refresh run claimed by a process that died after importing Alpha only.
	run, err := fx.store.CreateRun(ctx, model.DefaultJob, model.CrawlRequest{Refresh: true, CIKs: []string{"1001", "1002"}})
	require.NoError(t, err)
	claimed := model.NewDateRange(*date("2024-01-11"), *date("2024-07-01"))
	_, err = fx.store.ClaimRun(ctx, run.ID, claimed)
	require.NoError(t, err)
	_, err = fx.store.UpsertDocument(ctx, &model.CandidateDocument{
		CIK:             "1001",
		CompanyName:     "Alpha Mining",
		FormType:        "10-K",
		AccessionNumber: "0001001-24-000001",
		DocumentURL:     fx.srv.ArchivesBaseURL() + "/1001/000100124000001/ex-96.1.htm",
		FilingDate:      *date("2024-03-01"),
		ExhibitLabel:    exhibit.LabelTechnicalReport,
	})
	require.NoError(t, err)
	require.NoError(t, fx.store.UpdateRunProgress(ctx, run.ID, model.RunCounters{Checked: 1, Found: 1, Imported: 1}))

	n, err := fx.store.RequeueInterrupted(ctx, model.DefaultJob)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	requeued, err := fx.store.NextPendingRun(ctx, model.DefaultJob)
	require.NoError(t, err)
	require.NotNil(t, requeued)

	final, err := fx.crawler.Run(ctx, requeued)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, final.Status)
	assert.Equal(t, "2024-01-11", final.DateFrom.Format(model.DateLayout))
	assert.Equal(t, "2024-07-01", final.DateTo.Format(model.DateLayout))
	assert.Equal(t, model.RunCounters{Checked: 2, Found: 2, Imported: 1}, final.Counters)

	beta, err := fx.store.CountDocuments(ctx, store.DocumentFilter{CIK: "1002"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), beta, "filings before the last import are still crawled")

	stored, err := fx.store.GetRun(ctx, final.ID)
	require.NoError(t, err)
	assert.Equal(t, final.Counters, stored.Counters)
}

func TestRun_RefreshEmptyWindow(t *testing.T) {
	fx := newFixture(t, nil)
	addAlphaBeta(fx.srv)
	ctx := context.Background()

	_, err := fx.store.UpsertDocument(ctx, &model.CandidateDocument{
		AccessionNumber: "x", DocumentURL: "https://x/ex96.htm", FilingDate: *date("2024-06-30"), ExhibitLabel: "technical-report",
	})
	require.NoError(t, err)

	final, err := fx.run(t, ctx, model.CrawlRequest{Refresh: true, CIKs: []string{"1001"}})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, final.Status)
	assert.Equal(t, "2024-07-01", final.DateFrom.Format(model.DateLayout))
	assert.Equal(t, "2024-07-01", final.DateTo.Format(model.DateLayout))
	assert.Equal(t, 0, fx.srv.Requests("/submissions/CIK0000001001.json"))
}

func TestPlan(t *testing.T) {
	fx := newFixture(t, nil)
	addAlphaBeta(fx.srv)
	fx.srv.AddCompany(edgartest.Company{CIK: "1003", Name: "Gone", Status: 404})

	req := h1
	req.CIKs = []string{"1001", "0001002", "1003", "1001", "not-a-cik"}
	plan, err := fx.crawler.Plan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Companies)
	require.Len(t, plan.Pairs, 2)
	assert.Equal(t, "Alpha Mining", plan.Pairs[0].Company.Name)
	assert.Equal(t, "0001002-24-000001", plan.Pairs[1].Filing.AccessionNumber)
	assert.Equal(t, []string{"1003"}, plan.Failed)

	n, err := fx.store.CountDocuments(context.Background(), store.DocumentFilter{})
	require.NoError(t, err)
	assert.Zero(t, n, "plan writes nothing")
}
