package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mining-intel/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testDoc(acc, url string, filed string) *model.CandidateDocument {
	d, _ := model.ParseDate(filed)
	return &model.CandidateDocument{
		AccessionNumber: acc,
		CIK:             "0001234",
		CompanyName:     "Gold Co",
		FormType:        "10-K",
		FilingDate:      d,
		DocumentURL:     url,
		ExhibitLabel:    "technical-report",
		Description:     "Technical Report Summary",
	}
}

func window(t *testing.T, from, to string) model.DateRange {
	t.Helper()
	f, err := model.ParseDate(from)
	require.NoError(t, err)
	tt, err := model.ParseDate(to)
	require.NoError(t, err)
	return model.NewDateRange(f, tt)
}

// --- Documents ---

func TestSQLite_UpsertDocument_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := testDoc("0001234-24-000001", "https://x/ex96-1.htm", "2024-03-01")
	inserted, err := st.UpsertDocument(ctx, doc)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "1234", doc.CIK)
	assert.False(t, doc.DiscoveredAt.IsZero())

	again := testDoc("0001234-24-000001", "https://x/ex96-1.htm", "2024-03-01")
	again.Description = "changed"
	inserted, err = st.UpsertDocument(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Empty(t, again.ID, "duplicate is left untouched")

	n, err := st.CountDocuments(ctx, DocumentFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	docs, err := st.ListDocuments(ctx, DocumentFilter{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Technical Report Summary", docs[0].Description)
	assert.Equal(t, "2024-03-01", docs[0].FilingDate.Format(model.DateLayout))
}

func TestSQLite_UpsertDocument_SameAccessionDifferentURL(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, url := range []string{"https://x/ex96-1.htm", "https://x/ex96-2.htm"} {
		inserted, err := st.UpsertDocument(ctx, testDoc("0001234-24-000001", url, "2024-03-01"))
		require.NoError(t, err)
		assert.True(t, inserted, url)
	}
	n, err := st.CountDocuments(ctx, DocumentFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLite_UpsertDocument_Validation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.UpsertDocument(ctx, testDoc("", "https://x/a.htm", "2024-03-01"))
	assert.Error(t, err)
	_, err = st.UpsertDocument(ctx, testDoc("acc", "", "2024-03-01"))
	assert.Error(t, err)
	_, err = st.UpsertDocument(ctx, &model.CandidateDocument{AccessionNumber: "acc", DocumentURL: "u"})
	assert.Error(t, err)
}

func TestSQLite_UpsertDocument_Concurrent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.UpsertDocument(ctx, testDoc("0001234-24-000009", "https://x/ex96-1.htm", "2024-05-01"))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)
}

func TestSQLite_LatestFilingDate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	latest, err := st.LatestFilingDate(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	for i, filed := range []string{"2024-03-01", "2024-11-15", "2023-12-31"} {
		_, err := st.UpsertDocument(ctx, testDoc(fmt.Sprintf("acc-%d", i), fmt.Sprintf("https://x/%d.htm", i), filed))
		require.NoError(t, err)
	}

	latest, err = st.LatestFilingDate(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "2024-11-15", latest.Format(model.DateLayout))
}

func TestSQLite_DocumentFilters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := testDoc("acc-a", "https://x/a.htm", "2024-01-01")
	b := testDoc("acc-b", "https://x/b.htm", "2024-02-01")
	b.ExhibitLabel = "jorc"
	b.CIK = "999"
	for _, d := range []*model.CandidateDocument{a, b} {
		_, err := st.UpsertDocument(ctx, d)
		require.NoError(t, err)
	}
	require.NoError(t, st.MarkProcessed(ctx, a.ID))

	processed := true
	unprocessed := false

	n, err := st.CountDocuments(ctx, DocumentFilter{Processed: &processed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	docs, err := st.ListDocuments(ctx, DocumentFilter{Processed: &unprocessed})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, b.ID, docs[0].ID)

	docs, err = st.ListDocuments(ctx, DocumentFilter{Label: "jorc"})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	docs, err = st.ListDocuments(ctx, DocumentFilter{CIK: "0000000999"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "999", docs[0].CIK)

	// Newest filing first.
	docs, err = st.ListDocuments(ctx, DocumentFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, b.ID, docs[0].ID)

	docs, err = st.ListDocuments(ctx, DocumentFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, a.ID, docs[0].ID)
}

func TestSQLite_MarkProcessed_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.MarkProcessed(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Metrics(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := testDoc("acc", "https://x/a.htm", "2024-01-01")
	_, err := st.UpsertDocument(ctx, doc)
	require.NoError(t, err)

	v := 12.5
	require.NoError(t, st.SaveMetrics(ctx, []model.MetricResult{
		{DocumentID: doc.ID, Field: "npv", Value: &v, Unit: "USD millions", Confidence: 0.9, Found: true, Strategy: "regex"},
		{DocumentID: doc.ID, Field: "irr", Found: false, Strategy: "regex"},
	}))

	// Re-extraction replaces the previous answer.
	v2 := 13.0
	require.NoError(t, st.SaveMetrics(ctx, []model.MetricResult{
		{DocumentID: doc.ID, Field: "npv", Value: &v2, Unit: "USD millions", Confidence: 0.95, Found: true, Strategy: "llm"},
	}))
	require.NoError(t, st.SaveMetrics(ctx, nil))

	got, err := st.ListMetrics(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "irr", got[0].Field)
	assert.False(t, got[0].Found)
	assert.Nil(t, got[0].Value)
	assert.Equal(t, "npv", got[1].Field)
	require.NotNil(t, got[1].Value)
	assert.InDelta(t, 13.0, *got[1].Value, 0.0001)
	assert.Equal(t, "llm", got[1].Strategy)

	_, err = st.ListMetrics(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// --- Runs ---

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, model.DefaultJob, model.CrawlRequest{Refresh: true, CIKs: []string{"1234"}})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, run.Status)

	claimed, err := st.ClaimRun(ctx, run.ID, window(t, "2024-01-01", "2024-04-01"))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)
	require.NotNil(t, claimed.DateFrom)
	assert.Equal(t, "2024-01-01", claimed.DateFrom.Format(model.DateLayout))
	assert.Equal(t, "2024-04-01", claimed.DateTo.Format(model.DateLayout))
	assert.True(t, claimed.Request.Refresh)
	assert.Equal(t, []string{"1234"}, claimed.Request.CIKs)

	require.NoError(t, st.UpdateRunProgress(ctx, run.ID, model.RunCounters{Checked: 5, Found: 2, Imported: 1}))
	require.NoError(t, st.FinishRun(ctx, run.ID, model.RunStatusCompleted, model.RunCounters{Checked: 10, Found: 3, Imported: 2, Failed: 1}, ""))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, model.RunCounters{Checked: 10, Found: 3, Imported: 2, Failed: 1}, got.Counters)
	require.NotNil(t, got.CompletedAt)
	assert.GreaterOrEqual(t, got.Duration(time.Now()), time.Duration(0))
}

func TestSQLite_CountersNeverDecrease(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, model.DefaultJob, model.CrawlRequest{})
	require.NoError(t, err)
	_, err = st.ClaimRun(ctx, run.ID, window(t, "2024-01-01", "2024-02-01"))
	require.NoError(t, err)

	require.NoError(t, st.UpdateRunProgress(ctx, run.ID, model.RunCounters{Checked: 10, Found: 4}))
	require.NoError(t, st.UpdateRunProgress(ctx, run.ID, model.RunCounters{Checked: 3, Found: 1, Failed: 2}))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCounters{Checked: 10, Found: 4, Failed: 2}, got.Counters)
}

func TestSQLite_OneRunningRunPerJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	w := window(t, "2024-01-01", "2024-02-01")

	first, err := st.CreateRun(ctx, model.DefaultJob, model.CrawlRequest{})
	require.NoError(t, err)
	second, err := st.CreateRun(ctx, model.DefaultJob, model.CrawlRequest{})
	require.NoError(t, err)
	other, err := st.CreateRun(ctx, "other-job", model.CrawlRequest{})
	require.NoError(t, err)

	_, err = st.ClaimRun(ctx, first.ID, w)
	require.NoError(t, err)

	_, err = st.ClaimRun(ctx, second.ID, w)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunInProgress))

	_, err = st.ClaimRun(ctx, other.ID, w)
	require.NoError(t, err, "a different job may run concurrently")

	require.NoError(t, st.FinishRun(ctx, first.ID, model.RunStatusFailed, model.RunCounters{}, "boom"))
	_, err = st.ClaimRun(ctx, second.ID, w)
	require.NoError(t, err)

	running, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusRunning, Job: model.DefaultJob})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, second.ID, running[0].ID)
}

func TestSQLite_InvalidTransitions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	w := window(t, "2024-01-01", "2024-02-01")

	run, err := st.CreateRun(ctx, model.DefaultJob, model.CrawlRequest{})
	require.NoError(t, err)

	err = st.UpdateRunProgress(ctx, run.ID, model.RunCounters{Checked: 1})
	assert.True(t, errors.Is(err, ErrInvalidTransition), "pending runs take no progress")

	err = st.FinishRun(ctx, run.ID, model.RunStatusRunning, model.RunCounters{}, "")
	assert.True(t, errors.Is(err, ErrInvalidTransition), "running is not terminal")

	require.NoError(t, st.FinishRun(ctx, run.ID, model.RunStatusCancelled, model.RunCounters{}, "cancelled"))

	_, err = st.ClaimRun(ctx, run.ID, w)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	err = st.FinishRun(ctx, run.ID, model.RunStatusCompleted, model.RunCounters{}, "")
	assert.True(t, errors.Is(err, ErrInvalidTransition), "terminal runs stay terminal")

	_, err = st.ClaimRun(ctx, "missing", w)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = st.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_NextPendingRunAndRequeue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	next, err := st.NextPendingRun(ctx, model.DefaultJob)
	require.NoError(t, err)
	assert.Nil(t, next)

	run, err := st.CreateRun(ctx, model.DefaultJob, model.CrawlRequest{})
	require.NoError(t, err)

	next, err = st.NextPendingRun(ctx, model.DefaultJob)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, run.ID, next.ID)

	_, err = st.ClaimRun(ctx, run.ID, window(t, "2024-01-01", "2024-02-01"))
	require.NoError(t, err)
	require.NoError(t, st.UpdateRunProgress(ctx, run.ID, model.RunCounters{Checked: 4, Found: 2, Imported: 1, Failed: 1}))

	next, err = st.NextPendingRun(ctx, model.DefaultJob)
	require.NoError(t, err)
	assert.Nil(t, next)

	n, err := st.RequeueInterrupted(ctx, model.DefaultJob)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, model.RunCounters{}, got.Counters, "a requeued run counts from zero")
	require.NotNil(t, got.DateFrom, "the claimed window survives the requeue")
	require.NotNil(t, got.DateTo)
	assert.Equal(t, "2024-01-01", got.DateFrom.Format(model.DateLayout))
	assert.Equal(t, "2024-02-01", got.DateTo.Format(model.DateLayout))
}

func TestSQLite_CancelPending(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	pending, err := st.CreateRun(ctx, model.DefaultJob, model.CrawlRequest{})
	require.NoError(t, err)
	require.NoError(t, st.CancelPending(ctx, pending.ID, "cancelled before start"))

	got, err := st.GetRun(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.Equal(t, "cancelled before start", got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	claimed, err := st.CreateRun(ctx, model.DefaultJob, model.CrawlRequest{})
	require.NoError(t, err)
	_, err = st.ClaimRun(ctx, claimed.ID, window(t, "2024-01-01", "2024-02-01"))
	require.NoError(t, err)

	err = st.CancelPending(ctx, claimed.ID, "too late")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	got, err = st.GetRun(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status, "a claimed run keeps running")

	err = st.CancelPending(ctx, "missing", "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for range 3 {
		_, err := st.CreateRun(ctx, model.DefaultJob, model.CrawlRequest{})
		require.NoError(t, err)
	}
	_, err := st.CreateRun(ctx, "other", model.CrawlRequest{})
	require.NoError(t, err)

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	jobRuns, err := st.ListRuns(ctx, RunFilter{Job: model.DefaultJob})
	require.NoError(t, err)
	assert.Len(t, jobRuns, 3)

	page, err := st.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}
