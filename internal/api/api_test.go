package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/jobs"
	"github.com/sells-group/mining-intel/internal/metrics"
	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	st      *store.SQLiteStore
	queue   *jobs.Queue
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Item(metrics.OutcomeChecked)

	q := jobs.NewQueue(st, "")
	w := jobs.NewWorker(q, st, nil, jobs.WorkerOptions{})
	srv := New(q, st, w, Options{Gatherer: reg})
	return &fixture{st: st, queue: q, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "mining_crawl_items_total")
}

func TestStartCrawl_AcceptedAndQueued(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/crawls", map[string]any{
		"date_from": "2024-01-01",
		"date_to":   "2024-07-01",
		"ciks":      []string{"1234"},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	resp := decode[map[string]string](t, rr)
	assert.Equal(t, "pending", resp["status"])
	require.NotEmpty(t, resp["id"])

	run, err := f.st.GetRun(context.Background(), resp["id"])
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, run.Status)
	require.NotNil(t, run.Request.DateFrom)
	assert.Equal(t, "2024-01-01", run.Request.DateFrom.Format(model.DateLayout))
	assert.Equal(t, []string{"1234"}, run.Request.CIKs)

	select {
	case <-f.queue.Wake():
	default:
		t.Fatal("worker was not woken")
	}
}

func TestStartCrawl_EmptyBody(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/crawls", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestStartCrawl_BadRequests(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		body any
	}{
		{"bad date", map[string]any{"date_from": "01/02/2024"}},
		{"inverted window", map[string]any{"date_from": "2024-03-01", "date_to": "2024-02-01"}},
		{"bad cik", map[string]any{"ciks": []string{"acme"}}},
		{"not an object", []int{1, 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/api/crawls", tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.NotEmpty(t, decode[map[string]string](t, rr)["error"])
		})
	}

	runs, err := f.st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestGetAndListCrawls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.queue.Enqueue(ctx, model.CrawlRequest{})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := f.queue.Enqueue(ctx, model.CrawlRequest{Refresh: true})
	require.NoError(t, err)
	window := model.NewDateRange(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	_, err = f.st.ClaimRun(ctx, second.ID, window)
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/api/crawls/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[map[string]any](t, rr)
	assert.Equal(t, first.ID, got["id"])
	assert.Equal(t, "pending", got["status"])

	rr = f.do(t, http.MethodGet, "/api/crawls", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	all := decode[[]map[string]any](t, rr)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0]["id"], "newest first")

	rr = f.do(t, http.MethodGet, "/api/crawls?status=running", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	running := decode[[]map[string]any](t, rr)
	require.Len(t, running, 1)
	assert.Equal(t, second.ID, running[0]["id"])
	assert.Equal(t, "2024-01-01T00:00:00Z", running[0]["date_from"])

	rr = f.do(t, http.MethodGet, "/api/crawls?limit=1", nil)
	assert.Len(t, decode[[]map[string]any](t, rr), 1)

	rr = f.do(t, http.MethodGet, "/api/crawls?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/crawls/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelCrawl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.queue.Enqueue(ctx, model.CrawlRequest{})
	require.NoError(t, err)

	rr := f.do(t, http.MethodPost, "/api/crawls/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	got, err := f.st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)

	rr = f.do(t, http.MethodPost, "/api/crawls/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/crawls/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func seedDocuments(t *testing.T, st store.Store) []model.CandidateDocument {
	t.Helper()
	ctx := context.Background()
	docs := []model.CandidateDocument{
		{AccessionNumber: "0001234-24-000001", CIK: "1234", CompanyName: "Alpha Mining", FormType: "10-K",
			FilingDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), DocumentURL: "https://example.test/a/ex96.htm", ExhibitLabel: "technical-report"},
		{AccessionNumber: "0001234-24-000002", CIK: "1234", CompanyName: "Alpha Mining", FormType: "8-K",
			FilingDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), DocumentURL: "https://example.test/b/ex99.htm", ExhibitLabel: "feasibility-study"},
		{AccessionNumber: "0005678-24-000001", CIK: "5678", CompanyName: "Beta Gold", FormType: "10-K",
			FilingDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), DocumentURL: "https://example.test/c/ex96.htm", ExhibitLabel: "technical-report"},
	}
	for i := range docs {
		inserted, err := st.UpsertDocument(ctx, &docs[i])
		require.NoError(t, err)
		require.True(t, inserted)
	}
	require.NoError(t, st.MarkProcessed(ctx, docs[0].ID))
	return docs
}

func TestDocuments(t *testing.T) {
	f := newFixture(t)
	docs := seedDocuments(t, f.st)

	rr := f.do(t, http.MethodGet, "/api/documents", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	all := decode[[]model.CandidateDocument](t, rr)
	require.Len(t, all, 3)
	assert.Equal(t, "0005678-24-000001", all[0].AccessionNumber, "latest filing first")

	rr = f.do(t, http.MethodGet, "/api/documents?processed=false&label=technical-report", nil)
	filtered := decode[[]model.CandidateDocument](t, rr)
	require.Len(t, filtered, 1)
	assert.Equal(t, docs[2].ID, filtered[0].ID)

	rr = f.do(t, http.MethodGet, "/api/documents/count", nil)
	assert.Equal(t, int64(3), decode[map[string]int64](t, rr)["count"])

	rr = f.do(t, http.MethodGet, "/api/documents/count?processed=true", nil)
	assert.Equal(t, int64(1), decode[map[string]int64](t, rr)["count"])

	rr = f.do(t, http.MethodGet, "/api/documents/count?cik=0000005678", nil)
	assert.Equal(t, int64(1), decode[map[string]int64](t, rr)["count"])

	rr = f.do(t, http.MethodGet, "/api/documents?processed=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDocumentMetrics(t *testing.T) {
	f := newFixture(t)
	docs := seedDocuments(t, f.st)

	npv := 412.5
	require.NoError(t, f.st.SaveMetrics(context.Background(), []model.MetricResult{
		{DocumentID: docs[0].ID, Field: "npv", Value: &npv, Unit: "USD millions", Confidence: 0.8, Found: true, Strategy: "regex"},
		{DocumentID: docs[0].ID, Field: "irr", Confidence: 0, Found: false, Strategy: "regex"},
	}))

	rr := f.do(t, http.MethodGet, "/api/documents/"+docs[0].ID+"/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	results := decode[[]model.MetricResult](t, rr)
	require.Len(t, results, 2)
	assert.Equal(t, "irr", results[0].Field)
	assert.Nil(t, results[0].Value)
	require.NotNil(t, results[1].Value)
	assert.InDelta(t, 412.5, *results[1].Value, 1e-9)

	rr = f.do(t, http.MethodGet, "/api/documents/"+docs[1].ID+"/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())

	rr = f.do(t, http.MethodGet, "/api/documents/no-such-document/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "document not found")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/crawls", nil)
	req.Header.Set("Origin", "https://dash.example.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	assert.NotEmpty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
