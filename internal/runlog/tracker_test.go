package runlog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testWindow() model.DateRange {
	return model.NewDateRange(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	)
}

func startedTracker(t *testing.T, st *store.SQLiteStore, every int) *Tracker {
	t.Helper()
	run, err := st.CreateRun(context.Background(), model.DefaultJob, model.CrawlRequest{})
	require.NoError(t, err)
	tr := New(st, run, Options{ProgressEvery: every})
	require.NoError(t, tr.Start(context.Background(), testWindow()))
	return tr
}

func TestTracker_StartRecordsWindow(t *testing.T) {
	st := newTestStore(t)
	tr := startedTracker(t, st, 10)

	got, err := st.GetRun(context.Background(), tr.Run().ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.DateFrom)
	assert.Equal(t, "2024-01-01", got.DateFrom.Format(model.DateLayout))
	assert.Equal(t, "2024-02-01", got.DateTo.Format(model.DateLayout))
	assert.Equal(t, model.RunStatusRunning, tr.Run().Status)
}

func TestTracker_TickFlushesEveryN(t *testing.T) {
	st := newTestStore(t)
	tr := startedTracker(t, st, 3)
	ctx := context.Background()

	for range 2 {
		tr.AddChecked(1)
		tr.Tick(ctx)
	}
	got, err := st.GetRun(ctx, tr.Run().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Counters.Checked, "no flush before the third tick")

	tr.AddChecked(1)
	tr.AddFound(1)
	tr.Tick(ctx)
	got, err = st.GetRun(ctx, tr.Run().ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCounters{Checked: 3, Found: 1}, got.Counters)
}

func TestTracker_Complete(t *testing.T) {
	st := newTestStore(t)
	tr := startedTracker(t, st, 100)
	ctx := context.Background()

	tr.AddChecked(5)
	tr.AddFound(2)
	tr.AddImported(1)
	tr.AddFailed(1)
	require.NoError(t, tr.Complete(ctx))

	got, err := st.GetRun(ctx, tr.Run().ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, model.RunCounters{Checked: 5, Found: 2, Imported: 1, Failed: 1}, got.Counters)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.ErrorMessage)

	// Finishing twice is a no-op.
	require.NoError(t, tr.Fail(ctx, errors.New("late")))
	got, err = st.GetRun(ctx, tr.Run().ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
}

func TestTracker_FailRecordsMessage(t *testing.T) {
	st := newTestStore(t)
	tr := startedTracker(t, st, 100)

	require.NoError(t, tr.Fail(context.Background(), errors.New("store unavailable")))
	got, err := st.GetRun(context.Background(), tr.Run().ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "store unavailable", got.ErrorMessage)
}

func TestTracker_CancelWithCancelledContext(t *testing.T) {
	st := newTestStore(t)
	tr := startedTracker(t, st, 100)
	tr.AddChecked(4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, tr.Cancel(ctx, "interrupted"))

	got, err := st.GetRun(context.Background(), tr.Run().ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.Equal(t, int64(4), got.Counters.Checked)
}

func TestTracker_ConcurrentCounters(t *testing.T) {
	st := newTestStore(t)
	tr := startedTracker(t, st, 7)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				tr.AddChecked(1)
				tr.Tick(ctx)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, tr.Complete(ctx))

	got, err := st.GetRun(ctx, tr.Run().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.Counters.Checked)
}

func TestTracker_StartSecondRunRejected(t *testing.T) {
	st := newTestStore(t)
	startedTracker(t, st, 10)

	run, err := st.CreateRun(context.Background(), model.DefaultJob, model.CrawlRequest{})
	require.NoError(t, err)
	err = New(st, run, Options{}).Start(context.Background(), testWindow())
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrRunInProgress))
}

type failingStore struct {
	RunStore
}

func (failingStore) FinishRun(context.Context, string, model.RunStatus, model.RunCounters, string) error {
	return errors.New("db down")
}

func TestTracker_FinishErrorKeepsRunOpen(t *testing.T) {
	tr := New(failingStore{}, &model.CrawlRun{ID: "r1", Status: model.RunStatusRunning}, Options{})
	err := tr.Complete(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finish run r1")
	assert.Equal(t, model.RunStatusRunning, tr.Run().Status)
}
