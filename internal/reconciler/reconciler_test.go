package reconciler

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jgoulah/gridreport/internal/config"
	"github.com/jgoulah/gridreport/internal/database"
	"github.com/jgoulah/gridreport/internal/scraper"
	"github.com/jgoulah/gridreport/pkg/models"
)

type call struct {
	start, end time.Time
}

// fakeSource returns one sample per 5 minutes in [start, end)
type fakeSource struct {
	calls  []call
	failOn int // 1-based call number that fails; 0 = never
}

func (f *fakeSource) FetchLoad(ctx context.Context, start, end time.Time) ([]models.LoadSample, error) {
	f.calls = append(f.calls, call{start, end})
	if f.failOn == len(f.calls) {
		return nil, &scraper.DataSourceError{Source: "gridstatus", StatusCode: 429, RateLimited: true, Err: errors.New("slow down")}
	}

	var out []models.LoadSample
	for ts := start.Truncate(5 * time.Minute); ts.Before(end); ts = ts.Add(5 * time.Minute) {
		if ts.Before(start) {
			continue
		}
		out = append(out, models.LoadSample{Timestamp: ts, LoadMW: float64(9000 + ts.Hour()*60 + ts.Minute())})
	}
	return out, nil
}

func newTestStore(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DataSettings.DaysBack = 1
	cfg.DataSettings.InitialDaysBack = 7
	cfg.DataSettings.ChunkDays = 5
	return cfg
}

func TestReconcileComputesStatsFromStoredSamples(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	source := &fakeSource{}
	start := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

	_, err := store.UpsertLoadSamples(ctx, []models.LoadSample{
		{Timestamp: start, LoadMW: 100},
		{Timestamp: start.Add(5 * time.Minute), LoadMW: 200},
		{Timestamp: start.Add(10 * time.Minute), LoadMW: 300},
	})
	require.NoError(t, err)

	r := New(testConfig(), store, source, zap.NewNop())
	stats, err := r.Reconcile(ctx, start, start.Add(15*time.Minute))
	require.NoError(t, err)

	assert.Empty(t, source.calls, "tail is covered, nothing fetched")
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 200.0, stats.Average)
	assert.Equal(t, 300.0, stats.Maximum.LoadMW)
	assert.Equal(t, start.Add(10*time.Minute), stats.Maximum.Timestamp)
	assert.Equal(t, 100.0, stats.Minimum.LoadMW)
	assert.Equal(t, start, stats.Minimum.Timestamp)
	assert.Equal(t, 300.0, stats.Current.LoadMW)
	assert.InDelta(t, 200.0/300.0, stats.LoadFactor, 1e-9)
}

func TestReconcileInitialLoadIsChunked(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	source := &fakeSource{}
	end := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

	r := New(testConfig(), store, source, zap.NewNop())
	stats, err := r.Reconcile(ctx, end.Add(-24*time.Hour), end)
	require.NoError(t, err)

	require.Len(t, source.calls, 2, "7 days in 5-day chunks")
	assert.Equal(t, end.Add(-7*24*time.Hour), source.calls[0].start)
	assert.Equal(t, end.Add(-2*24*time.Hour), source.calls[0].end)
	assert.Equal(t, source.calls[0].end, source.calls[1].start)
	assert.Equal(t, end, source.calls[1].end)

	assert.Equal(t, 7*24*12, stats.Stored)
	assert.Equal(t, 24*12, stats.Count)
}

func TestReconcileRegularFetchStartsAfterLatest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	source := &fakeSource{}
	end := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	latest := end.Add(-2 * time.Hour)

	_, err := store.UpsertLoadSamples(ctx, []models.LoadSample{{Timestamp: latest, LoadMW: 5000}})
	require.NoError(t, err)

	r := New(testConfig(), store, source, zap.NewNop())
	stats, err := r.Reconcile(ctx, end.Add(-24*time.Hour), end)
	require.NoError(t, err)

	require.Len(t, source.calls, 1)
	assert.Equal(t, latest.Add(5*time.Minute), source.calls[0].start)
	assert.Equal(t, end, source.calls[0].end)
	assert.Equal(t, 23, stats.Stored)
}

func TestReconcileRegularFetchIsBoundedByLookback(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	source := &fakeSource{}
	end := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

	// window is 3 days but only its first sample is stored
	windowStart := end.Add(-72 * time.Hour)
	_, err := store.UpsertLoadSamples(ctx, []models.LoadSample{{Timestamp: windowStart, LoadMW: 5000}})
	require.NoError(t, err)

	r := New(testConfig(), store, source, zap.NewNop())
	_, err = r.Reconcile(ctx, windowStart, end)
	require.NoError(t, err)

	require.Len(t, source.calls, 1)
	assert.Equal(t, end.Add(-24*time.Hour), source.calls[0].start, "regular lookback caps the fetch")
}

func TestReconcileNestedWindowsAgree(t *testing.T) {
	ctx := context.Background()
	end := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	w2Start, w2End := end.Add(-24*time.Hour), end
	w1Start, w1End := end.Add(-10*time.Hour), end.Add(-4*time.Hour)

	storeA := newTestStore(t)
	_, err := New(testConfig(), storeA, &fakeSource{}, zap.NewNop()).Reconcile(ctx, w2Start, w2End)
	require.NoError(t, err)
	viaW2, err := storeA.QueryLoadSamples(ctx, w1Start, w1End)
	require.NoError(t, err)

	storeB := newTestStore(t)
	direct, err := New(testConfig(), storeB, &fakeSource{}, zap.NewNop()).Reconcile(ctx, w1Start, w1End)
	require.NoError(t, err)

	require.NotEmpty(t, direct.Samples)
	assert.Subset(t, viaW2, direct.Samples)
}

func TestReconcileSourceFailureKeepsEarlierChunks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	source := &fakeSource{failOn: 2}
	end := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

	r := New(testConfig(), store, source, zap.NewNop())
	_, err := r.Reconcile(ctx, end.Add(-24*time.Hour), end)
	require.Error(t, err)

	var dse *scraper.DataSourceError
	require.True(t, errors.As(err, &dse))
	assert.True(t, dse.RateLimited)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5*24*12, counts.LoadSamples, "first chunk was stored")

	// retrying is idempotent and completes the window
	source.failOn = 0
	stats, err := r.Reconcile(ctx, end.Add(-24*time.Hour), end)
	require.NoError(t, err)
	assert.Equal(t, 24*12, stats.Count)
}

type emptySource struct{}

func (emptySource) FetchLoad(ctx context.Context, start, end time.Time) ([]models.LoadSample, error) {
	return nil, nil
}

func TestReconcileInsufficientData(t *testing.T) {
	end := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	r := New(testConfig(), newTestStore(t), emptySource{}, zap.NewNop())

	_, err := r.Reconcile(context.Background(), end.Add(-time.Hour), end)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestClean(t *testing.T) {
	base := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	got := Clean([]models.LoadSample{
		{Timestamp: base.Add(30 * time.Second), LoadMW: 100},
		{Timestamp: base.Add(5 * time.Minute), LoadMW: math.NaN()},
		{Timestamp: base.Add(10 * time.Minute), LoadMW: -1},
		{Timestamp: base.Add(15 * time.Minute).In(chicago), LoadMW: 300},
		{Timestamp: base.Add(16 * time.Minute), LoadMW: 999},
	}, 5*time.Minute)

	assert.Equal(t, []models.LoadSample{
		{Timestamp: base, LoadMW: 100},
		{Timestamp: base.Add(15 * time.Minute), LoadMW: 300},
	}, got)
}
