package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jgoulah/gridreport/internal/chart"
	"github.com/jgoulah/gridreport/internal/config"
	"github.com/jgoulah/gridreport/internal/database"
	"github.com/jgoulah/gridreport/internal/nuclear"
	"github.com/jgoulah/gridreport/internal/publisher"
	"github.com/jgoulah/gridreport/internal/reconciler"
	"github.com/jgoulah/gridreport/pkg/models"
)

var testNow = time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)

type fakeReport struct {
	text string
	spec *chart.Spec
}

func (r fakeReport) Text() string { return r.text }
func (r fakeReport) AltText() string { return "alt" }
func (r fakeReport) Chart() *chart.Spec { return r.spec }
func (r fakeReport) Values() map[string]float64 { return map[string]float64{"value": 1} }

func chartReport(text string) fakeReport {
	return fakeReport{text: text, spec: &chart.Spec{Title: text}}
}

func staticProcess(name string, rep Report, err error) Process {
	return Process{
		Name:        name,
		Enabled:     true,
		ChartPrefix: name,
		Fetch: func(context.Context, time.Time) (Report, error) {
			return rep, err
		},
	}
}

// fakePublisher fails with errs in order, then succeeds
type fakePublisher struct {
	errs  []error
	calls int
	posts []publisher.Post
}

func (f *fakePublisher) Post(_ context.Context, p publisher.Post) (string, error) {
	f.calls++
	f.posts = append(f.posts, p)
	if f.calls <= len(f.errs) {
		return "", f.errs[f.calls-1]
	}
	return fmt.Sprintf("at://post/%d", f.calls), nil
}

type fakeRenderer struct {
	err   error
	calls int
}

func (f *fakeRenderer) Render(_ chart.Spec, path string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("\x89PNG"), 0644)
}

type fakeMirror struct {
	summaries []publisher.Summary
}

func (f *fakeMirror) Publish(s publisher.Summary) error {
	f.summaries = append(f.summaries, s)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Dir = filepath.Join(t.TempDir(), "output")
	cfg.Posting.RetryDelay = 0
	return cfg
}

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func retryable() error {
	return &publisher.PublishError{Op: "createRecord", StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
}

func TestPublishRetriesUntilSuccess(t *testing.T) {
	cfg := testConfig(t)
	cfg.Posting.RetryAttempts = 3
	pub := &fakePublisher{errs: []error{retryable(), retryable()}}
	db := testDB(t)

	o := New(cfg, []Process{staticProcess("load", chartReport("hello"), nil)}, &fakeRenderer{}, pub, db, zap.NewNop())
	report, err := o.RunCycle(context.Background(), testNow)
	require.NoError(t, err)

	assert.Equal(t, 3, pub.calls)
	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Equal(t, StatusPosted, res.Status)
	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "at://post/3", res.URI)

	// every attempt carries the same artifact
	for _, p := range pub.posts {
		assert.Equal(t, pub.posts[0], p)
	}

	last, err := db.LastPublish(context.Background(), "load")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "at://post/3", last.URI)
}

func TestPublishSingleAttemptFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Posting.RetryAttempts = 1
	pub := &fakePublisher{errs: []error{retryable(), retryable()}}

	o := New(cfg, []Process{staticProcess("load", chartReport("hello"), nil)}, &fakeRenderer{}, pub, testDB(t), zap.NewNop())
	report, err := o.RunCycle(context.Background(), testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, pub.calls)
	res := report.Results[0]
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, StagePublishing, res.Stage)
	assert.True(t, report.Failed())
	assert.True(t, publisher.IsRetryable(res.Err))
}

func TestPublishStopsOnPermanentError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Posting.RetryAttempts = 5
	pub := &fakePublisher{errs: []error{&publisher.PublishError{Op: "createRecord", StatusCode: 400, Err: errors.New("bad")}}}

	o := New(cfg, []Process{staticProcess("load", chartReport("hello"), nil)}, &fakeRenderer{}, pub, testDB(t), zap.NewNop())
	report, err := o.RunCycle(context.Background(), testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, pub.calls)
	assert.Equal(t, StatusFailed, report.Results[0].Status)
}

func TestRetentionKeepsNewestCharts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Retention = 5
	require.NoError(t, os.MkdirAll(cfg.Output.Dir, 0755))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 8; i++ {
		path := filepath.Join(cfg.Output.Dir, fmt.Sprintf("old_%d.png", i))
		require.NoError(t, os.WriteFile(path, []byte("png"), 0644))
		mtime := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
	// not a chart; never touched
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Output.Dir, "notes.txt"), []byte("x"), 0644))

	o := New(cfg, []Process{staticProcess("load", chartReport("hello"), nil)}, &fakeRenderer{}, &fakePublisher{}, testDB(t), zap.NewNop())
	report, err := o.RunCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Results[0].Removed)

	matches, err := filepath.Glob(filepath.Join(cfg.Output.Dir, "*.png"))
	require.NoError(t, err)
	var names []string
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)
	assert.Equal(t, []string{"load_20250110_150000.png", "old_4.png", "old_5.png", "old_6.png", "old_7.png"}, names)
	assert.FileExists(t, filepath.Join(cfg.Output.Dir, "notes.txt"))
}

func TestRetentionRunsAfterFailedPublish(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Retention = 1
	cfg.Posting.RetryAttempts = 1
	require.NoError(t, os.MkdirAll(cfg.Output.Dir, 0755))
	old := filepath.Join(cfg.Output.Dir, "old.png")
	require.NoError(t, os.WriteFile(old, []byte("png"), 0644))
	mtime := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, mtime, mtime))

	o := New(cfg, []Process{staticProcess("load", chartReport("hello"), nil)}, &fakeRenderer{}, &fakePublisher{errs: []error{retryable()}}, testDB(t), zap.NewNop())
	report, err := o.RunCycle(context.Background(), testNow)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, report.Results[0].Status)
	assert.NoFileExists(t, old)
	assert.FileExists(t, report.Results[0].ChartPath)
}

func TestProcessesAreIsolated(t *testing.T) {
	cfg := testConfig(t)
	pub := &fakePublisher{}
	processes := []Process{
		staticProcess("load", nil, errors.New("gridstatus: connection refused")),
		staticProcess("nuclear", chartReport("fleet"), nil),
	}

	o := New(cfg, processes, &fakeRenderer{}, pub, testDB(t), zap.NewNop())
	report, err := o.RunCycle(context.Background(), testNow)
	require.NoError(t, err)

	require.Len(t, report.Results, 2)
	assert.Equal(t, StatusFailed, report.Results[0].Status)
	assert.Equal(t, StageFetching, report.Results[0].Stage)
	assert.Equal(t, StatusPosted, report.Results[1].Status)
	assert.Equal(t, 1, pub.calls)
}

func TestInsufficientDataSkips(t *testing.T) {
	cfg := testConfig(t)
	pub := &fakePublisher{}
	processes := []Process{
		staticProcess("load", nil, fmt.Errorf("window: %w", reconciler.ErrInsufficientData)),
		staticProcess("nuclear", nil, nuclear.ErrNoFleetData),
	}

	o := New(cfg, processes, &fakeRenderer{}, pub, testDB(t), zap.NewNop())
	report, err := o.RunCycle(context.Background(), testNow)
	require.NoError(t, err)

	for _, res := range report.Results {
		assert.Equal(t, StatusSkipped, res.Status, res.Name)
		assert.NoError(t, res.Err)
	}
	assert.False(t, report.Failed())
	assert.Zero(t, pub.calls)
}

func TestDisabledProcessesAreNotRun(t *testing.T) {
	cfg := testConfig(t)
	disabled := staticProcess("nuclear", chartReport("fleet"), nil)
	disabled.Enabled = false

	o := New(cfg, []Process{staticProcess("load", chartReport("load"), nil), disabled}, &fakeRenderer{}, &fakePublisher{}, testDB(t), zap.NewNop())
	assert.Len(t, o.Resolve(), 1)

	report, err := o.RunCycle(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "load", report.Results[0].Name)
}

func TestDueCheck(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Posting.IntervalHours = 4

	tests := []struct {
		name   string
		lastAt time.Time
		force  bool
		want   Status
	}{
		{"posted an hour ago", testNow.Add(-time.Hour), false, StatusSkipped},
		{"forced", testNow.Add(-time.Hour), true, StatusPosted},
		{"within slack", testNow.Add(-4*time.Hour + 2*time.Minute), false, StatusPosted},
		{"never posted", time.Time{}, false, StatusPosted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDB(t)
			if !tt.lastAt.IsZero() {
				require.NoError(t, db.RecordPublish(ctx, models.PublishRecord{Process: "load", PostedAt: tt.lastAt, URI: "at://old"}))
			}

			o := New(cfg, []Process{staticProcess("load", fakeReport{text: "hello"}, nil)}, nil, &fakePublisher{}, db, zap.NewNop(), WithForce(tt.force))
			report, err := o.RunCycle(ctx, testNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Results[0].Status)
		})
	}
}

func TestRenderFailureFallsBackToText(t *testing.T) {
	cfg := testConfig(t)
	pub := &fakePublisher{}
	renderer := &fakeRenderer{err: errors.New("font missing")}

	o := New(cfg, []Process{staticProcess("load", chartReport("hello"), nil)}, renderer, pub, testDB(t), zap.NewNop())
	report, err := o.RunCycle(context.Background(), testNow)
	require.NoError(t, err)

	assert.Equal(t, StatusPosted, report.Results[0].Status)
	assert.Empty(t, report.Results[0].ChartPath)
	require.Len(t, pub.posts, 1)
	assert.Nil(t, pub.posts[0].Image)
}

func TestImagesDisabledSkipsRendering(t *testing.T) {
	cfg := testConfig(t)
	cfg.Posting.IncludeImages = false
	renderer := &fakeRenderer{}

	o := New(cfg, []Process{staticProcess("load", chartReport("hello"), nil)}, renderer, &fakePublisher{}, testDB(t), zap.NewNop())
	_, err := o.RunCycle(context.Background(), testNow)
	require.NoError(t, err)
	assert.Zero(t, renderer.calls)
}

type failingLog struct {
	bad string
}

func (f failingLog) RecordPublish(context.Context, models.PublishRecord) error { return nil }

func (f failingLog) LastPublish(_ context.Context, process string) (*models.PublishRecord, error) {
	if process == f.bad {
		return nil, &database.PersistenceError{Op: "last publish", Err: errors.New("database is locked")}
	}
	return nil, nil
}

func TestPersistenceErrorIsFatalForCycle(t *testing.T) {
	cfg := testConfig(t)
	pub := &fakePublisher{}
	processes := []Process{
		staticProcess("load", chartReport("load"), nil),
		staticProcess("nuclear", chartReport("fleet"), nil),
	}

	o := New(cfg, processes, &fakeRenderer{}, pub, failingLog{bad: "load"}, zap.NewNop())
	report, err := o.RunCycle(context.Background(), testNow)
	require.Error(t, err)

	var perr *database.PersistenceError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, StatusFailed, report.Results[0].Status)
	assert.Equal(t, StatusPosted, report.Results[1].Status)
}

func TestMirrorReceivesSummary(t *testing.T) {
	cfg := testConfig(t)
	mirror := &fakeMirror{}

	o := New(cfg, []Process{staticProcess("load", chartReport("hello"), nil)}, &fakeRenderer{}, &fakePublisher{}, testDB(t), zap.NewNop(), WithMirror(mirror))
	report, err := o.RunCycle(context.Background(), testNow)
	require.NoError(t, err)

	require.Len(t, mirror.summaries, 1)
	s := mirror.summaries[0]
	assert.Equal(t, "load", s.Process)
	assert.Equal(t, report.ID, s.CycleID)
	assert.Equal(t, "at://post/1", s.URI)
	assert.Equal(t, 1.0, s.Values["value"])
}
