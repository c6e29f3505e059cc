// Package orchestrator runs one reporting cycle: for every enabled process it
// fetches data, formats the post, renders the chart and publishes, keeping
// each process isolated from the others' failures.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jgoulah/gridreport/internal/chart"
	"github.com/jgoulah/gridreport/internal/config"
	"github.com/jgoulah/gridreport/internal/database"
	"github.com/jgoulah/gridreport/internal/nuclear"
	"github.com/jgoulah/gridreport/internal/publisher"
	"github.com/jgoulah/gridreport/internal/reconciler"
	"github.com/jgoulah/gridreport/pkg/models"
)

// dueSlack lets a cron schedule that fires exactly every interval stay due
const dueSlack = 5 * time.Minute

// Stage is where a process pipeline is (or stopped)
type Stage string

const (
	StageIdle       Stage = "idle"
	StageFetching   Stage = "fetching"
	StageFormatting Stage = "formatting"
	StageRendering  Stage = "rendering"
	StagePublishing Stage = "publishing"
	StageDone       Stage = "done"
)

// Status is how a process ended the cycle
type Status string

const (
	StatusPosted  Status = "posted"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Report is a formatted, ready-to-post result of a process's fetch stage
type Report interface {
	Text() string
	AltText() string
	Chart() *chart.Spec // nil for text-only posts
	Values() map[string]float64
}

// Process is one independently toggled reporting pipeline
type Process struct {
	Name        string
	Enabled     bool
	ChartPrefix string
	LinkLabel   string
	LinkURL     string
	Fetch       func(ctx context.Context, now time.Time) (Report, error)
}

// Renderer draws a chart spec to a file
type Renderer interface {
	Render(spec chart.Spec, path string) error
}

// Publisher posts to the social feed
type Publisher interface {
	Post(ctx context.Context, p publisher.Post) (string, error)
}

// PublishLog records successful posts for due-time decisions
type PublishLog interface {
	RecordPublish(ctx context.Context, rec models.PublishRecord) error
	LastPublish(ctx context.Context, process string) (*models.PublishRecord, error)
}

// Mirror receives a summary of every successful post
type Mirror interface {
	Publish(s publisher.Summary) error
}

// ProcessResult is the outcome of one process in one cycle
type ProcessResult struct {
	Name      string
	Status    Status
	Stage     Stage // last stage reached; the failing stage when Status is failed
	Reason    string
	URI       string
	ChartPath string
	Attempts  int
	Removed   int // chart files deleted by retention
	Err       error
}

// CycleReport collects the results of one cycle
type CycleReport struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []ProcessResult
}

// Failed reports whether any process failed
func (r *CycleReport) Failed() bool {
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithMirror mirrors successful posts to m
func WithMirror(m Mirror) Option {
	return func(o *Orchestrator) { o.mirror = m }
}

// WithForce ignores the due check
func WithForce(force bool) Option {
	return func(o *Orchestrator) { o.force = force }
}

// Orchestrator runs reporting cycles
type Orchestrator struct {
	cfg       *config.Config
	processes []Process
	renderer  Renderer
	publisher Publisher
	publishes PublishLog
	mirror    Mirror
	force     bool
	log       *zap.Logger
}

// New creates an orchestrator for processes, in run order
func New(cfg *config.Config, processes []Process, renderer Renderer, pub Publisher, publishes PublishLog, log *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		processes: processes,
		renderer:  renderer,
		publisher: pub,
		publishes: publishes,
		log:       log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resolve returns the enabled processes in run order
func (o *Orchestrator) Resolve() []Process {
	var enabled []Process
	for _, p := range o.processes {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	return enabled
}

// RunCycle runs every enabled process once. Process failures are reported in
// the CycleReport; the returned error is non-nil only when the store failed.
func (o *Orchestrator) RunCycle(ctx context.Context, now time.Time) (*CycleReport, error) {
	report := &CycleReport{ID: uuid.NewString(), StartedAt: now}
	log := o.log.With(zap.String("cycle_id", report.ID))

	processes := o.Resolve()
	if len(processes) == 0 {
		log.Warn("no processes enabled")
	}

	var fatal []error
	for _, p := range processes {
		res := o.runProcess(ctx, log.With(zap.String("process", p.Name)), report.ID, p, now)
		report.Results = append(report.Results, res)

		var perr *database.PersistenceError
		if errors.As(res.Err, &perr) {
			fatal = append(fatal, fmt.Errorf("%s: %w", p.Name, res.Err))
		}
	}

	report.FinishedAt = time.Now()
	return report, errors.Join(fatal...)
}

func (o *Orchestrator) runProcess(ctx context.Context, log *zap.Logger, cycleID string, p Process, now time.Time) (res ProcessResult) {
	res = ProcessResult{Name: p.Name, Stage: StageIdle}
	fail := func(err error) ProcessResult {
		res.Status = StatusFailed
		res.Err = err
		log.Error("process failed", zap.String("stage", string(res.Stage)), zap.Error(err))
		return res
	}
	skip := func(reason string) ProcessResult {
		res.Status = StatusSkipped
		res.Reason = reason
		log.Info("process skipped", zap.String("stage", string(res.Stage)), zap.String("reason", reason))
		return res
	}

	if !o.force {
		due, err := o.isDue(ctx, p.Name, now)
		if err != nil {
			return fail(err)
		}
		if !due {
			return skip("not due")
		}
	}

	res.Stage = StageFetching
	rep, err := p.Fetch(ctx, now)
	if err != nil {
		if errors.Is(err, reconciler.ErrInsufficientData) || errors.Is(err, nuclear.ErrNoFleetData) {
			return skip(err.Error())
		}
		return fail(err)
	}

	res.Stage = StageFormatting
	text := rep.Text()
	if strings.TrimSpace(text) == "" {
		return fail(errors.New("report text is empty"))
	}
	post := publisher.Post{
		Text:      text,
		AltText:   rep.AltText(),
		LinkLabel: p.LinkLabel,
		LinkURL:   p.LinkURL,
	}

	res.Stage = StageRendering
	if o.cfg.Posting.IncludeImages && o.renderer != nil {
		if spec := rep.Chart(); spec != nil {
			path := filepath.Join(o.cfg.Output.Dir, chart.FileName(p.ChartPrefix, now.UTC()))
			if image, err := o.render(*spec, path); err != nil {
				log.Warn("chart rendering failed, posting text only", zap.String("stage", string(res.Stage)), zap.Error(err))
			} else {
				post.Image = image
				res.ChartPath = path
			}
		}
	}

	res.Stage = StagePublishing
	uri, attempts, err := o.publish(ctx, log, post)
	res.Attempts = attempts
	res.Removed = o.applyRetention(log)
	if err != nil {
		return fail(err)
	}
	res.URI = uri

	if err := o.publishes.RecordPublish(ctx, models.PublishRecord{Process: p.Name, PostedAt: now.UTC(), URI: uri}); err != nil {
		return fail(err)
	}

	if o.mirror != nil {
		err := o.mirror.Publish(publisher.Summary{
			Process:  p.Name,
			CycleID:  cycleID,
			PostedAt: now,
			URI:      uri,
			Text:     text,
			Values:   rep.Values(),
		})
		if err != nil {
			log.Warn("mirror publish failed", zap.Error(err))
		}
	}

	res.Stage = StageDone
	res.Status = StatusPosted
	log.Info("process posted", zap.String("uri", uri), zap.Int("attempts", attempts), zap.Bool("image", post.Image != nil))
	return res
}

// isDue reports whether no post for process is logged within the posting interval
func (o *Orchestrator) isDue(ctx context.Context, process string, now time.Time) (bool, error) {
	interval := o.cfg.GetPostingInterval()
	if interval <= 0 {
		return true, nil
	}

	last, err := o.publishes.LastPublish(ctx, process)
	if err != nil {
		return false, err
	}
	if last == nil {
		return true, nil
	}
	return now.Sub(last.PostedAt) >= interval-dueSlack, nil
}

func (o *Orchestrator) render(spec chart.Spec, path string) ([]byte, error) {
	if err := o.renderer.Render(spec, path); err != nil {
		return nil, err
	}
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading chart: %w", err)
	}
	return image, nil
}

// publish posts with up to retry_attempts total attempts, giving up early on
// errors the publisher marks as not retryable
func (o *Orchestrator) publish(ctx context.Context, log *zap.Logger, post publisher.Post) (string, int, error) {
	var (
		uri      string
		attempts int
	)
	maxAttempts := o.cfg.GetRetryAttempts()

	op := func() error {
		attempts++
		var err error
		uri, err = o.publisher.Post(ctx, post)
		if err == nil {
			return nil
		}

		var pe *publisher.PublishError
		if errors.As(err, &pe) && !pe.Retryable {
			return backoff.Permanent(err)
		}
		log.Warn("publish attempt failed",
			zap.String("stage", string(StagePublishing)),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err))
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.cfg.Posting.RetryDelay), uint64(maxAttempts-1)),
		ctx,
	))
	if err != nil {
		return "", attempts, fmt.Errorf("publishing after %d attempt(s): %w", attempts, err)
	}
	return uri, attempts, nil
}

func (o *Orchestrator) applyRetention(log *zap.Logger) int {
	removed, err := ApplyRetention(o.cfg.Output.Dir, o.cfg.Output.Retention)
	if err != nil {
		log.Warn("chart retention failed", zap.Error(err))
	}
	if len(removed) > 0 {
		log.Debug("removed old charts", zap.Strings("files", removed))
	}
	return len(removed)
}
