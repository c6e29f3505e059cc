package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/jgoulah/gridreport/internal/config"
	"github.com/jgoulah/gridreport/pkg/models"
)

// ErrInsufficientData is returned when a window holds no samples after merging
var ErrInsufficientData = errors.New("insufficient load data for window")

// Store is the slice of the persistence store the reconciler needs
type Store interface {
	UpsertLoadSamples(ctx context.Context, samples []models.LoadSample) (int, error)
	QueryLoadSamples(ctx context.Context, start, end time.Time) ([]models.LoadSample, error)
}

// Source fetches load samples for [start, end) from the grid data provider
type Source interface {
	FetchLoad(ctx context.Context, start, end time.Time) ([]models.LoadSample, error)
}

// Reconciler merges stored and freshly fetched load samples for a window
type Reconciler struct {
	cfg    *config.Config
	store  Store
	source Source
	log    *zap.Logger
}

// New creates a reconciler
func New(cfg *config.Config, store Store, source Source, log *zap.Logger) *Reconciler {
	return &Reconciler{cfg: cfg, store: store, source: source, log: log}
}

// LoadStats summarizes the samples in a window
type LoadStats struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Samples     []models.LoadSample // ascending, UTC
	Count       int
	Average     float64
	Maximum     models.LoadSample
	Minimum     models.LoadSample
	Current     models.LoadSample // newest sample in the window
	LoadFactor  float64           // average / maximum
	Stored      int               // new rows written by this call
}

// Reconcile makes sure the store covers [windowStart, windowEnd], fetching the
// missing tail when needed, and returns statistics over the merged window
func (r *Reconciler) Reconcile(ctx context.Context, windowStart, windowEnd time.Time) (*LoadStats, error) {
	windowStart, windowEnd = windowStart.UTC(), windowEnd.UTC()
	if !windowStart.Before(windowEnd) {
		return nil, fmt.Errorf("window start %s is not before end %s", windowStart, windowEnd)
	}

	existing, err := r.store.QueryLoadSamples(ctx, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("querying stored samples: %w", err)
	}

	stored := 0
	if fetchStart, ok := r.missingFrom(existing, windowStart, windowEnd); ok {
		stored, err = r.fetchRange(ctx, fetchStart, windowEnd)
		if err != nil {
			return nil, err
		}
	} else {
		r.log.Debug("window tail already covered", zap.Int("samples", len(existing)))
	}

	merged, err := r.store.QueryLoadSamples(ctx, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("querying merged samples: %w", err)
	}

	stats, err := ComputeStats(merged)
	if err != nil {
		return nil, err
	}
	stats.WindowStart = windowStart
	stats.WindowEnd = windowEnd
	stats.Stored = stored
	return stats, nil
}

// missingFrom decides whether the tail of the window is missing and, if so,
// where fetching should start. The tail is the last interval that has fully
// elapsed by windowEnd.
func (r *Reconciler) missingFrom(existing []models.LoadSample, windowStart, windowEnd time.Time) (time.Time, bool) {
	interval := r.cfg.GetInterval()

	tail := windowEnd.Truncate(interval).Add(-interval)
	if tail.Before(windowStart) {
		tail = windowStart
	}

	if len(existing) == 0 {
		start := windowEnd.Add(-r.cfg.GetInitialLookback())
		r.log.Info("no stored load for window, performing initial load",
			zap.Time("from", start), zap.Time("to", windowEnd))
		return start, true
	}

	latest := existing[len(existing)-1].Timestamp
	if !latest.Before(tail) {
		return time.Time{}, false
	}

	start := latest.Add(interval)
	if floor := windowEnd.Add(-r.cfg.GetRegularLookback()); start.Before(floor) {
		start = floor
	}
	r.log.Info("window tail not covered, fetching",
		zap.Time("latest_stored", latest), zap.Time("from", start), zap.Time("to", windowEnd))
	return start, true
}

// fetchRange pulls [start, end) in chunk-sized requests, storing each chunk
// before requesting the next so a failure keeps the earlier ones
func (r *Reconciler) fetchRange(ctx context.Context, start, end time.Time) (int, error) {
	chunk := r.cfg.GetChunk()
	interval := r.cfg.GetInterval()

	total := 0
	for chunkStart := start; chunkStart.Before(end); {
		chunkEnd := chunkStart.Add(chunk)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		fetched, err := r.source.FetchLoad(ctx, chunkStart, chunkEnd)
		if err != nil {
			return total, fmt.Errorf("fetching load %s to %s: %w",
				chunkStart.Format(time.RFC3339), chunkEnd.Format(time.RFC3339), err)
		}

		clean := Clean(fetched, interval)
		if dropped := len(fetched) - len(clean); dropped > 0 {
			r.log.Warn("dropped invalid load rows", zap.Int("dropped", dropped))
		}

		n, err := r.store.UpsertLoadSamples(ctx, clean)
		if err != nil {
			return total, fmt.Errorf("storing fetched load: %w", err)
		}
		total += n

		r.log.Info("stored load chunk",
			zap.Time("from", chunkStart),
			zap.Time("to", chunkEnd),
			zap.Int("fetched", len(fetched)),
			zap.Int("new", n))

		chunkStart = chunkEnd
	}

	return total, nil
}

// Clean drops NaN, infinite and negative loads, aligns timestamps to the
// interval in UTC, and keeps the first sample for any repeated timestamp
func Clean(samples []models.LoadSample, interval time.Duration) []models.LoadSample {
	seen := make(map[time.Time]bool, len(samples))
	out := make([]models.LoadSample, 0, len(samples))
	for _, s := range samples {
		if math.IsNaN(s.LoadMW) || math.IsInf(s.LoadMW, 0) || s.LoadMW < 0 {
			continue
		}
		ts := s.Timestamp.UTC().Truncate(interval)
		if seen[ts] {
			continue
		}
		seen[ts] = true
		out = append(out, models.LoadSample{Timestamp: ts, LoadMW: s.LoadMW})
	}
	return out
}

// ComputeStats summarizes ascending samples; an empty slice is ErrInsufficientData
func ComputeStats(samples []models.LoadSample) (*LoadStats, error) {
	if len(samples) == 0 {
		return nil, ErrInsufficientData
	}

	stats := &LoadStats{
		Samples: samples,
		Count:   len(samples),
		Maximum: samples[0],
		Minimum: samples[0],
		Current: samples[len(samples)-1],
	}

	var sum float64
	for _, s := range samples {
		sum += s.LoadMW
		if s.LoadMW > stats.Maximum.LoadMW {
			stats.Maximum = s
		}
		if s.LoadMW < stats.Minimum.LoadMW {
			stats.Minimum = s
		}
	}
	stats.Average = sum / float64(len(samples))
	if stats.Maximum.LoadMW > 0 {
		stats.LoadFactor = stats.Average / stats.Maximum.LoadMW
	}

	return stats, nil
}
