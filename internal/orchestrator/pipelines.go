package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jgoulah/gridreport/internal/chart"
	"github.com/jgoulah/gridreport/internal/config"
	"github.com/jgoulah/gridreport/internal/nuclear"
	"github.com/jgoulah/gridreport/internal/reconciler"
	"github.com/jgoulah/gridreport/internal/report"
	"github.com/jgoulah/gridreport/pkg/models"
)

const (
	ProcessLoad    = "load"
	ProcessNuclear = "nuclear"
)

// LoadReconciler produces window statistics for the load report
type LoadReconciler interface {
	Reconcile(ctx context.Context, windowStart, windowEnd time.Time) (*reconciler.LoadStats, error)
}

// FleetEstimator produces the nuclear fleet estimate
type FleetEstimator interface {
	Estimate(ctx context.Context, now time.Time) (*nuclear.FleetEstimate, error)
}

// LoadHistory reads stored load samples
type LoadHistory interface {
	QueryLoadSamples(ctx context.Context, start, end time.Time) ([]models.LoadSample, error)
}

// Processes declares the load and nuclear processes from configuration
func Processes(cfg *config.Config, rec LoadReconciler, est FleetEstimator, history LoadHistory, loc *time.Location, log *zap.Logger) []Process {
	load := cfg.Posting.Processes.Load
	nuc := cfg.Posting.Processes.Nuclear
	return []Process{
		{
			Name:        ProcessLoad,
			Enabled:     load.Enabled,
			ChartPrefix: "comed_load",
			LinkLabel:   load.LinkLabel,
			LinkURL:     load.LinkURL,
			Fetch:       LoadPipeline(cfg, rec, loc),
		},
		{
			Name:        ProcessNuclear,
			Enabled:     nuc.Enabled,
			ChartPrefix: "nuclear_vs_load",
			LinkLabel:   nuc.LinkLabel,
			LinkURL:     nuc.LinkURL,
			Fetch:       NuclearPipeline(cfg, est, history, loc, log),
		},
	}
}

// LoadPipeline reconciles the trailing window ending at now
func LoadPipeline(cfg *config.Config, rec LoadReconciler, loc *time.Location) func(context.Context, time.Time) (Report, error) {
	return func(ctx context.Context, now time.Time) (Report, error) {
		end := now.UTC()
		stats, err := rec.Reconcile(ctx, end.Add(-cfg.GetWindow()), end)
		if err != nil {
			return nil, err
		}
		return &LoadReport{Stats: stats, Location: loc, Window: cfg.GetWindow()}, nil
	}
}

// NuclearPipeline estimates the fleet and compares it with the stored load
// window. Missing load data only drops the comparison.
func NuclearPipeline(cfg *config.Config, est FleetEstimator, history LoadHistory, loc *time.Location, log *zap.Logger) func(context.Context, time.Time) (Report, error) {
	return func(ctx context.Context, now time.Time) (Report, error) {
		fleet, err := est.Estimate(ctx, now)
		if err != nil {
			return nil, err
		}

		end := now.UTC()
		samples, err := history.QueryLoadSamples(ctx, end.Add(-cfg.GetWindow()), end)
		if err != nil {
			return nil, fmt.Errorf("querying load for comparison: %w", err)
		}
		if len(samples) == 0 {
			log.Info("no stored load for comparison")
		}

		return &NuclearReport{
			Fleet:      fleet,
			Comparison: nuclear.CompareWithLoad(fleet, samples),
			Samples:    samples,
			Location:   loc,
		}, nil
	}
}

// LoadReport is the ComEd load post
type LoadReport struct {
	Stats    *reconciler.LoadStats
	Location *time.Location
	Window   time.Duration
}

func (r *LoadReport) Text() string { return report.LoadText(r.Stats, r.Location) }
func (r *LoadReport) AltText() string { return report.LoadAltText(r.Stats, r.Location) }

func (r *LoadReport) Chart() *chart.Spec {
	return &chart.Spec{
		Title:    "ComEd Load",
		Subtitle: fmt.Sprintf("Last %d hours", int(r.Window.Hours())),
		Series:   chart.Series{Name: "ComEd load (MW)", Samples: r.Stats.Samples},
		Markers:  true,
	}
}

func (r *LoadReport) Values() map[string]float64 {
	return map[string]float64{
		"average_mw":  r.Stats.Average,
		"maximum_mw":  r.Stats.Maximum.LoadMW,
		"minimum_mw":  r.Stats.Minimum.LoadMW,
		"current_mw":  r.Stats.Current.LoadMW,
		"load_factor": r.Stats.LoadFactor,
		"samples":     float64(r.Stats.Count),
	}
}

// NuclearReport is the Illinois nuclear fleet post
type NuclearReport struct {
	Fleet      *nuclear.FleetEstimate
	Comparison *nuclear.LoadComparison // nil without load data
	Samples    []models.LoadSample
	Location   *time.Location
}

func (r *NuclearReport) Text() string {
	return report.NuclearText(r.Fleet, r.Comparison, r.Location)
}

func (r *NuclearReport) AltText() string {
	return report.NuclearAltText(r.Fleet, r.Comparison)
}

// Chart plots load against fleet output; text only without load samples
func (r *NuclearReport) Chart() *chart.Spec {
	if len(r.Samples) == 0 {
		return nil
	}
	return &chart.Spec{
		Title:     "Illinois Nuclear vs ComEd Load",
		Subtitle:  report.PlantsReporting(r.Fleet),
		Series:    chart.Series{Name: "ComEd load (MW)", Samples: r.Samples},
		Reference: &chart.Reference{Label: "Nuclear output (MW)", Value: r.Fleet.GenerationMW},
	}
}

func (r *NuclearReport) Values() map[string]float64 {
	v := map[string]float64{
		"generation_mw":    r.Fleet.GenerationMW,
		"capacity_mw":      r.Fleet.CapacityMW,
		"capacity_factor":  r.Fleet.CapacityFactor,
		"plants_reporting": float64(r.Fleet.PlantsReporting),
		"plants_total":     float64(r.Fleet.PlantsTotal),
	}
	if r.Comparison != nil {
		v["load_share_pct"] = r.Comparison.SharePct
		v["covered_pct"] = r.Comparison.CoveredPct()
	}
	return v
}
