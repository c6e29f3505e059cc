package nuclear

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jgoulah/gridreport/internal/config"
	"github.com/jgoulah/gridreport/pkg/models"
)

// ErrNoFleetData is returned when no mapped plant has usable status and capacity
var ErrNoFleetData = errors.New("no usable nuclear fleet data")

const defaultFullPowerThreshold = 95.0

// Store is the slice of the persistence store the estimator needs
type Store interface {
	UpsertReactorStatus(ctx context.Context, records []models.ReactorStatus) (int, error)
	UpsertPlantCapacity(ctx context.Context, records []models.PlantCapacity) (int, error)
	LatestReactorStatusBefore(ctx context.Context, unit string, t time.Time) (*models.ReactorStatus, error)
	LatestPlantCapacityBefore(ctx context.Context, plantID, generatorID string, t time.Time) (*models.PlantCapacity, error)
}

// StatusSource provides current reactor power levels
type StatusSource interface {
	FetchStatus(ctx context.Context) ([]models.ReactorStatus, error)
}

// CapacitySource provides monthly plant capacity
type CapacitySource interface {
	FetchCapacity(ctx context.Context, plantIDs []string, start, end time.Time) ([]models.PlantCapacity, error)
}

// Reason explains why a plant was left out of the fleet total
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonNoStatus   Reason = "no status report"
	ReasonStale      Reason = "stale status report"
	ReasonNoCapacity Reason = "no capacity data"
)

// UnitEstimate is one reactor's contribution
type UnitEstimate struct {
	Name         string
	GeneratorID  string
	Status       *models.ReactorStatus // nil when nothing is stored
	Stale        bool
	CapacityMW   float64
	GenerationMW float64
}

// Usable reports whether the unit's status can be used for the estimate
func (u UnitEstimate) Usable() bool {
	return u.Status != nil && !u.Stale
}

// PlantEstimate is one plant's aggregated estimate
type PlantEstimate struct {
	Name           string
	PlantID        string
	Units          []UnitEstimate
	CapacityPeriod time.Time // month of the capacity record used
	PerUnit        bool      // capacity came from generator rows rather than an even split
	CapacityMW     float64   // seasonal capacity of the whole plant
	GenerationMW   float64
	Included       bool
	Reason         Reason
}

// UsableUnits counts units with a usable status
func (p PlantEstimate) UsableUnits() int {
	n := 0
	for _, u := range p.Units {
		if u.Usable() {
			n++
		}
	}
	return n
}

// Partial reports an included plant with at least one unusable unit
func (p PlantEstimate) Partial() bool {
	return p.Included && p.UsableUnits() < len(p.Units)
}

// FleetEstimate is the point-in-time estimate for the whole fleet
type FleetEstimate struct {
	EvaluatedAt      time.Time
	Season           Season
	Plants           []PlantEstimate // sorted by name
	GenerationMW     float64
	CapacityMW       float64 // capacity of included plants only
	CapacityFactor   float64 // 0-1
	UnitsAtFullPower int
	UnitsReduced     int
	UnitsUnavailable int // missing, stale, or in an excluded plant
	PlantsReporting  int
	PlantsTotal      int
	LatestReport     time.Time
	SourceErrors     []error // fetch failures served from stored data instead
}

// Missing returns the excluded plants
func (f *FleetEstimate) Missing() []PlantEstimate {
	var out []PlantEstimate
	for _, p := range f.Plants {
		if !p.Included {
			out = append(out, p)
		}
	}
	return out
}

// PartialPlants returns included plants with some unusable units
func (f *FleetEstimate) PartialPlants() []PlantEstimate {
	var out []PlantEstimate
	for _, p := range f.Plants {
		if p.Partial() {
			out = append(out, p)
		}
	}
	return out
}

// IsPartial reports whether any plant or unit was excluded
func (f *FleetEstimate) IsPartial() bool {
	return f.PlantsReporting < f.PlantsTotal || len(f.PartialPlants()) > 0
}

// Estimator combines NRC status and EIA capacity into a fleet estimate
type Estimator struct {
	cfg      *config.Config
	store    Store
	status   StatusSource
	capacity CapacitySource
	log      *zap.Logger
}

// New creates an estimator
func New(cfg *config.Config, store Store, status StatusSource, capacity CapacitySource, log *zap.Logger) *Estimator {
	return &Estimator{
		cfg:      cfg,
		store:    store,
		status:   status,
		capacity: capacity,
		log:      log,
	}
}

// Estimate refreshes stored NRC and EIA data, then builds the fleet estimate
// as of now from the latest stored records. Fetch failures are logged and
// recorded on the estimate; the stored data is used instead.
func (e *Estimator) Estimate(ctx context.Context, now time.Time) (*FleetEstimate, error) {
	now = now.UTC()
	var sourceErrs []error

	if err := e.refreshStatus(ctx); err != nil {
		if !isSourceError(err) {
			return nil, err
		}
		e.log.Warn("NRC fetch failed, using stored status", zap.Error(err))
		sourceErrs = append(sourceErrs, err)
	}

	if err := e.refreshCapacity(ctx, now); err != nil {
		if !isSourceError(err) {
			return nil, err
		}
		e.log.Warn("EIA fetch failed, using stored capacity", zap.Error(err))
		sourceErrs = append(sourceErrs, err)
	}

	fleet, err := e.Build(ctx, now)
	if err != nil {
		if errors.Is(err, ErrNoFleetData) && len(sourceErrs) > 0 {
			return nil, fmt.Errorf("%w (fetch errors: %v)", err, errors.Join(sourceErrs...))
		}
		return nil, err
	}
	fleet.SourceErrors = sourceErrs
	return fleet, nil
}

// refreshStatus returns a *fetchError for source failures and the store's
// error otherwise
func (e *Estimator) refreshStatus(ctx context.Context) error {
	records, err := e.status.FetchStatus(ctx)
	if err != nil {
		return &fetchError{err}
	}
	if len(records) == 0 {
		return &fetchError{errors.New("nrc: report contained no configured units")}
	}

	n, err := e.store.UpsertReactorStatus(ctx, records)
	if err != nil {
		return fmt.Errorf("storing reactor status: %w", err)
	}
	e.log.Info("stored NRC status", zap.Int("records", len(records)), zap.Int("changed", n))
	return nil
}

func (e *Estimator) refreshCapacity(ctx context.Context, now time.Time) error {
	end := models.MonthStart(now)
	start := end.AddDate(0, -e.cfg.NuclearData.EIA.LookbackMonths, 0)

	records, err := e.capacity.FetchCapacity(ctx, e.cfg.PlantIDs(), start, end)
	if err != nil {
		return &fetchError{err}
	}

	n, err := e.store.UpsertPlantCapacity(ctx, records)
	if err != nil {
		return fmt.Errorf("storing plant capacity: %w", err)
	}
	e.log.Info("stored EIA capacity", zap.Int("records", len(records)), zap.Int("changed", n))
	return nil
}

type fetchError struct{ err error }

func (f *fetchError) Error() string { return f.err.Error() }
func (f *fetchError) Unwrap() error { return f.err }

func isSourceError(err error) bool {
	var fe *fetchError
	return errors.As(err, &fe)
}

// Build computes the estimate from stored records only
func (e *Estimator) Build(ctx context.Context, now time.Time) (*FleetEstimate, error) {
	now = now.UTC()
	mappings := e.cfg.NuclearData.EIA.PlantMappings

	names := make([]string, 0, len(mappings))
	for name := range mappings {
		names = append(names, name)
	}
	sort.Strings(names)

	threshold := e.cfg.NuclearData.FullPowerThreshold
	if threshold <= 0 {
		threshold = defaultFullPowerThreshold
	}

	fleet := &FleetEstimate{
		EvaluatedAt: now,
		Season:      SeasonFor(now.Month()),
		PlantsTotal: len(names),
	}
	generation := decimal.Zero
	capacity := decimal.Zero

	for _, name := range names {
		plant, err := e.estimatePlant(ctx, name, mappings[name], now)
		if err != nil {
			return nil, err
		}
		fleet.Plants = append(fleet.Plants, plant)

		for _, u := range plant.Units {
			if u.Status != nil && u.Status.ReportDate.After(fleet.LatestReport) {
				fleet.LatestReport = u.Status.ReportDate
			}
			switch {
			case !plant.Included || !u.Usable():
				fleet.UnitsUnavailable++
			case u.Status.PowerPct >= threshold:
				fleet.UnitsAtFullPower++
			default:
				fleet.UnitsReduced++
			}
		}

		if !plant.Included {
			e.log.Info("plant excluded from fleet estimate",
				zap.String("plant", name), zap.String("reason", string(plant.Reason)))
			continue
		}
		fleet.PlantsReporting++
		generation = generation.Add(decimal.NewFromFloat(plant.GenerationMW))
		capacity = capacity.Add(decimal.NewFromFloat(plant.CapacityMW))
	}

	if fleet.PlantsReporting == 0 {
		return nil, ErrNoFleetData
	}

	fleet.GenerationMW = generation.InexactFloat64()
	fleet.CapacityMW = capacity.InexactFloat64()
	if capacity.IsPositive() {
		fleet.CapacityFactor = generation.Div(capacity).InexactFloat64()
	}

	return fleet, nil
}

func (e *Estimator) estimatePlant(ctx context.Context, name string, m config.PlantMapping, now time.Time) (PlantEstimate, error) {
	plantID := string(m.EIAPlantID)
	plant := PlantEstimate{Name: name, PlantID: plantID}

	freshness := e.cfg.GetFreshness()
	requireRecent := e.cfg.Posting.Processes.Nuclear.RequireRecentNRCData

	anyStale := false
	for _, unit := range m.NRCNames {
		status, err := e.store.LatestReactorStatusBefore(ctx, unit, now)
		if err != nil {
			return plant, fmt.Errorf("looking up status for %s: %w", unit, err)
		}
		u := UnitEstimate{Name: unit, GeneratorID: generatorID(m, unit), Status: status}
		if status != nil && requireRecent && now.Sub(status.ReportDate) > freshness {
			u.Stale = true
			anyStale = true
		}
		plant.Units = append(plant.Units, u)
	}

	if plant.UsableUnits() == 0 {
		plant.Reason = ReasonNoStatus
		if anyStale {
			plant.Reason = ReasonStale
		}
		return plant, nil
	}

	total, err := e.plantCapacity(ctx, plantID, now)
	if err != nil {
		return plant, err
	}
	if total == nil {
		plant.Reason = ReasonNoCapacity
		return plant, nil
	}
	plant.CapacityPeriod = total.Period

	mode := e.cfg.NuclearData.ShoulderSeason
	month := now.Month()
	plantCap := decimal.NewFromFloat(SeasonalCapacity(*total, month, mode))

	unitCaps, err := e.generatorCapacities(ctx, plant, total.Period, now, month, mode)
	if err != nil {
		return plant, err
	}
	plant.PerUnit = unitCaps != nil
	if !plant.PerUnit {
		share := plantCap.Div(decimal.NewFromInt(int64(len(plant.Units))))
		for range plant.Units {
			unitCaps = append(unitCaps, share)
		}
	}

	generation := decimal.Zero
	capacity := decimal.Zero
	for i := range plant.Units {
		u := &plant.Units[i]
		u.CapacityMW = unitCaps[i].InexactFloat64()
		capacity = capacity.Add(unitCaps[i])
		if !u.Usable() {
			continue
		}
		gen := unitCaps[i].Mul(decimal.NewFromFloat(u.Status.PowerPct)).Div(decimal.NewFromInt(100))
		u.GenerationMW = gen.InexactFloat64()
		generation = generation.Add(gen)
	}

	plant.CapacityMW = capacity.InexactFloat64()
	plant.GenerationMW = generation.InexactFloat64()
	plant.Included = true
	return plant, nil
}

// plantCapacity returns the latest plant-level row, or nil when none exists
// or it is older than the configured maximum age
func (e *Estimator) plantCapacity(ctx context.Context, plantID string, now time.Time) (*models.PlantCapacity, error) {
	c, err := e.store.LatestPlantCapacityBefore(ctx, plantID, "", now)
	if err != nil {
		return nil, fmt.Errorf("looking up capacity for plant %s: %w", plantID, err)
	}
	if c == nil {
		return nil, nil
	}
	if maxAge := e.cfg.NuclearData.MaxCapacityAgeMonths; maxAge > 0 {
		if c.Period.Before(models.MonthStart(now).AddDate(0, -maxAge, 0)) {
			return nil, nil
		}
	}
	return c, nil
}

// generatorCapacities returns per-unit seasonal capacity when every unit has
// a generator row for period, nil otherwise
func (e *Estimator) generatorCapacities(ctx context.Context, plant PlantEstimate, period, now time.Time, month time.Month, mode string) ([]decimal.Decimal, error) {
	caps := make([]decimal.Decimal, 0, len(plant.Units))
	for _, u := range plant.Units {
		if u.GeneratorID == "" {
			return nil, nil
		}
		c, err := e.store.LatestPlantCapacityBefore(ctx, plant.PlantID, u.GeneratorID, now)
		if err != nil {
			return nil, fmt.Errorf("looking up capacity for %s generator %s: %w", plant.PlantID, u.GeneratorID, err)
		}
		if c == nil || !c.Period.Equal(period) {
			return nil, nil
		}
		caps = append(caps, decimal.NewFromFloat(SeasonalCapacity(*c, month, mode)))
	}
	return caps, nil
}

// generatorID maps an NRC unit label to its EIA generator id: an explicit
// mapping wins, otherwise the label's trailing token ("Byron 2" -> "2")
func generatorID(m config.PlantMapping, unit string) string {
	if id, ok := m.Generators[unit]; ok {
		return id
	}
	fields := strings.Fields(unit)
	if len(fields) < 2 {
		return ""
	}
	return fields[len(fields)-1]
}
