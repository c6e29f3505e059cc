package models

import "time"

// LoadSample is one interval of balancing-zone load
type LoadSample struct {
	Timestamp time.Time `json:"timestamp"` // Interval start, UTC
	LoadMW    float64   `json:"load_mw"`
}

// ReactorStatus is one unit's power level from the NRC daily status report
type ReactorStatus struct {
	ReportDate time.Time `json:"report_date"` // UTC instant the reading applies to
	UnitName   string    `json:"unit_name"`   // NRC unit label, e.g. "Byron 1"
	PowerPct   float64   `json:"power_pct"`   // 0-100
}

// PlantCapacity is a monthly EIA capacity record. GeneratorID is empty for
// the plant-level total; generator rows carry per-unit capacity.
type PlantCapacity struct {
	PlantID             string    `json:"plant_id"`
	GeneratorID         string    `json:"generator_id,omitempty"`
	Period              time.Time `json:"period"` // First day of the month, UTC
	NetSummerCapacityMW float64   `json:"net_summer_capacity_mw"`
	NetWinterCapacityMW float64   `json:"net_winter_capacity_mw"`
}

// PeriodKey formats a capacity period the way it is stored ("2006-01")
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// MonthStart truncates t to the first instant of its UTC month
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PublishRecord is a successful post logged for due-time decisions
type PublishRecord struct {
	Process  string    `json:"process"`
	PostedAt time.Time `json:"posted_at"`
	URI      string    `json:"uri"`
}
