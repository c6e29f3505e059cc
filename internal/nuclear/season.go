package nuclear

import (
	"time"

	"github.com/jgoulah/gridreport/pkg/models"
)

// Season selects which EIA capacity column applies
type Season string

const (
	Summer   Season = "summer"   // Jun-Sep
	Winter   Season = "winter"   // Dec-Mar
	Shoulder Season = "shoulder" // Apr-May, Oct-Nov
)

// SeasonFor maps a calendar month to its capacity season
func SeasonFor(m time.Month) Season {
	switch m {
	case time.June, time.July, time.August, time.September:
		return Summer
	case time.December, time.January, time.February, time.March:
		return Winter
	default:
		return Shoulder
	}
}

// SeasonalCapacity picks the capacity for month. Shoulder months use
// shoulderMode: "summer", "winter", or the average of both otherwise.
func SeasonalCapacity(c models.PlantCapacity, m time.Month, shoulderMode string) float64 {
	switch SeasonFor(m) {
	case Summer:
		return c.NetSummerCapacityMW
	case Winter:
		return c.NetWinterCapacityMW
	}

	switch shoulderMode {
	case "summer":
		return c.NetSummerCapacityMW
	case "winter":
		return c.NetWinterCapacityMW
	default:
		return (c.NetSummerCapacityMW + c.NetWinterCapacityMW) / 2
	}
}
