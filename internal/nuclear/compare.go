package nuclear

import (
	"github.com/shopspring/decimal"

	"github.com/jgoulah/gridreport/pkg/models"
)

// LoadComparison relates fleet output to zone load over a window
type LoadComparison struct {
	AverageLoadMW    float64
	SharePct         float64 // fleet generation as a percentage of average load
	IntervalsCovered int     // intervals where fleet output met or exceeded load
	IntervalsTotal   int
}

// CoveredPct is the percentage of intervals fully covered by fleet output
func (c *LoadComparison) CoveredPct() float64 {
	if c.IntervalsTotal == 0 {
		return 0
	}
	return float64(c.IntervalsCovered) / float64(c.IntervalsTotal) * 100
}

// CompareWithLoad compares the fleet estimate with load samples; nil when
// either side is empty
func CompareWithLoad(fleet *FleetEstimate, samples []models.LoadSample) *LoadComparison {
	if fleet == nil || len(samples) == 0 {
		return nil
	}

	sum := decimal.Zero
	covered := 0
	for _, s := range samples {
		sum = sum.Add(decimal.NewFromFloat(s.LoadMW))
		if fleet.GenerationMW >= s.LoadMW {
			covered++
		}
	}

	avg := sum.Div(decimal.NewFromInt(int64(len(samples))))
	cmp := &LoadComparison{
		AverageLoadMW:    avg.InexactFloat64(),
		IntervalsCovered: covered,
		IntervalsTotal:   len(samples),
	}
	if avg.IsPositive() {
		cmp.SharePct = decimal.NewFromFloat(fleet.GenerationMW).Div(avg).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return cmp
}
