// Package report turns load statistics and fleet estimates into post text.
// Everything here is pure: no I/O, no clock.
package report

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jgoulah/gridreport/internal/nuclear"
	"github.com/jgoulah/gridreport/internal/reconciler"
)

// LoadText formats the ComEd load report for the window
func LoadText(stats *reconciler.LoadStats, loc *time.Location) string {
	start := stats.WindowStart.In(loc)
	end := stats.WindowEnd.In(loc)

	var b strings.Builder
	fmt.Fprintf(&b, "ComEd Load Report (%s - %s %s)\n\n",
		start.Format("03:04 PM"), end.Format("03:04 PM"), zoneLabel(end))
	fmt.Fprintf(&b, "Average Load: %s MW\n", mw(stats.Average))
	fmt.Fprintf(&b, "Maximum Load: %s MW at %s\n", mw(stats.Maximum.LoadMW), stats.Maximum.Timestamp.In(loc).Format("03:04 PM"))
	fmt.Fprintf(&b, "Minimum Load: %s MW at %s\n", mw(stats.Minimum.LoadMW), stats.Minimum.Timestamp.In(loc).Format("03:04 PM"))
	fmt.Fprintf(&b, "Current Load: %s MW\n", mw(stats.Current.LoadMW))
	fmt.Fprintf(&b, "Load Factor: %s", pct(stats.LoadFactor*100))
	return b.String()
}

// LoadAltText describes the load chart
func LoadAltText(stats *reconciler.LoadStats, loc *time.Location) string {
	return fmt.Sprintf("Line chart of ComEd zone load from %s to %s. Peak %s MW at %s, low %s MW at %s.",
		stats.WindowStart.In(loc).Format("Jan 2 03:04 PM"),
		stats.WindowEnd.In(loc).Format("Jan 2 03:04 PM"),
		mw(stats.Maximum.LoadMW), stats.Maximum.Timestamp.In(loc).Format("03:04 PM"),
		mw(stats.Minimum.LoadMW), stats.Minimum.Timestamp.In(loc).Format("03:04 PM"))
}

// NuclearText formats the fleet report. Excluded plants are always named
// with their reason; cmp may be nil when no load data is available.
func NuclearText(fleet *nuclear.FleetEstimate, cmp *nuclear.LoadComparison, loc *time.Location) string {
	asOf := fleet.EvaluatedAt
	if !fleet.LatestReport.IsZero() {
		asOf = fleet.LatestReport
	}
	asOf = asOf.In(loc)

	var b strings.Builder
	fmt.Fprintf(&b, "Illinois Nuclear Fleet (as of %s %s)\n\n", asOf.Format("Jan 2 03:04 PM"), zoneLabel(asOf))
	fmt.Fprintf(&b, "Estimated Output: %s MW\n", mw(fleet.GenerationMW))
	fmt.Fprintf(&b, "Capacity Factor: %s\n", pct(fleet.CapacityFactor*100))
	fmt.Fprintf(&b, "%s\n", PlantsReporting(fleet))
	fmt.Fprintf(&b, "Units at full power: %d, reduced: %d", fleet.UnitsAtFullPower, fleet.UnitsReduced)
	if fleet.UnitsUnavailable > 0 {
		fmt.Fprintf(&b, ", not counted: %d", fleet.UnitsUnavailable)
	}
	b.WriteString("\n")

	if missing := fleet.Missing(); len(missing) > 0 {
		parts := make([]string, 0, len(missing))
		for _, p := range missing {
			parts = append(parts, fmt.Sprintf("%s (%s)", p.Name, p.Reason))
		}
		fmt.Fprintf(&b, "Excluded: %s\n", strings.Join(parts, ", "))
	}
	if partial := fleet.PartialPlants(); len(partial) > 0 {
		parts := make([]string, 0, len(partial))
		for _, p := range partial {
			parts = append(parts, fmt.Sprintf("%s (%d of %d units)", p.Name, p.UsableUnits(), len(p.Units)))
		}
		fmt.Fprintf(&b, "Partial: %s\n", strings.Join(parts, ", "))
	}

	if cmp != nil {
		fmt.Fprintf(&b, "\nEnough to supply %s of average ComEd load; it could meet all demand %s of the last %d intervals.",
			pct(cmp.SharePct), pct(cmp.CoveredPct()), cmp.IntervalsTotal)
	}

	return strings.TrimRight(b.String(), "\n")
}

// PlantsReporting is the "N of M plants reporting" line
func PlantsReporting(fleet *nuclear.FleetEstimate) string {
	return fmt.Sprintf("%d of %d plants reporting", fleet.PlantsReporting, fleet.PlantsTotal)
}

// NuclearAltText describes the nuclear chart
func NuclearAltText(fleet *nuclear.FleetEstimate, cmp *nuclear.LoadComparison) string {
	text := fmt.Sprintf("Chart of estimated Illinois nuclear output, %s MW from %s.",
		mw(fleet.GenerationMW), PlantsReporting(fleet))
	if cmp != nil {
		text += fmt.Sprintf(" Shown against ComEd load averaging %s MW.", mw(cmp.AverageLoadMW))
	}
	return text
}

func mw(v float64) string {
	return humanize.Comma(int64(math.Round(v)))
}

func pct(v float64) string {
	return fmt.Sprintf("%d%%", int64(math.Round(v)))
}

// zoneLabel shortens standard/daylight abbreviations to the generic form ("CST" -> "CT")
func zoneLabel(t time.Time) string {
	abbr := t.Format("MST")
	if len(abbr) == 3 && (strings.HasSuffix(abbr, "ST") || strings.HasSuffix(abbr, "DT")) {
		return abbr[:1] + "T"
	}
	return abbr
}
