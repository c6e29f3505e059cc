package main

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jgoulah/gridreport/pkg/models"
)

var (
	listKind  string
	listSince string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored records",
	Long:  `Displays stored load samples, reactor status reports, or plant capacity records from the database.`,
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listKind, "kind", "load", "Record kind (load, reactor, or capacity)")
	listCmd.Flags().StringVar(&listSince, "since", "1d", "Only list records since this date (YYYY-MM-DD or relative like 7d)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	since, err := parseDate(listSince)
	if err != nil {
		return fmt.Errorf("parsing --since date: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	loc, err := cfg.TargetLocation()
	if err != nil {
		return err
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	now := time.Now().UTC()

	switch listKind {
	case "load":
		samples, err := db.QueryLoadSamples(ctx, since, now)
		if err != nil {
			return fmt.Errorf("listing load samples: %w", err)
		}
		printLoad(samples, loc)
	case "reactor":
		records, err := db.QueryReactorStatus(ctx, since, now)
		if err != nil {
			return fmt.Errorf("listing reactor status: %w", err)
		}
		printReactor(records, loc)
	case "capacity":
		records, err := db.QueryPlantCapacity(ctx, since, now)
		if err != nil {
			return fmt.Errorf("listing plant capacity: %w", err)
		}
		printCapacity(records)
	default:
		return fmt.Errorf("unknown kind: %s (available: load, reactor, capacity)", listKind)
	}

	return nil
}

func printLoad(samples []models.LoadSample, loc *time.Location) {
	if len(samples) == 0 {
		fmt.Println("No load samples found")
		return
	}

	fmt.Println("\nComEd Load Samples:")
	fmt.Println("----------------------------------------")
	fmt.Printf("%-22s  %12s\n", "Interval", "MW")
	fmt.Println("----------------------------------------")

	var total float64
	for _, s := range samples {
		fmt.Printf("%-22s  %12s\n", s.Timestamp.In(loc).Format("2006-01-02 15:04 MST"), mwString(s.LoadMW))
		total += s.LoadMW
	}

	fmt.Println("----------------------------------------")
	fmt.Printf("Average: %s MW (%d samples)\n", mwString(total/float64(len(samples))), len(samples))
}

func printReactor(records []models.ReactorStatus, loc *time.Location) {
	if len(records) == 0 {
		fmt.Println("No reactor status records found")
		return
	}

	fmt.Println("\nReactor Status:")
	fmt.Println("----------------------------------------")
	fmt.Printf("%-12s  %-18s  %6s\n", "Date", "Unit", "Power")
	fmt.Println("----------------------------------------")
	for _, r := range records {
		fmt.Printf("%-12s  %-18s  %5.0f%%\n", r.ReportDate.In(loc).Format("2006-01-02"), r.UnitName, r.PowerPct)
	}
	fmt.Println("----------------------------------------")
	fmt.Printf("%d records\n", len(records))
}

func printCapacity(records []models.PlantCapacity) {
	if len(records) == 0 {
		fmt.Println("No plant capacity records found")
		return
	}

	fmt.Println("\nPlant Capacity:")
	fmt.Println("----------------------------------------------------")
	fmt.Printf("%-8s  %-8s  %-9s  %10s  %10s\n", "Period", "Plant", "Generator", "Summer MW", "Winter MW")
	fmt.Println("----------------------------------------------------")
	for _, c := range records {
		gen := c.GeneratorID
		if gen == "" {
			gen = "(total)"
		}
		fmt.Printf("%-8s  %-8s  %-9s  %10s  %10s\n", models.PeriodKey(c.Period), c.PlantID, gen,
			mwString(c.NetSummerCapacityMW), mwString(c.NetWinterCapacityMW))
	}
	fmt.Println("----------------------------------------------------")
	fmt.Printf("%d records\n", len(records))
}

func mwString(v float64) string {
	return humanize.Comma(int64(math.Round(v)))
}

// parseDate accepts YYYY-MM-DD or a relative "Nd"
func parseDate(dateStr string) (time.Time, error) {
	// Try absolute date format first
	t, err := time.Parse("2006-01-02", dateStr)
	if err == nil {
		return t, nil
	}

	// Try relative format (e.g., "7d" for 7 days ago)
	if len(dateStr) > 1 && dateStr[len(dateStr)-1] == 'd' {
		daysStr := dateStr[:len(dateStr)-1]
		var days int
		if _, err := fmt.Sscanf(daysStr, "%d", &days); err == nil {
			return time.Now().UTC().AddDate(0, 0, -days), nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid date format: %s (use YYYY-MM-DD or Nd for N days ago)", dateStr)
}
