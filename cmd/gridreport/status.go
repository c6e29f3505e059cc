package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jgoulah/gridreport/internal/orchestrator"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored record counts and the last post per process",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	counts, err := db.Counts(ctx)
	if err != nil {
		return fmt.Errorf("counting records: %w", err)
	}

	fmt.Printf("Store: %s (%s)\n", cfg.Store.Driver, cfg.Store.DSN)
	fmt.Printf("  load samples:    %s\n", humanize.Comma(int64(counts.LoadSamples)))
	fmt.Printf("  reactor status:  %s\n", humanize.Comma(int64(counts.ReactorStatus)))
	fmt.Printf("  plant capacity:  %s\n", humanize.Comma(int64(counts.PlantCapacity)))
	fmt.Printf("  posts:           %s\n", humanize.Comma(int64(counts.Publishes)))

	fmt.Println("Last posts:")
	for _, process := range []string{orchestrator.ProcessLoad, orchestrator.ProcessNuclear} {
		last, err := db.LastPublish(ctx, process)
		if err != nil {
			return fmt.Errorf("reading publish log: %w", err)
		}
		if last == nil {
			fmt.Printf("  %-8s never\n", process)
			continue
		}
		fmt.Printf("  %-8s %s (%s)\n", process, humanize.Time(last.PostedAt), last.PostedAt.Local().Format(time.RFC3339))
	}
	return nil
}
