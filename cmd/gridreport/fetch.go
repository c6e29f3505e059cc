package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jgoulah/gridreport/internal/chart"
	"github.com/jgoulah/gridreport/internal/config"
	"github.com/jgoulah/gridreport/internal/logger"
	"github.com/jgoulah/gridreport/internal/orchestrator"
)

var fetchChart bool

var fetchCmd = &cobra.Command{
	Use:   "fetch [process]",
	Short: "Fetch and store data for a process and print its report without posting",
	Long: `Runs the fetch stage of a process, storing any new records, then prints the
post text that would be published. Nothing is posted.

Available processes: load, nuclear`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchChart, "chart", false, "Also render the chart into the output directory")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Fetch started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	process := args[0]
	if process != orchestrator.ProcessLoad && process != orchestrator.ProcessNuclear {
		return fmt.Errorf("unknown process: %s (available: load, nuclear)", process)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	secrets, err := config.LoadSecrets(getEnvPath())
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	if process == orchestrator.ProcessLoad && secrets.GridStatusAPIKey == "" {
		return fmt.Errorf("missing required environment variable: GRIDSTATUS_API_KEY")
	}
	if process == orchestrator.ProcessNuclear && secrets.EIAAPIKey == "" {
		return fmt.Errorf("missing required environment variable: EIA_API_KEY")
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	loc, err := cfg.TargetLocation()
	if err != nil {
		return err
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rec, est, err := newPipelines(cfg, secrets, db, log)
	if err != nil {
		return err
	}

	var selected orchestrator.Process
	for _, p := range orchestrator.Processes(cfg, rec, est, db, loc, log) {
		if p.Name == process {
			selected = p
		}
	}

	now := time.Now()
	report, err := selected.Fetch(cmd.Context(), now)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", process, err)
	}

	fmt.Println("----------------------------------------")
	fmt.Println(report.Text())
	fmt.Println("----------------------------------------")

	if fetchChart {
		spec := report.Chart()
		if spec == nil {
			fmt.Println("No chart for this report")
			return nil
		}
		path := filepath.Join(cfg.Output.Dir, chart.FileName(selected.ChartPrefix, now.UTC()))
		if err := chart.NewRenderer(cfg.Visualization, loc).Render(*spec, path); err != nil {
			return fmt.Errorf("rendering chart: %w", err)
		}
		fmt.Printf("✓ Chart written to %s\n", path)
	}

	return nil
}
