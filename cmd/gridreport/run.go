package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jgoulah/gridreport/internal/chart"
	"github.com/jgoulah/gridreport/internal/config"
	"github.com/jgoulah/gridreport/internal/database"
	"github.com/jgoulah/gridreport/internal/logger"
	"github.com/jgoulah/gridreport/internal/nuclear"
	"github.com/jgoulah/gridreport/internal/orchestrator"
	"github.com/jgoulah/gridreport/internal/publisher"
	"github.com/jgoulah/gridreport/internal/reconciler"
	"github.com/jgoulah/gridreport/internal/scraper"
)

var runForce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one reporting cycle",
	Long: `Fetches load, reactor status and capacity data, stores it, and posts the load
and nuclear reports that are enabled and due. Meant to be run from cron.`,
	RunE: runCycle,
}

func init() {
	runCmd.Flags().BoolVar(&runForce, "force", false, "Post even if the posting interval has not elapsed")
	rootCmd.AddCommand(runCmd)
}

func runCycle(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Cycle started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	secrets, err := config.LoadSecrets(getEnvPath())
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	if err := secrets.Require(cfg); err != nil {
		return err
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
	bluesky := publisher.NewBluesky(cfg, secrets.BlueskyUsername, secrets.BlueskyPassword, log.Named("bluesky"))

	opts := []orchestrator.Option{orchestrator.WithForce(runForce)}
	mirror, err := publisher.NewMirror(cfg.MQTT, secrets.MQTTPassword)
	if err != nil {
		log.Warn("MQTT mirror unavailable", zap.Error(err))
	} else if mirror != nil {
		defer mirror.Close()
		opts = append(opts, orchestrator.WithMirror(mirror))
	}

	orch := orchestrator.New(cfg,
		orchestrator.Processes(cfg, rec, est, db, loc, log),
		chart.NewRenderer(cfg.Visualization, loc),
		bluesky,
		db,
		log,
		opts...,
	)

	report, err := orch.RunCycle(cmd.Context(), time.Now())
	if report != nil {
		printCycle(report)
	}
	if err != nil {
		return fmt.Errorf("cycle aborted: %w", err)
	}

	fmt.Printf("=== Cycle finished at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))
	return nil
}

func printCycle(report *orchestrator.CycleReport) {
	fmt.Printf("Cycle %s\n", report.ID)
	if len(report.Results) == 0 {
		fmt.Println("  no processes enabled")
		return
	}
	for _, res := range report.Results {
		switch res.Status {
		case orchestrator.StatusPosted:
			fmt.Printf("  %-8s posted   %s (attempts: %d)\n", res.Name, res.URI, res.Attempts)
		case orchestrator.StatusSkipped:
			fmt.Printf("  %-8s skipped  %s\n", res.Name, res.Reason)
		default:
			fmt.Printf("  %-8s failed   at %s: %v\n", res.Name, res.Stage, res.Err)
		}
		if res.ChartPath != "" {
			fmt.Printf("           chart    %s\n", res.ChartPath)
		}
	}
}

// newPipelines wires the data sources to the reconciler and estimator
func newPipelines(cfg *config.Config, secrets *config.Secrets, db *database.DB, log *zap.Logger) (*reconciler.Reconciler, *nuclear.Estimator, error) {
	gridStatus := scraper.NewGridStatusClient(cfg.DataSettings, secrets.GridStatusAPIKey, log.Named("gridstatus"))
	nrc, err := scraper.NewNRCClient(cfg.NuclearData.NRC.URL, nrcUnits(cfg), log.Named("nrc"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating NRC client: %w", err)
	}
	eia := scraper.NewEIAClient(cfg.NuclearData.EIA.URL, secrets.EIAAPIKey, log.Named("eia"))

	rec := reconciler.New(cfg, db, gridStatus, log.Named("reconciler"))
	est := nuclear.New(cfg, db, nrc, eia, log.Named("nuclear"))
	return rec, est, nil
}

// nrcUnits lists every mapped NRC unit label
func nrcUnits(cfg *config.Config) []string {
	var units []string
	for _, m := range cfg.NuclearData.EIA.PlantMappings {
		units = append(units, m.NRCNames...)
	}
	sort.Strings(units)
	return units
}
