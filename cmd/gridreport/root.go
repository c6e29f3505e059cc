package main

import (
	"fmt"

	"github.com/jgoulah/gridreport/internal/config"
	"github.com/jgoulah/gridreport/internal/database"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	dbPath  string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "gridreport",
	Short: "Post ComEd grid load and Illinois nuclear fleet reports to Bluesky",
	Long: `GridReport collects ComEd zone load from GridStatus, reactor status from the NRC
and plant capacity from the EIA, stores them in a local database, and posts
summaries with charts to Bluesky.

Run without a subcommand to run one reporting cycle (same as 'gridreport run').`,
	SilenceUsage: true,
	RunE:         runCycle,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite database file (overrides store settings in config)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "dotenv file with credentials (default is ./.env)")
	rootCmd.Flags().BoolVar(&runForce, "force", false, "Post even if the posting interval has not elapsed")
}

// getConfigPath returns the config file path
func getConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

// getEnvPath returns the dotenv file path
func getEnvPath() string {
	if envFile != "" {
		return envFile
	}
	return config.DefaultEnvFile()
}

// loadConfig loads and validates the configuration file
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.DSN = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openDB opens the configured store
func openDB(cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}
