package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jgoulah/gridreport/internal/config"
)

var initOverwrite bool

var initCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a config file with the default settings",
	Long:  `Writes the default configuration, including the Illinois plant mapping, so it can be edited.`,
	RunE:  runInitConfig,
}

func init() {
	initCmd.Flags().BoolVar(&initOverwrite, "overwrite", false, "Replace an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	path := getConfigPath()
	if _, err := os.Stat(path); err == nil && !initOverwrite {
		return fmt.Errorf("%s already exists (use --overwrite to replace it)", path)
	}

	if err := config.Save(path, config.Default()); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Printf("Wrote default config to %s\n", path)
	fmt.Println("Credentials are read from the environment or .env: BLUESKY_USERNAME, BLUESKY_PASSWORD, GRIDSTATUS_API_KEY, EIA_API_KEY")
	return nil
}
