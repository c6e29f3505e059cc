package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Secrets holds credentials read from the environment or a dotenv file.
// They are never written back to config.yaml.
type Secrets struct {
	GridStatusAPIKey string
	EIAAPIKey        string
	BlueskyUsername  string
	BlueskyPassword  string
	MQTTPassword     string
}

// DefaultEnvFile returns the default dotenv path (local directory)
func DefaultEnvFile() string {
	return ".env"
}

// LoadSecrets reads credentials from the process environment, falling back
// to the given dotenv file. A missing file is not an error.
func LoadSecrets(envFile string) (*Secrets, error) {
	v := viper.New()
	v.AutomaticEnv()

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading env file %s: %w", envFile, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("checking env file %s: %w", envFile, err)
		}
	}

	return &Secrets{
		GridStatusAPIKey: v.GetString("GRIDSTATUS_API_KEY"),
		EIAAPIKey:        v.GetString("EIA_API_KEY"),
		BlueskyUsername:  v.GetString("BLUESKY_USERNAME"),
		BlueskyPassword:  v.GetString("BLUESKY_PASSWORD"),
		MQTTPassword:     v.GetString("MQTT_PASSWORD"),
	}, nil
}

// Require returns an error naming every credential the enabled processes need but lack
func (s *Secrets) Require(cfg *Config) error {
	var missing []string
	if s.BlueskyUsername == "" {
		missing = append(missing, "BLUESKY_USERNAME")
	}
	if s.BlueskyPassword == "" {
		missing = append(missing, "BLUESKY_PASSWORD")
	}
	if cfg.Posting.Processes.Load.Enabled && s.GridStatusAPIKey == "" {
		missing = append(missing, "GRIDSTATUS_API_KEY")
	}
	if cfg.Posting.Processes.Nuclear.Enabled && s.EIAAPIKey == "" {
		missing = append(missing, "EIA_API_KEY")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}
