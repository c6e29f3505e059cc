package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	DataSettings  DataSettings  `yaml:"data_settings"`
	Visualization Visualization `yaml:"visualization"`
	Posting       Posting       `yaml:"posting"`
	NuclearData   NuclearData   `yaml:"nuclear_data"`
	Store         StoreConfig   `yaml:"store"`
	Output        OutputConfig  `yaml:"output"`
	Logging       LoggingConfig `yaml:"logging"`
	Bluesky       BlueskyConfig `yaml:"bluesky"`
	MQTT          MQTTConfig    `yaml:"mqtt,omitempty"`
}

// DataSettings controls how load data is fetched from GridStatus
type DataSettings struct {
	DaysBack          int       `yaml:"days_back" validate:"gte=0"`         // Regular lookback
	InitialDaysBack   int       `yaml:"initial_days_back" validate:"gte=0"` // Lookback when the store has nothing for the window
	ChunkDays         int       `yaml:"chunk_days" validate:"gte=0"`
	Limit             int       `yaml:"limit" validate:"gte=0"` // Row limit per request
	Dataset           string    `yaml:"dataset" validate:"required"`
	Columns           []string  `yaml:"columns"`
	LoadColumn        string    `yaml:"load_column" validate:"required"`
	WindowHours       int       `yaml:"window_hours" validate:"gte=0"`
	IntervalMinutes   int       `yaml:"interval_minutes" validate:"gte=0"`
	Timezones         Timezones `yaml:"timezones"`
	GridStatusURL     string    `yaml:"gridstatus_url" validate:"required,url"`
	RequestsPerSecond float64   `yaml:"requests_per_second" validate:"gte=0"`
}

// Timezones is the source/target pair. Source applies to upstream
// timestamps without an offset; storage is always UTC.
type Timezones struct {
	Source string `yaml:"source" validate:"required,timezone"`
	Target string `yaml:"target" validate:"required,timezone"`
}

// SourceLocation returns the zone for offset-less upstream timestamps,
// falling back to UTC
func (t Timezones) SourceLocation() *time.Location {
	if t.Source == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Source)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Visualization holds chart rendering settings
type Visualization struct {
	Width        int    `yaml:"width" validate:"gte=0"`
	Height       int    `yaml:"height" validate:"gte=0"`
	DPI          int    `yaml:"dpi" validate:"gte=0"`
	HourInterval int    `yaml:"hour_interval" validate:"gte=0"`
	Style        Style  `yaml:"style"`
	Attribution  string `yaml:"attribution,omitempty"`
}

// Style holds chart colors as hex strings without the leading '#'
type Style struct {
	LineColor    string `yaml:"line_color" validate:"omitempty,hexadecimal"`
	MaxColor     string `yaml:"max_color" validate:"omitempty,hexadecimal"`
	MinColor     string `yaml:"min_color" validate:"omitempty,hexadecimal"`
	NuclearColor string `yaml:"nuclear_color" validate:"omitempty,hexadecimal"`
}

// Posting controls publishing cadence and retry behaviour
type Posting struct {
	IntervalHours float64       `yaml:"interval_hours" validate:"gte=0"`
	RetryAttempts int           `yaml:"retry_attempts" validate:"gte=0"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	IncludeImages bool          `yaml:"include_images"`
	IncludeLink   bool          `yaml:"include_link"`
	MaxChars      int           `yaml:"max_chars" validate:"gte=0"`
	Processes     Processes     `yaml:"processes"`
}

// Processes holds the per-process toggles
type Processes struct {
	Load    ProcessConfig `yaml:"load"`
	Nuclear ProcessConfig `yaml:"nuclear"`
}

// ProcessConfig toggles one reporting process
type ProcessConfig struct {
	Enabled              bool   `yaml:"enabled"`
	RequireRecentNRCData bool   `yaml:"require_recent_nrc_data"` // Nuclear only
	LinkLabel            string `yaml:"link_label,omitempty"`
	LinkURL              string `yaml:"link_url,omitempty" validate:"omitempty,url"`
}

// NuclearData holds NRC/EIA settings and the unit-to-plant mapping
type NuclearData struct {
	NRC                  NRCConfig `yaml:"nrc"`
	EIA                  EIAConfig `yaml:"eia"`
	FullPowerThreshold   float64   `yaml:"full_power_threshold" validate:"gte=0,lte=100"`
	ShoulderSeason       string    `yaml:"shoulder_season" validate:"oneof=average summer winter"`
	MaxCapacityAgeMonths int       `yaml:"max_capacity_age_months" validate:"gte=0"` // 0 = no limit
}

// NRCConfig points at the NRC power reactor status report
type NRCConfig struct {
	URL            string  `yaml:"url" validate:"required,url"`
	FreshnessHours float64 `yaml:"freshness_hours" validate:"gte=0"`
}

// EIAConfig configures the EIA capacity API and plant mapping
type EIAConfig struct {
	URL            string                  `yaml:"url" validate:"required,url"`
	LookbackMonths int                     `yaml:"lookback_months" validate:"gte=0"`
	PlantMappings  map[string]PlantMapping `yaml:"plant_mappings" validate:"required,min=1,dive"`
}

// PlantMapping joins NRC unit labels to an EIA plant
type PlantMapping struct {
	EIAPlantID PlantID           `yaml:"eia_plant_id" validate:"required"`
	NRCNames   []string          `yaml:"nrc_names" validate:"required,min=1,dive,required"`
	Generators map[string]string `yaml:"generators,omitempty"` // NRC unit label -> EIA generator id
}

// PlantID is an EIA plant id; YAML may give it as a number or a string
type PlantID string

// UnmarshalYAML keeps the scalar text as-is
func (p *PlantID) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("eia_plant_id must be a scalar, got %v", value.Tag)
	}
	*p = PlantID(value.Value)
	return nil
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `yaml:"dsn"` // File path for sqlite, connection string for postgres
}

// OutputConfig controls where chart artifacts go and how many are kept
type OutputConfig struct {
	Dir       string `yaml:"dir" validate:"required"`
	Retention int    `yaml:"retention" validate:"gte=0"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	File   string `yaml:"file,omitempty"`
	Format string `yaml:"format,omitempty" validate:"omitempty,oneof=json console"`
}

// BlueskyConfig holds the PDS host; credentials come from the environment
type BlueskyConfig struct {
	Host string `yaml:"host" validate:"required,url"`
}

// MQTTConfig holds the optional MQTT mirror settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker" validate:"required_if=Enabled true"` // host:port
	Username    string `yaml:"username,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
	ClientID    string `yaml:"client_id,omitempty"`
}

// Default returns the configuration used when no config file is present
func Default() *Config {
	return &Config{
		DataSettings: DataSettings{
			DaysBack:          1,
			InitialDaysBack:   7,
			ChunkDays:         5,
			Limit:             10000,
			Dataset:           "pjm_load",
			Columns:           []string{"interval_start_utc", "interval_end_utc", "load.comed"},
			LoadColumn:        "load.comed",
			WindowHours:       24,
			IntervalMinutes:   5,
			Timezones:         Timezones{Source: "UTC", Target: "America/Chicago"},
			GridStatusURL:     "https://api.gridstatus.io/v1",
			RequestsPerSecond: 1,
		},
		Visualization: Visualization{
			Width:        1200,
			Height:       800,
			DPI:          100,
			HourInterval: 3,
			Style: Style{
				LineColor:    "40E0D0",
				MaxColor:     "FF9E80",
				MinColor:     "FFEB3B",
				NuclearColor: "8E44AD",
			},
			Attribution: "Data From Grid Status",
		},
		Posting: Posting{
			IntervalHours: 4,
			RetryAttempts: 3,
			RetryDelay:    5 * time.Second,
			IncludeImages: true,
			IncludeLink:   true,
			MaxChars:      300,
			Processes: Processes{
				Load: ProcessConfig{
					Enabled:   true,
					LinkLabel: "PJM Interconnection",
					LinkURL:   "https://www.pjm.com/markets-and-operations",
				},
				Nuclear: ProcessConfig{
					Enabled:              true,
					RequireRecentNRCData: true,
					LinkLabel:            "NRC",
					LinkURL:              "https://www.nrc.gov/reading-rm/doc-collections/event-status/reactor-status/",
				},
			},
		},
		NuclearData: NuclearData{
			NRC: NRCConfig{
				URL:            "https://www.nrc.gov/reading-rm/doc-collections/event-status/reactor-status/powerreactorstatusforlast365days.txt",
				FreshnessHours: 24,
			},
			EIA: EIAConfig{
				URL:            "https://api.eia.gov/v2/electricity/operating-generator-capacity/data/",
				LookbackMonths: 3,
				PlantMappings:  DefaultPlantMappings(),
			},
			FullPowerThreshold: 95,
			ShoulderSeason:     "average",
		},
		Store:   StoreConfig{Driver: "sqlite", DSN: "data/grid_data.db"},
		Output:  OutputConfig{Dir: "output", Retention: 10},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Bluesky: BlueskyConfig{Host: "https://bsky.social"},
		MQTT:    MQTTConfig{TopicPrefix: "gridreport", ClientID: "gridreport"},
	}
}

// DefaultPlantMappings is the Illinois nuclear fleet feeding the ComEd zone
func DefaultPlantMappings() map[string]PlantMapping {
	return map[string]PlantMapping{
		"Braidwood":   {EIAPlantID: "6022", NRCNames: []string{"Braidwood 1", "Braidwood 2"}},
		"Byron":       {EIAPlantID: "6023", NRCNames: []string{"Byron 1", "Byron 2"}},
		"Clinton":     {EIAPlantID: "204", NRCNames: []string{"Clinton"}, Generators: map[string]string{"Clinton": "1"}},
		"Dresden":     {EIAPlantID: "869", NRCNames: []string{"Dresden 2", "Dresden 3"}},
		"LaSalle":     {EIAPlantID: "6026", NRCNames: []string{"LaSalle 1", "LaSalle 2"}},
		"Quad Cities": {EIAPlantID: "880", NRCNames: []string{"Quad Cities 1", "Quad Cities 2"}},
	}
}

// Load reads the config file, layering it over Default()
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults only if file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// yaml.v3 merges into existing maps, so the default fleet must not leak
	// into a file that lists its own plants
	cfg.NuclearData.EIA.PlantMappings = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.NuclearData.EIA.PlantMappings == nil {
		cfg.NuclearData.EIA.PlantMappings = DefaultPlantMappings()
	}

	return cfg, nil
}

// Save writes the config to file
func Save(configPath string, cfg *Config) error {
	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default config file path (local directory)
func DefaultConfigPath() string {
	return "config.yaml"
}

// Validate checks struct constraints on the whole configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// TargetLocation returns the display timezone
func (c *Config) TargetLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.DataSettings.Timezones.Target)
	if err != nil {
		return nil, fmt.Errorf("loading target timezone: %w", err)
	}
	return loc, nil
}

// GetRegularLookback returns the short lookback used when the store already has data
func (c *Config) GetRegularLookback() time.Duration {
	days := c.DataSettings.DaysBack
	if days <= 0 {
		days = 1
	}
	return time.Duration(days) * 24 * time.Hour
}

// GetInitialLookback returns the lookback used when the store has nothing for the window
func (c *Config) GetInitialLookback() time.Duration {
	days := c.DataSettings.InitialDaysBack
	if days <= 0 {
		return c.GetRegularLookback()
	}
	return time.Duration(days) * 24 * time.Hour
}

// GetChunk returns the span of a single backfill request
func (c *Config) GetChunk() time.Duration {
	days := c.DataSettings.ChunkDays
	if days <= 0 {
		days = 5
	}
	return time.Duration(days) * 24 * time.Hour
}

// GetInterval returns the load sample interval (5 minutes by default)
func (c *Config) GetInterval() time.Duration {
	if c.DataSettings.IntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.DataSettings.IntervalMinutes) * time.Minute
}

// GetWindow returns the reporting window length
func (c *Config) GetWindow() time.Duration {
	if c.DataSettings.WindowHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.DataSettings.WindowHours) * time.Hour
}

// GetRetryAttempts returns total publish attempts, at least 1
func (c *Config) GetRetryAttempts() int {
	if c.Posting.RetryAttempts <= 0 {
		return 1
	}
	return c.Posting.RetryAttempts
}

// GetPostingInterval returns how often a process is due
func (c *Config) GetPostingInterval() time.Duration {
	return time.Duration(c.Posting.IntervalHours * float64(time.Hour))
}

// GetFreshness returns the NRC freshness bound
func (c *Config) GetFreshness() time.Duration {
	hours := c.NuclearData.NRC.FreshnessHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours * float64(time.Hour))
}

// GetMaxChars returns the post length limit
func (c *Config) GetMaxChars() int {
	if c.Posting.MaxChars <= 0 {
		return 300
	}
	return c.Posting.MaxChars
}

// PlantIDs returns every mapped EIA plant id
func (c *Config) PlantIDs() []string {
	ids := make([]string, 0, len(c.NuclearData.EIA.PlantMappings))
	for _, m := range c.NuclearData.EIA.PlantMappings {
		ids = append(ids, string(m.EIAPlantID))
	}
	return ids
}
