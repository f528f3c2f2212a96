// Package config loads and validates the executor configuration. All fields
// are typed and checked at load time; a missing required field fails fast
// with a descriptive error instead of a late lookup failure inside a step.
package config

import (
	"fmt"
	"log"
	"os"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Logging    LoggingConfig     `yaml:"logging"`
	Database   DatabaseConfig    `yaml:"database"`
	MarketData MarketDataConfig  `yaml:"market_data"`
	Refresh    RefreshConfig     `yaml:"refresh"`
	Events     EventUpdateConfig `yaml:"event_update"`
	Signals    SignalConfig      `yaml:"signal_generation"`
	Push       PushConfig        `yaml:"push"`
	Schedule   ScheduleConfig    `yaml:"schedule"`
	API        APIConfig         `yaml:"api"`
}

// LoggingConfig controls the run-scoped logger.
type LoggingConfig struct {
	Level string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir" default:"logs"`
	Quiet bool   `yaml:"quiet"` // suppress the console writer
}

// DatabaseConfig locates the event store.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// MarketDataConfig locates the per-stock series files.
type MarketDataConfig struct {
	DataDir string `yaml:"data_dir" validate:"required"`
}

// RefreshConfig describes the external market-data refresh command. The
// command may be left unset on hosts that always skip the refresh step;
// running the step without one is a step failure, not a config error.
type RefreshConfig struct {
	Command        []string `yaml:"command" validate:"dive,required"`
	WorkDir        string   `yaml:"work_dir"`
	TimeoutSeconds int      `yaml:"timeout_seconds" default:"1800" validate:"gt=0"`
}

// EventUpdateConfig parameterises the event-store update step.
type EventUpdateConfig struct {
	TimeoutSeconds  int    `yaml:"timeout_seconds" default:"3600" validate:"gt=0"`
	IndicatorPeriod int    `yaml:"indicator_period" default:"20" validate:"gt=1"`
	PivotWindow     int    `yaml:"pivot_window" default:"10" validate:"gt=0"`
	ValidityDays    int    `yaml:"validity_days" default:"20" validate:"gt=0"`
	MinRows         int    `yaml:"min_rows" default:"40" validate:"gt=0"`
	WindowRows      int    `yaml:"window_rows" default:"120" validate:"gt=0"`
	StockPoolFile   string `yaml:"stock_pool_file"` // empty = every series file in the data dir
}

// SignalConfig parameterises signal derivation.
type SignalConfig struct {
	TimeoutSeconds int     `yaml:"timeout_seconds" default:"300" validate:"gt=0"`
	MinConfidence  float64 `yaml:"min_confidence" validate:"gte=0,lte=1"`
	PriceMode      string  `yaml:"price_mode" default:"next-open" validate:"oneof=next-open as-recorded"`
	OutputFile     string  `yaml:"output_file" default:"signals/daily_signals.csv"`
}

// PushRecipient is one delivery target.
type PushRecipient struct {
	Name     string `yaml:"name" validate:"required"`
	SendKey  string `yaml:"sendkey"`
	Disabled bool   `yaml:"disabled"`
}

// PushConfig configures the delivery collaborator.
type PushConfig struct {
	TimeoutSeconds int             `yaml:"timeout_seconds" default:"10" validate:"gt=0"`
	APIBase        string          `yaml:"api_base"`
	Recipients     []PushRecipient `yaml:"recipients" validate:"dive"`
	StockNameCache string          `yaml:"stock_name_cache"`
	PushOnEmpty    bool            `yaml:"push_on_empty"`
}

// ScheduleConfig controls the serve-mode daily trigger.
type ScheduleConfig struct {
	RunAt       string `yaml:"run_at" default:"16:00" validate:"required"`
	TradingDays bool   `yaml:"trading_days_only"`
}

// APIConfig configures the serve-mode HTTP surface.
type APIConfig struct {
	Port string `yaml:"port" default:"8080"`
}

// Load reads, defaults, env-overrides, and validates the configuration file.
func Load(path string) (*Config, error) {
	// Load .env if present, matching the deployment convention for secrets.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides selected fields from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.MarketData.DataDir = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.API.Port = v
	}
	// A sendkey from the environment is added as an extra recipient so the
	// config file never has to carry the secret.
	if v := os.Getenv("SERVERCHAN_SENDKEY"); v != "" {
		c.Push.Recipients = append(c.Push.Recipients, PushRecipient{Name: "env", SendKey: v})
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("invalid config: field %s failed rule %q", e.Namespace(), e.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Events.MinRows > c.Events.WindowRows {
		return fmt.Errorf("invalid config: event_update.min_rows (%d) exceeds window_rows (%d)",
			c.Events.MinRows, c.Events.WindowRows)
	}
	return nil
}
