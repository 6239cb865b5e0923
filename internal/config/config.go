package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/livinlefevreloca/deferral/internal/api"
	"github.com/livinlefevreloca/deferral/internal/db"
	"github.com/livinlefevreloca/deferral/internal/logging"
	"github.com/livinlefevreloca/deferral/internal/scheduler"
	"github.com/livinlefevreloca/deferral/internal/store"
	"github.com/livinlefevreloca/deferral/internal/syncer"
	"github.com/livinlefevreloca/deferral/internal/webhook"
)

// Config represents the application configuration
type Config struct {
	Database  db.Config        `toml:"database"`
	Scheduler scheduler.Config `toml:"scheduler"`
	Syncer    syncer.Config    `toml:"syncer"`
	HTTP      api.Config       `toml:"http"`
	Metrics   MetricsConfig    `toml:"metrics"`
	Webhook   webhook.Config   `toml:"webhook"`
	Logging   logging.Config   `toml:"logging"`
}

// MetricsConfig holds metrics/monitoring settings. A zero port serves
// metrics on the HTTP API listener.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
	Address   string `toml:"address"`
	Port      int    `toml:"port"`
	Path      string `toml:"path"`
}

// Addr returns the dedicated metrics listen address
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          store.DriverSQLite,
			DSN:             "deferral.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			SkipMigrations:  false,
			LockTimeout:     time.Second,
		},
		Scheduler: scheduler.DefaultConfig(),
		Syncer:    scheduler.DefaultSyncerConfig(),
		HTTP:      api.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "deferral",
			Address:   "0.0.0.0",
			Port:      9090,
			Path:      "/metrics",
		},
		Webhook: webhook.DefaultConfig(),
		Logging: logging.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != store.DriverSQLite && c.Database.Driver != store.DriverBolt {
		return fmt.Errorf("unsupported database driver: %s (must be %s or %s)",
			c.Database.Driver, store.DriverSQLite, store.DriverBolt)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Syncer.Validate(); err != nil {
		return fmt.Errorf("syncer: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return err
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 0 and 65535")
		}
		if c.Metrics.Port == 0 && !c.HTTP.Enabled {
			return fmt.Errorf("metrics port 0 shares the HTTP listener, which is disabled")
		}
	}

	if err := c.Webhook.Validate(); err != nil {
		return err
	}

	return c.Logging.Validate()
}
