// Package config loads the process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/opencommons/accounting/pkg/logger"
)

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Logging  logger.LoggingConfig
	Sweep    SweepConfig
}

// ServerConfig configures the metrics/health listener.
type ServerConfig struct {
	Addr string
}

// DatabaseConfig configures the PostgreSQL connection. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN     string
	Migrate bool
}

// SweepConfig configures the pending-transfer sweep.
type SweepConfig struct {
	Enabled  bool
	Schedule string
}

// Load reads the configuration from the environment, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Addr: getenv("SERVER_ADDR", ":9090"),
		},
		Database: DatabaseConfig{
			DSN: os.Getenv("DATABASE_URL"),
		},
		Logging: logger.LoggingConfig{
			Level:  getenv("LOG_LEVEL", "info"),
			Format: getenv("LOG_FORMAT", "json"),
			Name:   "accounting",
		},
		Sweep: SweepConfig{
			Schedule: getenv("SWEEP_SCHEDULE", "@every 1m"),
		},
	}
	var err error
	if cfg.Database.Migrate, err = getbool("DATABASE_MIGRATE", true); err != nil {
		return Config{}, err
	}
	if cfg.Sweep.Enabled, err = getbool("SWEEP_ENABLED", true); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean in %s: %q", key, v)
	}
	return parsed, nil
}
