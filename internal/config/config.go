// Package config loads gateway configuration from the environment with an
// optional YAML overlay. The result is immutable after load and passed into
// constructors; nothing here is a mutable global.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's process configuration.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseURL string `yaml:"database_url"`

	InfluxURL      string `yaml:"influx_url"`
	InfluxDatabase string `yaml:"influx_database"`
	InfluxUsername string `yaml:"influx_username"`
	InfluxPassword string `yaml:"influx_password"`

	RelationalEnabled bool   `yaml:"relational_enabled"`
	TimeSeriesEnabled bool   `yaml:"timeseries_enabled"`
	DefaultTable      string `yaml:"default_table"`

	SharedKey string `yaml:"shared_key"`
	JWTSecret string `yaml:"jwt_secret"`

	RegistryTimeout time.Duration `yaml:"registry_timeout"`
	SinkTimeout     time.Duration `yaml:"sink_timeout"`

	// Aliases translates arbitrary input field names to canonical column
	// names, uniformly across all endpoints.
	Aliases map[string]string `yaml:"aliases"`
}

// Load builds the configuration from env vars, then overlays the YAML file
// named by KRAKEN_CONFIG when set.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		DatabaseURL:       getenvDefault("DATABASE_URL", os.Getenv("PG_DSN")),
		InfluxURL:         os.Getenv("INFLUX_URL"),
		InfluxDatabase:    getenvDefault("INFLUX_DB", "kraken"),
		InfluxUsername:    os.Getenv("INFLUX_USERNAME"),
		InfluxPassword:    os.Getenv("INFLUX_PASSWORD"),
		RelationalEnabled: getenvBoolDefault("RELATIONAL_ENABLED", true),
		TimeSeriesEnabled: getenvBoolDefault("TIMESERIES_ENABLED", true),
		DefaultTable:      getenvDefault("DEFAULT_DATA_TABLE", "data_points"),
		SharedKey:         os.Getenv("SHARED_API_KEY"),
		JWTSecret:         getenvDefault("AUTH_JWT_SECRET", os.Getenv("JWT_SECRET")),
		RegistryTimeout:   getenvDuration("REGISTRY_TIMEOUT", 5*time.Second),
		SinkTimeout:       getenvDuration("SINK_TIMEOUT", 10*time.Second),
	}

	if path := os.Getenv("KRAKEN_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.DatabaseURL == "" {
		return cfg, errors.New("config: DATABASE_URL or PG_DSN is required")
	}
	if cfg.TimeSeriesEnabled && cfg.InfluxURL == "" {
		return cfg, errors.New("config: INFLUX_URL is required when the time-series sink is enabled")
	}
	if !cfg.RelationalEnabled && !cfg.TimeSeriesEnabled {
		return cfg, errors.New("config: at least one sink must be enabled")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
