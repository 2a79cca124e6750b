package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the tollgated configuration file. ${VAR} references are
// expanded from the environment before parsing.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// BasePath is the URL prefix for the billing API.
	BasePath string `yaml:"base_path"`

	// Currency is the ISO code balances and rates are kept in.
	Currency string `yaml:"currency"`

	// OperatorShareBasisPoints is the operator's share of every charge.
	OperatorShareBasisPoints int64 `yaml:"operator_share_bps"`

	RateCacheTTL time.Duration `yaml:"rate_cache_ttl"`
	BillingTick  time.Duration `yaml:"billing_tick"`

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`
	Audit   AuditConfig   `yaml:"audit"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is one of memory, postgres or mongo.
	Driver string `yaml:"driver"`

	// DSN is the postgres connection string or the mongo URI.
	DSN string `yaml:"dsn"`

	// Database is the mongo database name.
	Database string `yaml:"database"`

	// SkipMigrate leaves the schema alone on start.
	SkipMigrate bool `yaml:"skip_migrate"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AuditConfig controls the audit trail written to the log.
type AuditConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MinSeverity string `yaml:"min_severity"`
}

const (
	driverMemory   = "memory"
	driverPostgres = "postgres"
	driverMongo    = "mongo"
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Listen:                   ":8080",
		BasePath:                 "/tollgate",
		Currency:                 "usd",
		OperatorShareBasisPoints: 8000,
		RateCacheTTL:             30 * time.Second,
		ShutdownTimeout:          30 * time.Second,
		Store:                    StoreConfig{Driver: driverMemory, Database: "tollgate"},
		Metrics:                  MetricsConfig{Enabled: true, Path: "/metrics"},
		Audit:                    AuditConfig{Enabled: true, MinSeverity: "info"},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports every problem in the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.OperatorShareBasisPoints < 0 || c.OperatorShareBasisPoints > 10000 {
		errs = append(errs, fmt.Errorf("operator_share_bps %d out of range [0, 10000]", c.OperatorShareBasisPoints))
	}
	switch c.Store.Driver {
	case driverMemory:
	case driverPostgres, driverMongo:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
		}
		if c.Store.Driver == driverMongo && c.Store.Database == "" {
			errs = append(errs, errors.New("store.database is required for mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	return errors.Join(errs...)
}
