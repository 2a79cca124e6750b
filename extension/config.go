package extension

import "time"

// Config holds the Tollgate extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tollgate" or "tollgate" keys).
type Config struct {
	// DisableRoutes prevents the HTTP API from being provided.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for Tollgate routes (default: "/tollgate").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// Currency is the ISO code balances and rates are kept in (default: "usd").
	Currency string `json:"currency" mapstructure:"currency" yaml:"currency"`

	// OperatorShareBasisPoints is the operator's share of every charge in
	// basis points (default: 8000, i.e. 80%).
	OperatorShareBasisPoints int64 `json:"operator_share_bps" mapstructure:"operator_share_bps" yaml:"operator_share_bps"`

	// RateCacheTTL controls how long operator rate plans are cached
	// in-process (default: 30s).
	RateCacheTTL time.Duration `json:"rate_cache_ttl" mapstructure:"rate_cache_ttl" yaml:"rate_cache_ttl"`

	// BillingTick enables incremental billing of answered sessions at this
	// interval. Zero settles at session end only.
	BillingTick time.Duration `json:"billing_tick" mapstructure:"billing_tick" yaml:"billing_tick"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:                 "/tollgate",
		Currency:                 "usd",
		OperatorShareBasisPoints: 8000,
		RateCacheTTL:             30 * time.Second,
	}
}
