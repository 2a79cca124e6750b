package extension

import (
	"time"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/bridge"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/store"
)

// Option configures the Tollgate Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes a tollgate.Option through to the underlying engine.
func WithEngineOption(opt tollgate.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a Tollgate plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, tollgate.WithPlugin(p))
	}
}

// WithBridge sets the provider that connects customers and operators.
func WithBridge(p bridge.Provider) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, tollgate.WithBridge(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents the HTTP API from being provided.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for Tollgate routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithCurrency sets the currency balances and rates are kept in.
func WithCurrency(currency string) Option {
	return func(e *Extension) { e.config.Currency = currency }
}

// WithOperatorShare sets the operator's share in basis points.
func WithOperatorShare(bps int64) Option {
	return func(e *Extension) { e.config.OperatorShareBasisPoints = bps }
}

// WithRateCacheTTL sets the rate plan cache duration.
func WithRateCacheTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.RateCacheTTL = d }
}

// WithBillingTick enables incremental billing at the given interval.
func WithBillingTick(d time.Duration) Option {
	return func(e *Extension) { e.config.BillingTick = d }
}
