// Package extension provides the Forge extension adapter for Tollgate.
//
// It implements the forge.Extension interface to integrate the Tollgate
// engine into a Forge application with DI registration and lifecycle
// management. The engine and, unless disabled, the HTTP API handler are
// provided to the container.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tollgate" or "tollgate" keys.
package extension

import (
	"context"
	"errors"
	"net/http"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/api"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tollgate"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Per-minute metered session billing"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Tollgate as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *tollgate.Engine
	store      store.Store
	handler    http.Handler
	engineOpts []tollgate.Option
}

// New creates a new Tollgate Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine. This is nil until Register is called.
func (e *Extension) Engine() *tollgate.Engine { return e.engine }

// Handler returns the HTTP API mounted under the configured base path, or
// nil when routes are disabled.
func (e *Extension) Handler() http.Handler { return e.handler }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		e.store = memory.New()
	}

	e.engine = tollgate.New(e.store, e.buildEngineOpts()...)

	if err := vessel.Provide(fapp.Container(), func() (*tollgate.Engine, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}

	if e.config.DisableRoutes {
		return nil
	}
	e.handler = api.NewRouter(e.engine, e.config.BasePath)
	return vessel.Provide(fapp.Container(), func() (*api.Handler, error) {
		return api.New(e.engine), nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tollgate: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tollgate: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildEngineOpts constructs tollgate.Option values from the resolved config.
// Pass-through options come last so they win.
func (e *Extension) buildEngineOpts() []tollgate.Option {
	opts := []tollgate.Option{
		tollgate.WithCurrency(e.config.Currency),
		tollgate.WithSplit(journal.Split{OperatorBasisPoints: e.config.OperatorShareBasisPoints}),
		tollgate.WithRateCacheTTL(e.config.RateCacheTTL),
	}
	if e.config.BillingTick > 0 {
		opts = append(opts, tollgate.WithBillingTick(e.config.BillingTick))
	}
	if e.config.DisableMigrate {
		opts = append(opts, tollgate.WithoutMigrate())
	}
	return append(opts, e.engineOpts...)
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tollgate: configuration is required but not found in config files; " +
				"ensure 'extensions.tollgate' or 'tollgate' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tollgate: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("currency", e.config.Currency),
		forge.F("operator_share_bps", e.config.OperatorShareBasisPoints),
		forge.F("rate_cache_ttl", e.config.RateCacheTTL),
		forge.F("billing_tick", e.config.BillingTick),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.tollgate", "tollgate"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("tollgate: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("tollgate: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.Currency == "" {
		cfg.Currency = defaults.Currency
	}
	if cfg.OperatorShareBasisPoints == 0 {
		cfg.OperatorShareBasisPoints = defaults.OperatorShareBasisPoints
	}
	if cfg.RateCacheTTL == 0 {
		cfg.RateCacheTTL = defaults.RateCacheTTL
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps and bool
// flags override when true.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.Currency == "" {
		yamlConfig.Currency = programmaticConfig.Currency
	}
	if yamlConfig.OperatorShareBasisPoints == 0 {
		yamlConfig.OperatorShareBasisPoints = programmaticConfig.OperatorShareBasisPoints
	}
	if yamlConfig.RateCacheTTL == 0 {
		yamlConfig.RateCacheTTL = programmaticConfig.RateCacheTTL
	}
	if yamlConfig.BillingTick == 0 {
		yamlConfig.BillingTick = programmaticConfig.BillingTick
	}

	return mergeWithDefaults(yamlConfig)
}
