package tollgate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xraph/tollgate/bridge"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/store"
)

// Engine is the session billing engine. It coordinates rate resolution,
// free-minute entitlements, prepaid balances and the revenue journal as
// sessions move through their lifecycle.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	bridge  bridge.Provider
	clock   func() time.Time

	rates        *RateResolver
	entitlements *EntitlementLedger
	balances     *BalanceLedger
	journal      *Journal

	// Configuration
	split        journal.Split
	currency     string
	rateCacheTTL time.Duration
	retry        RetryPolicy
	tickInterval time.Duration
	tickPageSize int
	skipMigrate  bool

	// Background workers
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Engine over s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		plugins:      plugin.NewRegistry(),
		logger:       slog.Default(),
		clock:        time.Now,
		split:        journal.DefaultSplit,
		currency:     "usd",
		rateCacheTTL: 30 * time.Second,
		retry:        DefaultRetryPolicy,
		tickPageSize: 200,
		stopChan:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.rates = NewRateResolver(s, e.currency, e.rateCacheTTL, e.clock)
	e.entitlements = NewEntitlementLedger(s)
	e.balances = NewBalanceLedger(s, e.currency)
	e.journal = NewJournal(s, e.split, e.clock)

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithSplit sets the operator/platform revenue split. Invalid splits are ignored.
func WithSplit(s journal.Split) Option {
	return func(e *Engine) {
		if s.Validate() == nil {
			e.split = s
		}
	}
}

// WithCurrency sets the ISO currency all balances and rates are kept in.
func WithCurrency(currency string) Option {
	return func(e *Engine) {
		if currency != "" {
			e.currency = strings.ToLower(currency)
		}
	}
}

// WithRateCacheTTL sets how long resolved rate plans are cached.
func WithRateCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.rateCacheTTL = ttl
	}
}

// WithRetry sets the retry policy for conflicting ledger transactions.
func WithRetry(p RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithBridge sets the provider that connects the parties of a session.
// Without one, sessions are created and wait for events.
func WithBridge(p bridge.Provider) Option {
	return func(e *Engine) {
		e.bridge = p
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.clock = now
		}
	}
}

// WithBillingTick enables incremental billing of answered sessions every
// interval. Zero, the default, settles at session end only.
func WithBillingTick(interval time.Duration) Option {
	return func(e *Engine) {
		e.tickInterval = interval
	}
}

// WithoutMigrate makes Start leave the store schema alone.
func WithoutMigrate() Option {
	return func(e *Engine) {
		e.skipMigrate = true
	}
}

// Start migrates the store, initializes plugins and starts background workers.
func (e *Engine) Start(ctx context.Context) error {
	if !e.skipMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return err
		}
	}

	e.plugins.EmitInit(ctx, e)

	if e.tickInterval > 0 {
		e.wg.Add(1)
		go e.billingTickWorker(context.WithoutCancel(ctx))
	}

	e.logger.Info("tollgate started",
		"currency", e.currency,
		"operator_share_bps", e.split.OperatorBasisPoints,
		"rate_cache_ttl", e.rateCacheTTL,
		"billing_tick", e.tickInterval,
	)

	return nil
}

// Stop shuts down the Engine and closes the store.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Currency returns the ledger currency.
func (e *Engine) Currency() string { return e.currency }

// Rates returns the rate resolver.
func (e *Engine) Rates() *RateResolver { return e.rates }

// Entitlements returns the free-minute ledger.
func (e *Engine) Entitlements() *EntitlementLedger { return e.entitlements }

// Balances returns the balance ledger.
func (e *Engine) Balances() *BalanceLedger { return e.balances }

// Journal returns the transaction journal.
func (e *Engine) Journal() *Journal { return e.journal }

// ──────────────────────────────────────────────────
// Background workers
// ──────────────────────────────────────────────────

func (e *Engine) billingTickWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tickAnswered(ctx)
		case <-e.stopChan:
			return
		}
	}
}

// tickAnswered bills every answered session once. Pages are keyed on the
// last session seen, so sessions ending mid-pass do not shift later pages.
func (e *Engine) tickAnswered(ctx context.Context) {
	start := time.Now()
	billed := 0

	var after *session.Cursor
	for {
		sessions, err := e.store.ListSessions(ctx, session.ListOpts{
			States: []session.State{session.StateAnswered},
			After:  after,
			Limit:  e.tickPageSize,
		})
		if err != nil {
			e.logger.Error("billing tick: list sessions failed", "error", err)
			return
		}

		for _, s := range sessions {
			charged, err := e.BillTick(ctx, s.ID)
			if err != nil {
				e.logger.Warn("billing tick failed",
					"session_id", s.ID.String(),
					"customer_id", s.CustomerID,
					"error", err,
				)
				continue
			}
			if charged.IsPositive() {
				billed++
			}
		}

		if len(sessions) < e.tickPageSize {
			break
		}
		after = session.CursorOf(sessions[len(sessions)-1])
	}

	if billed > 0 {
		e.logger.Debug("billing tick complete", "sessions_billed", billed, "elapsed", time.Since(start))
	}
}
