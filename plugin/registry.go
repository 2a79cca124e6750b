package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/types"
)

// DefaultHookTimeout bounds a single plugin call.
const DefaultHookTimeout = 5 * time.Second

// Registry holds the registered plugins, indexed by the hooks they
// implement so that dispatch never type-asserts.
type Registry struct {
	mu      sync.RWMutex
	names   map[string]struct{}
	logger  *slog.Logger
	timeout time.Duration

	onInit                []OnInit
	onShutdown            []OnShutdown
	onSessionStarted      []OnSessionStarted
	onSessionTransitioned []OnSessionTransitioned
	onSessionSettled      []OnSessionSettled
	onEntryRecorded       []OnEntryRecorded
	onInsufficientFunds   []OnInsufficientFunds
	onInvariantViolation  []OnInvariantViolation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		names:   make(map[string]struct{}),
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger hook failures are reported to.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-call hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds p. Names must be unique.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.names[p.Name()]; dup {
		return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
	}
	r.names[p.Name()] = struct{}{}

	var hooks []string
	add := func(name string, ok bool) {
		if ok {
			hooks = append(hooks, name)
		}
	}
	add("OnInit", appendIf(&r.onInit, p))
	add("OnShutdown", appendIf(&r.onShutdown, p))
	add("OnSessionStarted", appendIf(&r.onSessionStarted, p))
	add("OnSessionTransitioned", appendIf(&r.onSessionTransitioned, p))
	add("OnSessionSettled", appendIf(&r.onSessionSettled, p))
	add("OnEntryRecorded", appendIf(&r.onEntryRecorded, p))
	add("OnInsufficientFunds", appendIf(&r.onInsufficientFunds, p))
	add("OnInvariantViolation", appendIf(&r.onInvariantViolation, p))

	r.logger.Info("plugin registered", "name", p.Name(), "hooks", hooks)
	return nil
}

func appendIf[H Plugin](list *[]H, p Plugin) bool {
	h, ok := p.(H)
	if ok {
		*list = append(*list, h)
	}
	return ok
}

// ──────────────────────────────────────────────────
// Event emission
// ──────────────────────────────────────────────────

// EmitInit calls OnInit on every plugin that implements it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, &r.onInit, "OnInit", func(p OnInit) error { return p.OnInit(ctx, engine) })
}

// EmitShutdown calls OnShutdown on every plugin that implements it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, &r.onShutdown, "OnShutdown", func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

func (r *Registry) EmitSessionStarted(ctx context.Context, s *session.Session) {
	emit(ctx, r, &r.onSessionStarted, "OnSessionStarted", func(p OnSessionStarted) error {
		return p.OnSessionStarted(ctx, s)
	})
}

func (r *Registry) EmitSessionTransitioned(ctx context.Context, s *session.Session, from session.State) {
	emit(ctx, r, &r.onSessionTransitioned, "OnSessionTransitioned", func(p OnSessionTransitioned) error {
		return p.OnSessionTransitioned(ctx, s, from)
	})
}

func (r *Registry) EmitSessionSettled(ctx context.Context, s *session.Session, charged types.Money) {
	emit(ctx, r, &r.onSessionSettled, "OnSessionSettled", func(p OnSessionSettled) error {
		return p.OnSessionSettled(ctx, s, charged)
	})
}

func (r *Registry) EmitEntryRecorded(ctx context.Context, e *journal.Entry) {
	emit(ctx, r, &r.onEntryRecorded, "OnEntryRecorded", func(p OnEntryRecorded) error {
		return p.OnEntryRecorded(ctx, e)
	})
}

func (r *Registry) EmitInsufficientFunds(ctx context.Context, customerID, operatorID string, balance, required types.Money) {
	emit(ctx, r, &r.onInsufficientFunds, "OnInsufficientFunds", func(p OnInsufficientFunds) error {
		return p.OnInsufficientFunds(ctx, customerID, operatorID, balance, required)
	})
}

func (r *Registry) EmitInvariantViolation(ctx context.Context, op string, err error) {
	emit(ctx, r, &r.onInvariantViolation, "OnInvariantViolation", func(p OnInvariantViolation) error {
		return p.OnInvariantViolation(ctx, op, err)
	})
}

// emit calls fn for each hook in order. Failures and timeouts are logged;
// they never reach the caller.
func emit[H Plugin](ctx context.Context, r *Registry, list *[]H, name string, fn func(H) error) {
	r.mu.RLock()
	hooks := *list
	timeout := r.timeout
	r.mu.RUnlock()

	for _, h := range hooks {
		if err := callWithTimeout(ctx, timeout, func() error { return fn(h) }); err != nil {
			r.logger.Warn("plugin "+name+" failed", "plugin", h.Name(), "error", err)
		}
	}
}

// callWithTimeout waits for fn up to timeout. A hook that overruns keeps
// running in its goroutine; its result is discarded.
func callWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin: hook timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
