// Package plugin provides an extensible plugin system for Tollgate.
// Plugins can hook into session and ledger events to extend functionality.
// Hooks run after the ledger change has committed and can never undo it.
package plugin

import (
	"context"

	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/types"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Session hooks
// ──────────────────────────────────────────────────

// OnSessionStarted is called when a session has been created and bridged.
type OnSessionStarted interface {
	Plugin
	OnSessionStarted(ctx context.Context, s *session.Session) error
}

// OnSessionTransitioned is called after a session moves to a new state.
type OnSessionTransitioned interface {
	Plugin
	OnSessionTransitioned(ctx context.Context, s *session.Session, from session.State) error
}

// OnSessionSettled is called when a session reaches a terminal state and
// its charges are final.
type OnSessionSettled interface {
	Plugin
	OnSessionSettled(ctx context.Context, s *session.Session, charged types.Money) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnEntryRecorded is called for every journal entry, refunds included.
type OnEntryRecorded interface {
	Plugin
	OnEntryRecorded(ctx context.Context, e *journal.Entry) error
}

// OnInsufficientFunds is called when a start or settlement is refused for
// lack of balance.
type OnInsufficientFunds interface {
	Plugin
	OnInsufficientFunds(ctx context.Context, customerID, operatorID string, balance, required types.Money) error
}

// OnInvariantViolation is called when the ledger detects state that must
// never occur. These always warrant an alert.
type OnInvariantViolation interface {
	Plugin
	OnInvariantViolation(ctx context.Context, op string, err error) error
}
