package store

import (
	"context"

	"github.com/xraph/tollgate/balance"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/rate"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/types"
)

// Store is the unified storage interface for all Tollgate records.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
//
// Plain methods are lock-free reads and administrative writes. Every
// ledger mutation goes through RunInTx.
type Store interface {
	// Operator methods
	UpsertOperator(ctx context.Context, op *rate.Operator) error
	GetOperator(ctx context.Context, operatorID string) (*rate.Operator, error)
	ListOperators(ctx context.Context, opts rate.ListOpts) ([]*rate.Operator, error)
	SetOperatorActive(ctx context.Context, operatorID string, active bool) error

	// Account methods
	CreateAccount(ctx context.Context, a *balance.Account) error
	GetAccount(ctx context.Context, customerID string) (*balance.Account, error)

	// Grant methods
	GrantFreeMinutes(ctx context.Context, customerID, operatorID string, minutes int64) error
	GetGrant(ctx context.Context, customerID, operatorID string) (*entitlement.Grant, error)

	// Session methods
	GetSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error)
	ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error)

	// Journal methods
	GetEntry(ctx context.Context, entryID id.EntryID) (*journal.Entry, error)
	ListEntries(ctx context.Context, opts journal.ListOpts) ([]*journal.Entry, error)

	// RunInTx runs fn in one atomic unit. Either every write made through
	// tx commits or none does. Lock waits that time out and serialization
	// failures are reported as tollgate.ErrConcurrencyConflict.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the write side of a store transaction. Rows it touches stay locked
// until the transaction ends: sessions by ID, journal entries by ID, balances
// and grants by customer. Callers lock sessions, then journal entries, then
// customers.
type Tx interface {
	// LockSession loads a session for update.
	LockSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error)
	CreateSession(ctx context.Context, s *session.Session) error
	UpdateSession(ctx context.Context, s *session.Session) error

	// Debit subtracts amount when the balance covers it and returns the
	// new balance. It fails with tollgate.ErrInsufficientFunds and changes
	// nothing otherwise.
	Debit(ctx context.Context, customerID string, amount types.Money) (types.Money, error)
	// Credit adds amount and returns the new balance.
	Credit(ctx context.Context, customerID string, amount types.Money) (types.Money, error)

	// ReserveMinutes takes up to minutes from the grant and returns how
	// many were taken. A missing grant reserves nothing.
	ReserveMinutes(ctx context.Context, customerID, operatorID string, minutes int64) (int64, error)
	// RefundMinutes returns minutes to the grant and reports the new remainder.
	RefundMinutes(ctx context.Context, customerID, operatorID string, minutes int64) (int64, error)

	// AppendEntry writes a journal entry. A second reversal of the same
	// entry fails with tollgate.ErrAlreadyReversed.
	AppendEntry(ctx context.Context, e *journal.Entry) error
	// GetEntry reads an entry with its derived status.
	GetEntry(ctx context.Context, entryID id.EntryID) (*journal.Entry, error)
}
