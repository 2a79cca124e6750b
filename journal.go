package tollgate

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/store"
)

// Journal is the append-only revenue record. Every debit the engine makes
// is journaled with its operator and platform shares.
type Journal struct {
	store journal.Store
	split journal.Split
	now   func() time.Time
}

func NewJournal(s journal.Store, split journal.Split, now func() time.Time) *Journal {
	if now == nil {
		now = time.Now
	}
	return &Journal{store: s, split: split, now: now}
}

// Split returns the configured revenue split.
func (j *Journal) Split() journal.Split { return j.split }

// Record appends a charge entry inside tx. When neither share is set they
// are derived from the configured split; supplied shares must add up.
func (j *Journal) Record(ctx context.Context, tx store.Tx, e *journal.Entry) (id.EntryID, error) {
	switch e.Kind {
	case journal.KindConnectFee, journal.KindPerMinute, journal.KindMessage:
	default:
		return id.Nil, fmt.Errorf("%w: cannot record %q entries directly", ErrInvalidInput, e.Kind)
	}
	if !e.Total.IsPositive() {
		return id.Nil, fmt.Errorf("%w: entry total %s is not positive", ErrInvalidAmount, e.Total)
	}

	if e.OperatorAmount.IsZero() && e.PlatformAmount.IsZero() {
		e.OperatorAmount, e.PlatformAmount = j.split.Apply(e.Total)
	}
	if !e.Balanced() {
		return id.Nil, fmt.Errorf("%w: shares %s + %s do not equal %s",
			ErrLedgerInvariantViolation, e.OperatorAmount, e.PlatformAmount, e.Total)
	}

	if e.ID.IsNil() {
		e.ID = id.NewEntryID()
	}
	e.ReversesID = id.Nil
	e.Status = journal.StatusCompleted
	e.CreatedAt = j.now().UTC()

	if err := tx.AppendEntry(ctx, e); err != nil {
		return id.Nil, err
	}
	return e.ID, nil
}

// Reverse appends a refund entry that undoes entryID. The original is left
// untouched; reads report it as reversed.
func (j *Journal) Reverse(ctx context.Context, tx store.Tx, entryID id.EntryID) (*journal.Entry, error) {
	orig, err := tx.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if orig.IsReversal() || orig.Status == journal.StatusReversed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyReversed, entryID)
	}

	rev := orig.Reversal(id.NewEntryID(), j.now())
	if !rev.Balanced() {
		return nil, fmt.Errorf("%w: reversal of %s is unbalanced", ErrLedgerInvariantViolation, entryID)
	}
	if err := tx.AppendEntry(ctx, rev); err != nil {
		return nil, err
	}
	return rev, nil
}

// Get returns one entry.
func (j *Journal) Get(ctx context.Context, entryID id.EntryID) (*journal.Entry, error) {
	return j.store.GetEntry(ctx, entryID)
}

// List returns entries matching opts in append order.
func (j *Journal) List(ctx context.Context, opts journal.ListOpts) ([]*journal.Entry, error) {
	return j.store.ListEntries(ctx, opts)
}
