package journal

import (
	"context"

	"github.com/xraph/tollgate/id"
)

// Store reads the journal. Reads report Status as StatusReversed for any
// entry that has a linked refund; stored rows are never rewritten.
type Store interface {
	GetEntry(ctx context.Context, entryID id.EntryID) (*Entry, error)
	ListEntries(ctx context.Context, opts ListOpts) ([]*Entry, error)
}

type ListOpts struct {
	CustomerID string
	OperatorID string
	SessionID  id.SessionID
	Kind       Kind
	Limit      int
	Offset     int
}
