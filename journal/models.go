package journal

import (
	"time"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/types"
)

type Kind string

const (
	KindConnectFee Kind = "connect_fee"
	KindPerMinute  Kind = "per_minute"
	KindMessage    Kind = "message"
	KindRefund     Kind = "refund"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusReversed  Status = "reversed"
)

// Entry is one append-only revenue record. A refund entry carries the
// sign-inverted amounts of the entry named by ReversesID.
type Entry struct {
	ID             id.EntryID   `json:"id"`
	CustomerID     string       `json:"customer_id"`
	OperatorID     string       `json:"operator_id"`
	Domain         string       `json:"domain,omitempty"`
	Kind           Kind         `json:"kind"`
	Total          types.Money  `json:"total"`
	OperatorAmount types.Money  `json:"operator_amount"`
	PlatformAmount types.Money  `json:"platform_amount"`
	SessionID      id.SessionID `json:"session_id,omitzero"`
	ReversesID     id.EntryID   `json:"reverses_id,omitzero"`
	Status         Status       `json:"status"`
	Description    string       `json:"description,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Balanced reports whether the shares add up to the total.
func (e *Entry) Balanced() bool {
	return e.OperatorAmount.SameCurrency(e.PlatformAmount) &&
		e.OperatorAmount.SameCurrency(e.Total) &&
		e.OperatorAmount.Amount+e.PlatformAmount.Amount == e.Total.Amount
}

// IsReversal reports whether the entry undoes another entry.
func (e *Entry) IsReversal() bool {
	return e.Kind == KindRefund || !e.ReversesID.IsNil()
}

// Reversal builds the refund entry that undoes e.
func (e *Entry) Reversal(entryID id.EntryID, at time.Time) *Entry {
	return &Entry{
		ID:             entryID,
		CustomerID:     e.CustomerID,
		OperatorID:     e.OperatorID,
		Domain:         e.Domain,
		Kind:           KindRefund,
		Total:          e.Total.Negate(),
		OperatorAmount: e.OperatorAmount.Negate(),
		PlatformAmount: e.PlatformAmount.Negate(),
		SessionID:      e.SessionID,
		ReversesID:     e.ID,
		Status:         StatusCompleted,
		Description:    "reversal of " + e.ID.String(),
		CreatedAt:      at.UTC(),
	}
}
