package session

import (
	"time"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/types"
)

type State string

const (
	StateInitiated State = "initiated"
	StateRinging   State = "ringing"
	StateAnswered  State = "answered"
	StateEnded     State = "ended"
	StateFailed    State = "failed"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateInitiated, StateRinging, StateAnswered, StateEnded, StateFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateFailed
}

// Session is one metered communication between a customer and an operator.
// Rate and fee are snapshotted at start so later price changes never
// affect a session in flight. A paid session holds its first minute and
// connect fee in FundsHeld until the first charge or the end.
type Session struct {
	types.Entity
	ID                   id.SessionID `json:"id"`
	CustomerID           string       `json:"customer_id"`
	OperatorID           string       `json:"operator_id"`
	Domain               string       `json:"domain,omitempty"`
	State                State        `json:"state"`
	AnsweredAt           *time.Time   `json:"answered_at,omitempty"`
	EndedAt              *time.Time   `json:"ended_at,omitempty"`
	DurationSeconds      int64        `json:"duration_seconds"`
	FreeMinutesReserved  int64        `json:"free_minutes_reserved"`
	FreeMinutesApplied   int64        `json:"free_minutes_applied"`
	PaidMinutesBilled    int64        `json:"paid_minutes_billed"`
	ConnectFeeCharged    types.Money  `json:"connect_fee_charged"`
	ConnectFeeEntryID    id.EntryID   `json:"connect_fee_entry_id,omitzero"`
	FundsHeld            types.Money  `json:"funds_held"`
	IsFreeMinutesSession bool         `json:"is_free_minutes_session"`
	RatePerMinute        types.Money  `json:"rate_per_minute"`
	ConnectFee           types.Money  `json:"connect_fee"`
	ProviderRef          string       `json:"provider_ref,omitempty"`
	FailureReason        string       `json:"failure_reason,omitempty"`
}

// IsActive reports whether the session has not reached a terminal state.
func (s *Session) IsActive() bool {
	return !s.State.IsTerminal()
}

// FeeCharged reports whether a connect fee is currently held for the session.
func (s *Session) FeeCharged() bool {
	return s.ConnectFeeCharged.IsPositive()
}

// HoldsFunds reports whether part of the balance is held for the session.
func (s *Session) HoldsFunds() bool {
	return s.FundsHeld.IsPositive()
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	if s.AnsweredAt != nil {
		t := *s.AnsweredAt
		c.AnsweredAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
