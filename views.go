package tollgate

import (
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/types"
)

// StartRequest asks for a new session. CustomerID must already be
// authenticated by the caller.
type StartRequest struct {
	CustomerID string `json:"customer_id"`
	OperatorID string `json:"operator_id"`
	Domain     string `json:"domain,omitempty"`
}

// StartResult describes a newly created session.
type StartResult struct {
	SessionID         id.SessionID     `json:"session_id"`
	State             session.State    `json:"state"`
	RatePerMinute     types.Money      `json:"rate_per_minute"`
	ConnectFee        types.Money      `json:"connect_fee"`
	ConnectFeeCharged types.Money      `json:"connect_fee_charged"`
	FundsHeld         types.Money      `json:"funds_held"`
	FreeMinutes       int64            `json:"free_minutes"`
	EstimatedMinutes  int64            `json:"estimated_minutes"`
	Balance           types.Money      `json:"balance"`
	Session           *session.Session `json:"-"`
}

// StatusView is the live, read-only state of a session. Figures for an
// answered session are estimates until it ends.
type StatusView struct {
	SessionID         id.SessionID  `json:"session_id"`
	Status            session.State `json:"status"`
	DurationSeconds   int64         `json:"duration_seconds"`
	FreeMinutesUsed   int64         `json:"free_minutes_used"`
	PaidMinutes       int64         `json:"paid_minutes"`
	EstimatedCharges  types.Money   `json:"estimated_charges"`
	ConnectFeeCharged types.Money   `json:"connect_fee_charged"`
	FundsHeld         types.Money   `json:"funds_held"`
	IsActive          bool          `json:"is_active"`
}

// AffordabilityView is the pre-flight check shown before a session starts.
type AffordabilityView struct {
	Balance           types.Money `json:"balance"`
	FreeMinutes       int64       `json:"free_minutes"`
	EstimatedDuration int64       `json:"estimated_duration"`
	CanAfford         bool        `json:"can_afford"`
	MinimumRequired   types.Money `json:"minimum_required"`
}

// TransitionResult reports the effect of one lifecycle event.
type TransitionResult struct {
	Session  *session.Session `json:"session"`
	From     session.State    `json:"from"`
	Applied  bool             `json:"applied"`
	Charged  types.Money      `json:"charged"`
	Refunded types.Money      `json:"refunded"`
	Entries  []*journal.Entry `json:"entries,omitempty"`
}
