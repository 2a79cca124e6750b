package rate

import (
	"github.com/xraph/tollgate/types"
)

// Plan is an operator's price list. All amounts share one currency.
type Plan struct {
	RatePerMinute  types.Money `json:"rate_per_minute"`
	ConnectFee     types.Money `json:"connect_fee"`
	RatePerMessage types.Money `json:"rate_per_message"`
}

// Currency returns the first non-empty currency on the plan.
func (p Plan) Currency() string {
	for _, m := range []types.Money{p.RatePerMinute, p.ConnectFee, p.RatePerMessage} {
		if m.Currency != "" {
			return m.Currency
		}
	}
	return ""
}

// HasNegative reports whether any amount on the plan is below zero.
func (p Plan) HasNegative() bool {
	return p.RatePerMinute.IsNegative() || p.ConnectFee.IsNegative() || p.RatePerMessage.IsNegative()
}

// StartRequirement is the balance a customer needs before a session may
// begin. With free minutes only the connect fee is due up front; otherwise
// the customer must also cover one paid minute.
func (p Plan) StartRequirement(freeMinutes int64) types.Money {
	if freeMinutes > 0 {
		return p.ConnectFee
	}
	return p.RatePerMinute.Add(p.ConnectFee)
}

// EstimatedMinutes returns how long a session could run on the given balance
// and free minutes. A zero per-minute rate is unbounded and reported as -1.
func (p Plan) EstimatedMinutes(balance types.Money, freeMinutes int64) int64 {
	if p.RatePerMinute.IsZero() {
		return -1
	}
	spendable := balance.Amount - p.ConnectFee.Amount
	if spendable < 0 {
		return 0
	}
	return freeMinutes + spendable/p.RatePerMinute.Amount
}

type Operator struct {
	types.Entity
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Contact     string            `json:"contact,omitempty"`
	Active      bool              `json:"active"`
	Plan        Plan              `json:"plan"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
