package entitlement

import (
	"time"
)

// Grant is a customer's pool of free minutes with one operator.
type Grant struct {
	CustomerID string    `json:"customer_id"`
	OperatorID string    `json:"operator_id"`
	Remaining  int64     `json:"remaining"`
	Granted    int64     `json:"granted"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Key identifies a grant.
func Key(customerID, operatorID string) string {
	return customerID + "\x00" + operatorID
}

// Take returns how many of the wanted minutes the grant can cover.
func (g *Grant) Take(want int64) int64 {
	if g == nil || want <= 0 || g.Remaining <= 0 {
		return 0
	}
	return min(want, g.Remaining)
}
