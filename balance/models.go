package balance

import (
	"github.com/xraph/tollgate/types"
)

type Account struct {
	types.Entity
	CustomerID string            `json:"customer_id"`
	Balance    types.Money       `json:"balance"`
	Contact    string            `json:"contact,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
