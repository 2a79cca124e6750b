package entitlement

import "context"

type Store interface {
	GrantFreeMinutes(ctx context.Context, customerID, operatorID string, minutes int64) error
	GetGrant(ctx context.Context, customerID, operatorID string) (*Grant, error)
}
