package balance

import "context"

type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, customerID string) (*Account, error)
}
