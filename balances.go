package tollgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/tollgate/balance"
	"github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/types"
)

// BalanceLedger owns customer prepaid balances. Every mutation happens in
// a store transaction that holds the customer's lock, so the funds check
// and the subtraction are one step.
type BalanceLedger struct {
	store    balance.Store
	currency string
}

func NewBalanceLedger(s balance.Store, currency string) *BalanceLedger {
	return &BalanceLedger{store: s, currency: currency}
}

// Debit subtracts amount and returns the new balance. When funds are short
// it returns the current balance with ErrInsufficientFunds and changes nothing.
func (l *BalanceLedger) Debit(ctx context.Context, tx store.Tx, customerID string, amount types.Money) (types.Money, error) {
	if err := l.checkAmount(amount); err != nil {
		return types.Money{}, err
	}

	bal, err := tx.Debit(ctx, customerID, amount)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return bal, err
		}
		return types.Money{}, err
	}
	if bal.IsNegative() {
		return types.Money{}, fmt.Errorf("%w: debit of %s left %s with %s", ErrLedgerInvariantViolation, amount, customerID, bal)
	}
	return bal, nil
}

// Credit adds amount and returns the new balance.
func (l *BalanceLedger) Credit(ctx context.Context, tx store.Tx, customerID string, amount types.Money) (types.Money, error) {
	if err := l.checkAmount(amount); err != nil {
		return types.Money{}, err
	}

	bal, err := tx.Credit(ctx, customerID, amount)
	if err != nil {
		return types.Money{}, err
	}
	if bal.IsNegative() {
		return types.Money{}, fmt.Errorf("%w: %s has %s after credit", ErrLedgerInvariantViolation, customerID, bal)
	}
	return bal, nil
}

// BalanceOf returns a snapshot of the customer's balance. It is advisory:
// only a Debit decides whether funds suffice.
func (l *BalanceLedger) BalanceOf(ctx context.Context, customerID string) (types.Money, error) {
	a, err := l.Account(ctx, customerID)
	if err != nil {
		return types.Money{}, err
	}
	return a.Balance, nil
}

// Account returns the customer's account record.
func (l *BalanceLedger) Account(ctx context.Context, customerID string) (*balance.Account, error) {
	a, err := l.store.GetAccount(ctx, customerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	if a.Balance.IsNegative() {
		return nil, fmt.Errorf("%w: %s has negative balance %s", ErrLedgerInvariantViolation, customerID, a.Balance)
	}
	return a, nil
}

func (l *BalanceLedger) checkAmount(amount types.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s is not positive", ErrInvalidAmount, amount)
	}
	if amount.Currency != l.currency {
		return fmt.Errorf("%w: %s does not match ledger currency %s", ErrInvalidAmount, amount.Currency, l.currency)
	}
	return nil
}
