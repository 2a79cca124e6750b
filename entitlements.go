package tollgate

import (
	"context"
	"fmt"

	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/store"
)

// EntitlementLedger tracks promotional free minutes per customer and
// operator. Minutes are consumed before paid balance.
type EntitlementLedger struct {
	store entitlement.Store
}

func NewEntitlementLedger(s entitlement.Store) *EntitlementLedger {
	return &EntitlementLedger{store: s}
}

// Available returns the free minutes left for the pair, zero if none were
// ever granted. The figure is advisory.
func (l *EntitlementLedger) Available(ctx context.Context, customerID, operatorID string) (int64, error) {
	g, err := l.store.GetGrant(ctx, customerID, operatorID)
	if err != nil {
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	if g.Remaining < 0 {
		return 0, fmt.Errorf("%w: grant %s/%s has %d minutes", ErrLedgerInvariantViolation, customerID, operatorID, g.Remaining)
	}
	return g.Remaining, nil
}

// Reserve takes up to minutes from the grant inside tx and returns how many
// were taken.
func (l *EntitlementLedger) Reserve(ctx context.Context, tx store.Tx, customerID, operatorID string, minutes int64) (int64, error) {
	if minutes <= 0 {
		return 0, nil
	}
	reserved, err := tx.ReserveMinutes(ctx, customerID, operatorID, minutes)
	if err != nil {
		return 0, err
	}
	if reserved < 0 || reserved > minutes {
		return 0, fmt.Errorf("%w: reserved %d of %d minutes", ErrLedgerInvariantViolation, reserved, minutes)
	}
	return reserved, nil
}

// Refund returns previously reserved minutes to the grant.
func (l *EntitlementLedger) Refund(ctx context.Context, tx store.Tx, customerID, operatorID string, minutes int64) error {
	if minutes <= 0 {
		return nil
	}
	remaining, err := tx.RefundMinutes(ctx, customerID, operatorID, minutes)
	if err != nil {
		return err
	}
	if remaining < minutes {
		return fmt.Errorf("%w: grant holds %d after refunding %d", ErrLedgerInvariantViolation, remaining, minutes)
	}
	return nil
}
