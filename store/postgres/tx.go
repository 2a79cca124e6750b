package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/types"
)

type tx struct {
	tx *sql.Tx
}

// ==================== Sessions ====================

func (t *tx) LockSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	sess, err := scanSession(t.tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM tollgate_sessions WHERE id = $1 FOR UPDATE`, sessionID))
	if err != nil {
		if isNoRows(err) {
			return nil, tollgate.ErrSessionNotFound
		}
		return nil, mapError(err)
	}
	return sess, nil
}

func (t *tx) CreateSession(ctx context.Context, s *session.Session) error {
	args := append(sessionArgs(s), orNow(s.CreatedAt), orNow(s.UpdatedAt))
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tollgate_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, args...)
	return mapError(err)
}

func (t *tx) UpdateSession(ctx context.Context, s *session.Session) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tollgate_sessions SET
			customer_id = $2, operator_id = $3, domain = $4, state = $5,
			answered_at = $6, ended_at = $7, duration_seconds = $8,
			free_minutes_reserved = $9, free_minutes_applied = $10, paid_minutes_billed = $11,
			currency = $12, rate_per_minute = $13, connect_fee = $14, connect_fee_charged = $15,
			connect_fee_entry_id = $16, is_free_minutes_session = $17,
			provider_ref = $18, failure_reason = $19, funds_held = $20, updated_at = NOW()
		WHERE id = $1
	`, sessionArgs(s)...)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tollgate.ErrSessionNotFound
	}
	return nil
}

// ==================== Balances ====================

// Debit subtracts only when the balance covers the amount. The WHERE clause
// is re-evaluated after any concurrent writer commits, so two debits can
// never both pass on the same funds.
func (t *tx) Debit(ctx context.Context, customerID string, amount types.Money) (types.Money, error) {
	var bal int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE tollgate_accounts
		SET balance = balance - $1, updated_at = NOW()
		WHERE customer_id = $2 AND currency = $3 AND balance >= $1
		RETURNING balance
	`, amount.Amount, customerID, amount.Currency).Scan(&bal)
	if err == nil {
		return types.New(bal, amount.Currency), nil
	}
	if !isNoRows(err) {
		return types.Money{}, mapError(err)
	}

	cur, err := t.lockAccount(ctx, customerID)
	if err != nil {
		return types.Money{}, err
	}
	if cur.Currency != amount.Currency {
		return cur, fmt.Errorf("%w: %s debit on %s account", tollgate.ErrInvalidAmount, amount.Currency, cur.Currency)
	}
	return cur, tollgate.ErrInsufficientFunds
}

func (t *tx) Credit(ctx context.Context, customerID string, amount types.Money) (types.Money, error) {
	var bal int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE tollgate_accounts
		SET balance = balance + $1, updated_at = NOW()
		WHERE customer_id = $2 AND currency = $3
		RETURNING balance
	`, amount.Amount, customerID, amount.Currency).Scan(&bal)
	if err == nil {
		return types.New(bal, amount.Currency), nil
	}
	if !isNoRows(err) {
		return types.Money{}, mapError(err)
	}

	cur, err := t.lockAccount(ctx, customerID)
	if err != nil {
		return types.Money{}, err
	}
	return cur, fmt.Errorf("%w: %s credit on %s account", tollgate.ErrInvalidAmount, amount.Currency, cur.Currency)
}

func (t *tx) lockAccount(ctx context.Context, customerID string) (types.Money, error) {
	var (
		bal      int64
		currency string
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT balance, currency FROM tollgate_accounts WHERE customer_id = $1 FOR UPDATE`,
		customerID).Scan(&bal, &currency)
	if err != nil {
		if isNoRows(err) {
			return types.Money{}, tollgate.ErrCustomerNotFound
		}
		return types.Money{}, mapError(err)
	}
	return types.New(bal, currency), nil
}

// ==================== Grants ====================

func (t *tx) ReserveMinutes(ctx context.Context, customerID, operatorID string, minutes int64) (int64, error) {
	var remaining int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT remaining FROM tollgate_grants
		WHERE customer_id = $1 AND operator_id = $2
		FOR UPDATE
	`, customerID, operatorID).Scan(&remaining)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, mapError(err)
	}

	taken := min(remaining, max(minutes, 0))
	if taken == 0 {
		return 0, nil
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE tollgate_grants SET remaining = remaining - $1, updated_at = NOW()
		WHERE customer_id = $2 AND operator_id = $3
	`, taken, customerID, operatorID)
	if err != nil {
		return 0, mapError(err)
	}
	return taken, nil
}

func (t *tx) RefundMinutes(ctx context.Context, customerID, operatorID string, minutes int64) (int64, error) {
	var remaining int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE tollgate_grants SET remaining = remaining + $1, updated_at = NOW()
		WHERE customer_id = $2 AND operator_id = $3
		RETURNING remaining
	`, minutes, customerID, operatorID).Scan(&remaining)
	if err != nil {
		if isNoRows(err) {
			return 0, fmt.Errorf("%w: no grant for %s/%s", tollgate.ErrNotFound, customerID, operatorID)
		}
		return 0, mapError(err)
	}
	return remaining, nil
}

// ==================== Journal ====================

// AppendEntry inserts e. A reversal runs under a savepoint so a losing
// duplicate leaves the transaction usable.
func (t *tx) AppendEntry(ctx context.Context, e *journal.Entry) error {
	if e.ReversesID.IsNil() {
		return t.insertEntry(ctx, e)
	}

	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT tollgate_reversal`); err != nil {
		return mapError(err)
	}
	if err := t.insertEntry(ctx, e); err != nil {
		if _, rerr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT tollgate_reversal`); rerr != nil {
			return mapError(rerr)
		}
		return err
	}
	_, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT tollgate_reversal`)
	return mapError(err)
}

func (t *tx) insertEntry(ctx context.Context, e *journal.Entry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tollgate_entries
		(id, customer_id, operator_id, domain, kind, currency, total, operator_amount, platform_amount,
		 session_id, reverses_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, e.ID, e.CustomerID, e.OperatorID, e.Domain, string(e.Kind), e.Total.Currency,
		e.Total.Amount, e.OperatorAmount.Amount, e.PlatformAmount.Amount,
		e.SessionID, e.ReversesID, e.Description, orNow(e.CreatedAt))
	return mapError(err)
}

func (t *tx) GetEntry(ctx context.Context, entryID id.EntryID) (*journal.Entry, error) {
	return getEntry(ctx, t.tx, entryID)
}
