// Package postgres implements store.Store on PostgreSQL through
// database/sql and lib/pq. Ledger transactions take row locks with
// SELECT ... FOR UPDATE and conditional UPDATE ... RETURNING, bounded by a
// per-transaction lock_timeout.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/balance"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/rate"
	"github.com/xraph/tollgate/session"
	tollgatestore "github.com/xraph/tollgate/store"
)

// compile-time interface check
var _ tollgatestore.Store = (*Store)(nil)

// DefaultLockTimeout bounds how long a transaction waits for a row lock.
const DefaultLockTimeout = 5 * time.Second

// Store implements store.Store using PostgreSQL.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// Option configures the PostgreSQL store.
type Option func(*Store)

// WithLockTimeout sets the lock_timeout applied to every ledger transaction.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// New creates a new PostgreSQL store over db.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("tollgate/postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("tollgate/postgres: ping: %w", err)
	}
	return New(db, opts...), nil
}

// DB returns the underlying database handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Operator Store ====================

func (s *Store) UpsertOperator(ctx context.Context, op *rate.Operator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tollgate_operators
		(id, display_name, contact, active, currency, rate_per_minute, connect_fee, rate_per_message, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			contact = EXCLUDED.contact,
			active = EXCLUDED.active,
			currency = EXCLUDED.currency,
			rate_per_minute = EXCLUDED.rate_per_minute,
			connect_fee = EXCLUDED.connect_fee,
			rate_per_message = EXCLUDED.rate_per_message,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`, op.ID, op.DisplayName, op.Contact, op.Active, op.Plan.Currency(),
		op.Plan.RatePerMinute.Amount, op.Plan.ConnectFee.Amount, op.Plan.RatePerMessage.Amount,
		encodeMetadata(op.Metadata), orNow(op.CreatedAt), orNow(op.UpdatedAt))
	return mapError(err)
}

func (s *Store) GetOperator(ctx context.Context, operatorID string) (*rate.Operator, error) {
	op, err := scanOperator(s.db.QueryRowContext(ctx,
		`SELECT `+operatorColumns+` FROM tollgate_operators WHERE id = $1`, operatorID))
	if err != nil {
		if isNoRows(err) {
			return nil, tollgate.ErrOperatorNotFound
		}
		return nil, err
	}
	return op, nil
}

func (s *Store) ListOperators(ctx context.Context, opts rate.ListOpts) ([]*rate.Operator, error) {
	q := `SELECT ` + operatorColumns + ` FROM tollgate_operators`
	if opts.ActiveOnly {
		q += ` WHERE active`
	}
	q += ` ORDER BY id` + limitOffset(opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*rate.Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	return result, rows.Err()
}

func (s *Store) SetOperatorActive(ctx context.Context, operatorID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tollgate_operators SET active = $1, updated_at = NOW() WHERE id = $2`, active, operatorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tollgate.ErrOperatorNotFound
	}
	return nil
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *balance.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tollgate_accounts (customer_id, balance, currency, contact, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.CustomerID, a.Balance.Amount, a.Balance.Currency, a.Contact, encodeMetadata(a.Metadata),
		orNow(a.CreatedAt), orNow(a.UpdatedAt))
	return mapError(err)
}

func (s *Store) GetAccount(ctx context.Context, customerID string) (*balance.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM tollgate_accounts WHERE customer_id = $1`, customerID))
	if err != nil {
		if isNoRows(err) {
			return nil, tollgate.ErrCustomerNotFound
		}
		return nil, err
	}
	return a, nil
}

// ==================== Grant Store ====================

func (s *Store) GrantFreeMinutes(ctx context.Context, customerID, operatorID string, minutes int64) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: minutes must be positive", tollgate.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tollgate_grants (customer_id, operator_id, remaining, granted, updated_at)
		VALUES ($1, $2, $3, $3, NOW())
		ON CONFLICT (customer_id, operator_id) DO UPDATE SET
			remaining = tollgate_grants.remaining + EXCLUDED.remaining,
			granted = tollgate_grants.granted + EXCLUDED.granted,
			updated_at = NOW()
	`, customerID, operatorID, minutes)
	return mapError(err)
}

func (s *Store) GetGrant(ctx context.Context, customerID, operatorID string) (*entitlement.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM tollgate_grants WHERE customer_id = $1 AND operator_id = $2`,
		customerID, operatorID))
	if err != nil {
		if isNoRows(err) {
			return nil, tollgate.ErrNotFound
		}
		return nil, err
	}
	return g, nil
}

// ==================== Session Store ====================

func (s *Store) GetSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM tollgate_sessions WHERE id = $1`, sessionID))
	if err != nil {
		if isNoRows(err) {
			return nil, tollgate.ErrSessionNotFound
		}
		return nil, err
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error) {
	var (
		where []string
		args  []any
	)
	if opts.CustomerID != "" {
		args = append(args, opts.CustomerID)
		where = append(where, "customer_id = $"+strconv.Itoa(len(args)))
	}
	if opts.OperatorID != "" {
		args = append(args, opts.OperatorID)
		where = append(where, "operator_id = $"+strconv.Itoa(len(args)))
	}
	if len(opts.States) > 0 {
		states := make([]string, len(opts.States))
		for i, st := range opts.States {
			states[i] = string(st)
		}
		args = append(args, pq.Array(states))
		where = append(where, "state = ANY($"+strconv.Itoa(len(args))+")")
	}
	if opts.After != nil {
		args = append(args, opts.After.CreatedAt, opts.After.ID.String())
		where = append(where, "(created_at, id) > ($"+strconv.Itoa(len(args)-1)+", $"+strconv.Itoa(len(args))+")")
	}

	q := `SELECT ` + sessionColumns + ` FROM tollgate_sessions` + whereClause(where) +
		` ORDER BY created_at, id` + limitOffset(opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// ==================== Journal Store ====================

func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*journal.Entry, error) {
	return getEntry(ctx, s.db, entryID)
}

func (s *Store) ListEntries(ctx context.Context, opts journal.ListOpts) ([]*journal.Entry, error) {
	var (
		where []string
		args  []any
	)
	if opts.CustomerID != "" {
		args = append(args, opts.CustomerID)
		where = append(where, "e.customer_id = $"+strconv.Itoa(len(args)))
	}
	if opts.OperatorID != "" {
		args = append(args, opts.OperatorID)
		where = append(where, "e.operator_id = $"+strconv.Itoa(len(args)))
	}
	if !opts.SessionID.IsNil() {
		args = append(args, opts.SessionID)
		where = append(where, "e.session_id = $"+strconv.Itoa(len(args)))
	}
	if opts.Kind != "" {
		args = append(args, string(opts.Kind))
		where = append(where, "e.kind = $"+strconv.Itoa(len(args)))
	}

	q := `SELECT ` + entryColumns + ` FROM tollgate_entries e` + whereClause(where) +
		` ORDER BY e.seq` + limitOffset(opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*journal.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntry(ctx context.Context, q queryRower, entryID id.EntryID) (*journal.Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM tollgate_entries e WHERE e.id = $1`, entryID))
	if err != nil {
		if isNoRows(err) {
			return nil, tollgate.ErrEntryNotFound
		}
		return nil, err
	}
	return e, nil
}

// ==================== Transactions ====================

// RunInTx runs fn in a READ COMMITTED transaction. Row locks are taken
// explicitly by the Tx methods.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx tollgatestore.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // rollback is best-effort

	if s.lockTimeout > 0 {
		if _, err := sqlTx.ExecContext(ctx,
			fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return mapError(err)
		}
	}

	if err := fn(ctx, &tx{tx: sqlTx}); err != nil {
		return mapError(err)
	}
	return mapError(sqlTx.Commit())
}

// ==================== Helpers ====================

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// mapError translates PostgreSQL failures into tollgate errors. Errors that
// already carry a tollgate sentinel pass through.
func mapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
		return fmt.Errorf("%w: %s", tollgate.ErrConcurrencyConflict, pqErr.Message)
	case "23505": // unique_violation
		if pqErr.Constraint == reversesIndex {
			return tollgate.ErrAlreadyReversed
		}
		return fmt.Errorf("%w: %s", tollgate.ErrAlreadyExists, pqErr.Constraint)
	case "23514": // check_violation
		return fmt.Errorf("%w: %s", tollgate.ErrLedgerInvariantViolation, pqErr.Constraint)
	}
	return err
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limitOffset(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(limit))
	}
	if offset > 0 {
		b.WriteString(" OFFSET " + strconv.Itoa(offset))
	}
	return b.String()
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
