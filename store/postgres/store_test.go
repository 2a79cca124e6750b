package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/session"
	tollgatestore "github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/store/storetest"
	"github.com/xraph/tollgate/types"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func expectTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout = '5000ms'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestDebit(t *testing.T) {
	s, mock := newMock(t)

	expectTx(mock)
	mock.ExpectQuery("UPDATE tollgate_accounts").
		WithArgs(int64(400), "cust_1", "usd").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(600)))
	mock.ExpectCommit()

	var bal types.Money
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx tollgatestore.Tx) error {
		var err error
		bal, err = tx.Debit(ctx, "cust_1", types.USD(400))
		return err
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !bal.Equal(types.USD(600)) {
		t.Fatalf("expected balance $6.00, got %s", bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	s, mock := newMock(t)

	expectTx(mock)
	mock.ExpectQuery("UPDATE tollgate_accounts").
		WithArgs(int64(500), "cust_1", "usd").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery("SELECT balance, currency FROM tollgate_accounts").
		WithArgs("cust_1").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "currency"}).AddRow(int64(300), "usd"))
	mock.ExpectRollback()

	var bal types.Money
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx tollgatestore.Tx) error {
		var err error
		bal, err = tx.Debit(ctx, "cust_1", types.USD(500))
		return err
	})
	if !errors.Is(err, tollgate.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if !bal.Equal(types.USD(300)) {
		t.Fatalf("expected reported balance $3.00, got %s", bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDebitUnknownCustomer(t *testing.T) {
	s, mock := newMock(t)

	expectTx(mock)
	mock.ExpectQuery("UPDATE tollgate_accounts").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery("SELECT balance, currency FROM tollgate_accounts").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "currency"}))
	mock.ExpectRollback()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx tollgatestore.Tx) error {
		_, err := tx.Debit(ctx, "cust_missing", types.USD(1))
		return err
	})
	if !errors.Is(err, tollgate.ErrCustomerNotFound) {
		t.Fatalf("expected ErrCustomerNotFound, got %v", err)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *pq.Error
		want error
	}{
		{"lock timeout", &pq.Error{Code: "55P03"}, tollgate.ErrConcurrencyConflict},
		{"serialization", &pq.Error{Code: "40001"}, tollgate.ErrConcurrencyConflict},
		{"deadlock", &pq.Error{Code: "40P01"}, tollgate.ErrConcurrencyConflict},
		{"duplicate reversal", &pq.Error{Code: "23505", Constraint: reversesIndex}, tollgate.ErrAlreadyReversed},
		{"duplicate key", &pq.Error{Code: "23505", Constraint: "tollgate_accounts_pkey"}, tollgate.ErrAlreadyExists},
		{"check", &pq.Error{Code: "23514", Constraint: "tollgate_entries_balanced"}, tollgate.ErrLedgerInvariantViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("mapError(%s) = %v, want %v", tt.err.Code, got, tt.want)
			}
		})
	}

	other := errors.New("boom")
	if got := mapError(other); got != other {
		t.Errorf("mapError passed through %v as %v", other, got)
	}
}

func TestLockTimeoutIsRetryable(t *testing.T) {
	s, mock := newMock(t)

	sid := id.NewSessionID()
	expectTx(mock)
	mock.ExpectQuery("SELECT .* FROM tollgate_sessions WHERE id = \\$1 FOR UPDATE").
		WithArgs(sid.String()).
		WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx tollgatestore.Tx) error {
		_, err := tx.LockSession(ctx, sid)
		return err
	})
	if !tollgate.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDuplicateReversal(t *testing.T) {
	s, mock := newMock(t)

	orig := id.NewEntryID()
	rev := (&journal.Entry{
		ID:             orig,
		CustomerID:     "cust_1",
		OperatorID:     "op_1",
		Kind:           journal.KindMessage,
		Total:          types.USD(25),
		OperatorAmount: types.USD(20),
		PlatformAmount: types.USD(5),
	}).Reversal(id.NewEntryID(), time.Now())

	expectTx(mock)
	mock.ExpectExec(regexp.QuoteMeta("SAVEPOINT tollgate_reversal")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO tollgate_entries").
		WillReturnError(&pq.Error{Code: "23505", Constraint: reversesIndex})
	mock.ExpectExec(regexp.QuoteMeta("ROLLBACK TO SAVEPOINT tollgate_reversal")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx tollgatestore.Tx) error {
		return tx.AppendEntry(ctx, rev)
	})
	if !errors.Is(err, tollgate.ErrAlreadyReversed) {
		t.Fatalf("expected ErrAlreadyReversed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReserveMinutes(t *testing.T) {
	s, mock := newMock(t)

	expectTx(mock)
	mock.ExpectQuery("SELECT remaining FROM tollgate_grants").
		WithArgs("cust_1", "op_1").
		WillReturnRows(sqlmock.NewRows([]string{"remaining"}).AddRow(int64(3)))
	mock.ExpectExec("UPDATE tollgate_grants SET remaining = remaining - \\$1").
		WithArgs(int64(3), "cust_1", "op_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT remaining FROM tollgate_grants").
		WithArgs("cust_1", "op_2").
		WillReturnRows(sqlmock.NewRows([]string{"remaining"}))
	mock.ExpectCommit()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx tollgatestore.Tx) error {
		n, err := tx.ReserveMinutes(ctx, "cust_1", "op_1", 10)
		if err != nil {
			return err
		}
		if n != 3 {
			t.Errorf("expected 3 minutes reserved, got %d", n)
		}
		n, err = tx.ReserveMinutes(ctx, "cust_1", "op_2", 10)
		if err != nil {
			return err
		}
		if n != 0 {
			t.Errorf("expected nothing reserved without a grant, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("SELECT .* FROM tollgate_sessions WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.GetSession(context.Background(), id.NewSessionID()); !errors.Is(err, tollgate.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListSessionsFilters(t *testing.T) {
	after := &session.Cursor{CreatedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), ID: id.NewSessionID()}

	tests := []struct {
		name  string
		opts  session.ListOpts
		query string
		args  int
	}{
		{
			name: "customer and state",
			opts: session.ListOpts{
				CustomerID: "cust_1",
				States:     []session.State{session.StateAnswered},
				Limit:      10,
			},
			query: "WHERE customer_id = $1 AND state = ANY($2) ORDER BY created_at, id LIMIT 10",
			args:  2,
		},
		{
			name: "after cursor",
			opts: session.ListOpts{
				States: []session.State{session.StateAnswered},
				After:  after,
				Limit:  2,
			},
			query: "WHERE state = ANY($1) AND (created_at, id) > ($2, $3) ORDER BY created_at, id LIMIT 2",
			args:  3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMock(t)

			args := make([]driver.Value, tt.args)
			for i := range args {
				args[i] = sqlmock.AnyArg()
			}
			if tt.opts.After != nil {
				args[tt.args-2] = tt.opts.After.CreatedAt
				args[tt.args-1] = tt.opts.After.ID.String()
			}
			mock.ExpectQuery(regexp.QuoteMeta(tt.query)).
				WithArgs(args...).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))

			list, err := s.ListSessions(context.Background(), tt.opts)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if len(list) != 0 {
				t.Fatalf("expected no sessions, got %d", len(list))
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestMigrateSkipsApplied(t *testing.T) {
	s, mock := newMock(t)

	applied := sqlmock.NewRows([]string{"version"})
	for _, m := range Migrations[:len(Migrations)-1] {
		applied.AddRow(m.Version)
	}
	last := Migrations[len(Migrations)-1]

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tollgate_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM tollgate_migrations").
		WillReturnRows(applied)
	mock.ExpectBegin()
	mock.ExpectExec("ALTER TABLE tollgate_sessions ADD COLUMN IF NOT EXISTS funds_held").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO tollgate_migrations").
		WithArgs(last.Version, last.Name).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestConformance runs the shared suite against a live database named by
// TOLLGATE_POSTGRES_DSN.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("TOLLGATE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TOLLGATE_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) tollgatestore.Store {
		ctx := context.Background()
		s, err := Open(ctx, dsn)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatal(err)
		}
		_, err = s.DB().ExecContext(ctx, `TRUNCATE tollgate_operators, tollgate_accounts,
			tollgate_grants, tollgate_sessions, tollgate_entries`)
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}
