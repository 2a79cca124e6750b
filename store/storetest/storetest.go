// Package storetest is a conformance suite every store.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/balance"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/rate"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/types"
)

// Factory returns an empty, migrated store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run exercises s against the store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("Operators", func(t *testing.T) { testOperators(t, newStore(t)) })
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("Grants", func(t *testing.T) { testGrants(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("Journal", func(t *testing.T) { testJournal(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("ConcurrentDebits", func(t *testing.T) { testConcurrentDebits(t, newStore(t)) })
	t.Run("ConcurrentReservations", func(t *testing.T) { testConcurrentReservations(t, newStore(t)) })
}

func closeStore(t *testing.T, s store.Store) {
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
}

func mustTx(t *testing.T, s store.Store, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	if err := s.RunInTx(context.Background(), fn); err != nil {
		t.Fatalf("RunInTx: %v", err)
	}
}

func openAccount(t *testing.T, s store.Store, customerID string, cents int64) {
	t.Helper()
	err := s.CreateAccount(context.Background(), &balance.Account{
		Entity:     types.NewEntity(),
		CustomerID: customerID,
		Balance:    types.USD(cents),
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
}

func testOperators(t *testing.T, s store.Store) {
	closeStore(t, s)
	ctx := context.Background()

	for _, opID := range []string{"op_b", "op_a", "op_c"} {
		err := s.UpsertOperator(ctx, &rate.Operator{
			Entity:      types.NewEntity(),
			ID:          opID,
			DisplayName: "Operator " + opID,
			Active:      opID != "op_c",
			Plan: rate.Plan{
				RatePerMinute:  types.USD(399),
				ConnectFee:     types.USD(99),
				RatePerMessage: types.USD(25),
			},
			Metadata: map[string]string{"tier": "gold"},
		})
		if err != nil {
			t.Fatalf("UpsertOperator(%s): %v", opID, err)
		}
	}

	op, err := s.GetOperator(ctx, "op_a")
	if err != nil {
		t.Fatal(err)
	}
	if !op.Plan.RatePerMinute.Equal(types.USD(399)) || !op.Plan.ConnectFee.Equal(types.USD(99)) {
		t.Errorf("plan = %+v", op.Plan)
	}
	if op.Metadata["tier"] != "gold" {
		t.Errorf("Metadata = %v", op.Metadata)
	}

	op.Plan.RatePerMinute = types.USD(499)
	if err := s.UpsertOperator(ctx, op); err != nil {
		t.Fatal(err)
	}
	op, err = s.GetOperator(ctx, "op_a")
	if err != nil {
		t.Fatal(err)
	}
	if !op.Plan.RatePerMinute.Equal(types.USD(499)) {
		t.Errorf("RatePerMinute after upsert = %s, want $4.99", op.Plan.RatePerMinute)
	}

	active, err := s.ListOperators(ctx, rate.ListOpts{ActiveOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].ID != "op_a" || active[1].ID != "op_b" {
		t.Errorf("active operators = %v, want op_a, op_b", operatorIDs(active))
	}

	if err := s.SetOperatorActive(ctx, "op_a", false); err != nil {
		t.Fatal(err)
	}
	op, _ = s.GetOperator(ctx, "op_a")
	if op.Active {
		t.Error("op_a still active")
	}

	if _, err := s.GetOperator(ctx, "op_missing"); !tollgate.IsNotFound(err) {
		t.Errorf("GetOperator(missing): err = %v, want not found", err)
	}
	if err := s.SetOperatorActive(ctx, "op_missing", true); !tollgate.IsNotFound(err) {
		t.Errorf("SetOperatorActive(missing): err = %v, want not found", err)
	}
}

func operatorIDs(ops []*rate.Operator) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

func testAccounts(t *testing.T, s store.Store) {
	closeStore(t, s)
	ctx := context.Background()

	openAccount(t, s, "cust_1", 500)
	err := s.CreateAccount(ctx, &balance.Account{CustomerID: "cust_1", Balance: types.USD(1)})
	if !errors.Is(err, tollgate.ErrAlreadyExists) {
		t.Errorf("duplicate CreateAccount: err = %v, want ErrAlreadyExists", err)
	}

	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		bal, err := tx.Debit(ctx, "cust_1", types.USD(200))
		if err != nil {
			return err
		}
		if !bal.Equal(types.USD(300)) {
			t.Errorf("balance after debit = %s, want $3.00", bal)
		}

		bal, err = tx.Debit(ctx, "cust_1", types.USD(301))
		if !errors.Is(err, tollgate.ErrInsufficientFunds) {
			t.Errorf("overdraw: err = %v, want ErrInsufficientFunds", err)
		}
		if !bal.Equal(types.USD(300)) {
			t.Errorf("balance reported on refusal = %s, want $3.00", bal)
		}

		bal, err = tx.Credit(ctx, "cust_1", types.USD(50))
		if err != nil {
			return err
		}
		if !bal.Equal(types.USD(350)) {
			t.Errorf("balance after credit = %s, want $3.50", bal)
		}
		return nil
	})

	a, err := s.GetAccount(ctx, "cust_1")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Balance.Equal(types.USD(350)) {
		t.Errorf("stored balance = %s, want $3.50", a.Balance)
	}

	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Debit(ctx, "cust_missing", types.USD(1))
		return err
	})
	if !tollgate.IsNotFound(err) {
		t.Errorf("debit of missing customer: err = %v, want not found", err)
	}
	if _, err := s.GetAccount(ctx, "cust_missing"); !tollgate.IsNotFound(err) {
		t.Errorf("GetAccount(missing): err = %v, want not found", err)
	}
}

func testGrants(t *testing.T, s store.Store) {
	closeStore(t, s)
	ctx := context.Background()

	openAccount(t, s, "cust_1", 0)
	if _, err := s.GetGrant(ctx, "cust_1", "op_1"); !tollgate.IsNotFound(err) {
		t.Errorf("GetGrant before grant: err = %v, want not found", err)
	}

	if err := s.GrantFreeMinutes(ctx, "cust_1", "op_1", 3); err != nil {
		t.Fatal(err)
	}
	if err := s.GrantFreeMinutes(ctx, "cust_1", "op_1", 2); err != nil {
		t.Fatal(err)
	}

	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		n, err := tx.ReserveMinutes(ctx, "cust_1", "op_1", 4)
		if err != nil {
			return err
		}
		if n != 4 {
			t.Errorf("reserved %d, want 4", n)
		}
		n, err = tx.ReserveMinutes(ctx, "cust_1", "op_1", 4)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("second reserve took %d, want 1", n)
		}
		n, err = tx.ReserveMinutes(ctx, "cust_1", "op_other", 4)
		if err != nil {
			return err
		}
		if n != 0 {
			t.Errorf("reserve without grant took %d, want 0", n)
		}

		left, err := tx.RefundMinutes(ctx, "cust_1", "op_1", 2)
		if err != nil {
			return err
		}
		if left != 2 {
			t.Errorf("remaining after refund = %d, want 2", left)
		}
		return nil
	})

	g, err := s.GetGrant(ctx, "cust_1", "op_1")
	if err != nil {
		t.Fatal(err)
	}
	if g.Remaining != 2 || g.Granted != 5 {
		t.Errorf("grant = %d of %d, want 2 of 5", g.Remaining, g.Granted)
	}
}

func testSessions(t *testing.T, s store.Store) {
	closeStore(t, s)
	ctx := context.Background()

	answered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := &session.Session{
		Entity:              types.NewEntityAt(answered.Add(-time.Minute)),
		ID:                  id.NewSessionID(),
		CustomerID:          "cust_1",
		OperatorID:          "op_1",
		Domain:              "example.com",
		State:               session.StateInitiated,
		FreeMinutesReserved: 3,
		RatePerMinute:       types.USD(399),
		ConnectFee:          types.USD(99),
		ConnectFeeCharged:   types.USD(0),
	}
	second := first.Clone()
	second.ID = id.NewSessionID()
	second.CustomerID = "cust_2"
	second.CreatedAt = answered

	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateSession(ctx, first); err != nil {
			return err
		}
		return tx.CreateSession(ctx, second)
	})

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateSession(ctx, first)
	})
	if !errors.Is(err, tollgate.ErrAlreadyExists) {
		t.Errorf("duplicate CreateSession: err = %v, want ErrAlreadyExists", err)
	}

	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.LockSession(ctx, first.ID)
		if err != nil {
			return err
		}
		cur.State = session.StateAnswered
		cur.AnsweredAt = &answered
		cur.ConnectFeeCharged = types.USD(99)
		cur.ConnectFeeEntryID = id.NewEntryID()
		cur.ProviderRef = "CA123"
		cur.FundsHeld = types.USD(399)
		return tx.UpdateSession(ctx, cur)
	})

	got, err := s.GetSession(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != session.StateAnswered || got.AnsweredAt == nil || !got.AnsweredAt.Equal(answered) {
		t.Errorf("session = %s answered at %v", got.State, got.AnsweredAt)
	}
	if got.ProviderRef != "CA123" || got.FreeMinutesReserved != 3 || got.ConnectFeeEntryID.IsNil() {
		t.Errorf("session fields not persisted: %+v", got)
	}
	if !got.ConnectFeeCharged.Equal(types.USD(99)) || !got.RatePerMinute.Equal(types.USD(399)) {
		t.Errorf("money fields = %s, %s", got.ConnectFeeCharged, got.RatePerMinute)
	}
	if !got.FundsHeld.Equal(types.USD(399)) || !got.HoldsFunds() {
		t.Errorf("funds held = %s, want $3.99", got.FundsHeld)
	}

	list, err := s.ListSessions(ctx, session.ListOpts{States: []session.State{session.StateAnswered}})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID.String() != first.ID.String() {
		t.Errorf("answered sessions = %d, want only the first", len(list))
	}
	list, err = s.ListSessions(ctx, session.ListOpts{OperatorID: "op_1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID.String() != first.ID.String() {
		t.Errorf("sessions for op_1 = %d, want 2 oldest first", len(list))
	}
	list, _ = s.ListSessions(ctx, session.ListOpts{OperatorID: "op_1", Limit: 1, Offset: 1})
	if len(list) != 1 || list[0].ID.String() != second.ID.String() {
		t.Errorf("second page = %d sessions, want the second", len(list))
	}
	list, err = s.ListSessions(ctx, session.ListOpts{OperatorID: "op_1", After: session.CursorOf(first)})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID.String() != second.ID.String() {
		t.Errorf("sessions after the first = %d, want the second", len(list))
	}
	list, _ = s.ListSessions(ctx, session.ListOpts{OperatorID: "op_1", After: session.CursorOf(second)})
	if len(list) != 0 {
		t.Errorf("sessions after the last = %d, want none", len(list))
	}

	if _, err := s.GetSession(ctx, id.NewSessionID()); !tollgate.IsNotFound(err) {
		t.Errorf("GetSession(missing): err = %v, want not found", err)
	}
	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockSession(ctx, id.NewSessionID())
		return err
	})
	if !tollgate.IsNotFound(err) {
		t.Errorf("LockSession(missing): err = %v, want not found", err)
	}
}

func testJournal(t *testing.T, s store.Store) {
	closeStore(t, s)
	ctx := context.Background()

	sid := id.NewSessionID()
	charge := &journal.Entry{
		ID:             id.NewEntryID(),
		CustomerID:     "cust_1",
		OperatorID:     "op_1",
		Kind:           journal.KindPerMinute,
		Total:          types.USD(798),
		OperatorAmount: types.USD(638),
		PlatformAmount: types.USD(160),
		SessionID:      sid,
		Status:         journal.StatusCompleted,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	message := &journal.Entry{
		ID:             id.NewEntryID(),
		CustomerID:     "cust_1",
		OperatorID:     "op_2",
		Kind:           journal.KindMessage,
		Total:          types.USD(25),
		OperatorAmount: types.USD(20),
		PlatformAmount: types.USD(5),
		Status:         journal.StatusCompleted,
		CreatedAt:      charge.CreatedAt.Add(time.Second),
	}
	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		if err := tx.AppendEntry(ctx, charge); err != nil {
			return err
		}
		return tx.AppendEntry(ctx, message)
	})

	rev := charge.Reversal(id.NewEntryID(), charge.CreatedAt.Add(2*time.Second))
	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		if err := tx.AppendEntry(ctx, rev); err != nil {
			return err
		}
		got, err := tx.GetEntry(ctx, charge.ID)
		if err != nil {
			return err
		}
		if got.Status != journal.StatusReversed {
			t.Errorf("status inside tx = %s, want reversed", got.Status)
		}
		return nil
	})

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendEntry(ctx, charge.Reversal(id.NewEntryID(), time.Now()))
	})
	if !errors.Is(err, tollgate.ErrAlreadyReversed) {
		t.Errorf("second reversal: err = %v, want ErrAlreadyReversed", err)
	}

	got, err := s.GetEntry(ctx, charge.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != journal.StatusReversed {
		t.Errorf("Status = %s, want reversed", got.Status)
	}
	if !got.OperatorAmount.Equal(types.USD(638)) || got.SessionID.String() != sid.String() {
		t.Errorf("entry fields not persisted: %+v", got)
	}

	tests := []struct {
		name string
		opts journal.ListOpts
		want int
	}{
		{"all", journal.ListOpts{}, 3},
		{"by customer", journal.ListOpts{CustomerID: "cust_1"}, 3},
		{"by operator", journal.ListOpts{OperatorID: "op_2"}, 1},
		{"by session", journal.ListOpts{SessionID: sid}, 2},
		{"by kind", journal.ListOpts{Kind: journal.KindRefund}, 1},
		{"paged", journal.ListOpts{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.ListEntries(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != tt.want {
				t.Errorf("got %d entries, want %d", len(list), tt.want)
			}
		})
	}

	list, _ := s.ListEntries(ctx, journal.ListOpts{})
	if len(list) == 3 && list[0].ID.String() != charge.ID.String() {
		t.Errorf("entries not in append order: first is %s", list[0].ID)
	}

	if _, err := s.GetEntry(ctx, id.NewEntryID()); !tollgate.IsNotFound(err) {
		t.Errorf("GetEntry(missing): err = %v, want not found", err)
	}
}

func testRollback(t *testing.T, s store.Store) {
	closeStore(t, s)
	ctx := context.Background()

	openAccount(t, s, "cust_1", 500)
	if err := s.GrantFreeMinutes(ctx, "cust_1", "op_1", 5); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	sid := id.NewSessionID()
	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateSession(ctx, &session.Session{
			Entity: types.NewEntity(), ID: sid, CustomerID: "cust_1", OperatorID: "op_1",
			State: session.StateInitiated, RatePerMinute: types.USD(1), ConnectFee: types.USD(0),
			ConnectFeeCharged: types.USD(0),
		}); err != nil {
			return err
		}
		if _, err := tx.Debit(ctx, "cust_1", types.USD(100)); err != nil {
			return err
		}
		if _, err := tx.ReserveMinutes(ctx, "cust_1", "op_1", 5); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, &journal.Entry{
			ID: id.NewEntryID(), CustomerID: "cust_1", OperatorID: "op_1",
			Kind: journal.KindConnectFee, Total: types.USD(100),
			OperatorAmount: types.USD(80), PlatformAmount: types.USD(20),
			Status: journal.StatusCompleted, CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	a, _ := s.GetAccount(ctx, "cust_1")
	if !a.Balance.Equal(types.USD(500)) {
		t.Errorf("balance after rollback = %s, want $5.00", a.Balance)
	}
	g, _ := s.GetGrant(ctx, "cust_1", "op_1")
	if g.Remaining != 5 {
		t.Errorf("grant after rollback = %d, want 5", g.Remaining)
	}
	if _, err := s.GetSession(ctx, sid); !tollgate.IsNotFound(err) {
		t.Errorf("session survived rollback: err = %v", err)
	}
	if list, _ := s.ListEntries(ctx, journal.ListOpts{}); len(list) != 0 {
		t.Errorf("%d entries survived rollback", len(list))
	}
}

func testConcurrentDebits(t *testing.T, s store.Store) {
	closeStore(t, s)
	ctx := context.Background()

	openAccount(t, s, "cust_1", 1000)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		debited int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
					_, err := tx.Debit(ctx, "cust_1", types.USD(100))
					return err
				})
				if tollgate.IsRetryable(err) {
					continue
				}
				if err == nil {
					mu.Lock()
					debited++
					mu.Unlock()
				} else if !errors.Is(err, tollgate.ErrInsufficientFunds) {
					t.Errorf("Debit: %v", err)
				}
				return
			}
		}()
	}
	wg.Wait()

	if debited != 10 {
		t.Errorf("%d debits succeeded, want 10", debited)
	}
	a, _ := s.GetAccount(ctx, "cust_1")
	if !a.Balance.IsZero() {
		t.Errorf("balance = %s, want zero", a.Balance)
	}
}

func testConcurrentReservations(t *testing.T, s store.Store) {
	closeStore(t, s)
	ctx := context.Background()

	openAccount(t, s, "cust_1", 0)
	if err := s.GrantFreeMinutes(ctx, "cust_1", "op_1", 10); err != nil {
		t.Fatal(err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		taken int64
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				var n int64
				err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
					var err error
					n, err = tx.ReserveMinutes(ctx, "cust_1", "op_1", 3)
					return err
				})
				if tollgate.IsRetryable(err) {
					continue
				}
				if err != nil {
					t.Errorf("ReserveMinutes: %v", err)
					return
				}
				mu.Lock()
				taken += n
				mu.Unlock()
				return
			}
		}()
	}
	wg.Wait()

	if taken != 10 {
		t.Errorf("reserved %d minutes in total, want 10", taken)
	}
	g, err := s.GetGrant(ctx, "cust_1", "op_1")
	if err != nil {
		t.Fatal(err)
	}
	if g.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", g.Remaining)
	}
}
