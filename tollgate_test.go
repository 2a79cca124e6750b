package tollgate_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/balance"
	"github.com/xraph/tollgate/bridge"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/rate"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/store/memory"
	"github.com/xraph/tollgate/types"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recorder struct {
	mu       sync.Mutex
	entries  []*journal.Entry
	settled  map[string]types.Money
	started  int
	refusals []types.Money
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnSessionStarted(_ context.Context, _ *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	return nil
}

func (r *recorder) OnSessionSettled(_ context.Context, s *session.Session, charged types.Money) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled[s.ID.String()] = charged
	return nil
}

func (r *recorder) OnEntryRecorded(_ context.Context, e *journal.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recorder) OnInsufficientFunds(_ context.Context, _, _ string, _, required types.Money) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refusals = append(r.refusals, required)
	return nil
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	engine *tollgate.Engine
	store  *memory.Store
	clock  *testClock
	rec    *recorder
}

func newFixture(t *testing.T, opts ...tollgate.Option) *fixture {
	t.Helper()

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: memory.New(memory.WithLockTimeout(time.Second)),
		clock: &testClock{now: epoch},
		rec:   &recorder{settled: map[string]types.Money{}},
	}
	base := []tollgate.Option{
		tollgate.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		tollgate.WithClock(f.clock.Now),
		tollgate.WithPlugin(f.rec),
	}
	f.engine = tollgate.New(f.store, append(base, opts...)...)
	if err := f.engine.Start(f.ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.engine.Stop() })
	return f
}

func (f *fixture) operator(opID string, perMinute, fee, perMessage int64) {
	f.t.Helper()
	err := f.engine.UpsertOperator(f.ctx, &rate.Operator{
		ID:          opID,
		DisplayName: opID,
		Active:      true,
		Plan: rate.Plan{
			RatePerMinute:  types.USD(perMinute),
			ConnectFee:     types.USD(fee),
			RatePerMessage: types.USD(perMessage),
		},
	})
	if err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) customer(customerID string, cents int64) {
	f.t.Helper()
	if err := f.engine.OpenAccount(f.ctx, &balance.Account{CustomerID: customerID, Balance: types.USD(cents)}); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) grant(customerID, opID string, minutes int64) {
	f.t.Helper()
	if err := f.engine.GrantFreeMinutes(f.ctx, customerID, opID, minutes); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) start(customerID, opID string) *tollgate.StartResult {
	f.t.Helper()
	res, err := f.engine.StartSession(f.ctx, tollgate.StartRequest{CustomerID: customerID, OperatorID: opID})
	if err != nil {
		f.t.Fatalf("StartSession: %v", err)
	}
	return res
}

func (f *fixture) move(sid id.SessionID, to session.State, at time.Time) *tollgate.TransitionResult {
	f.t.Helper()
	res, err := f.engine.Transition(f.ctx, sid, to, at)
	if err != nil {
		f.t.Fatalf("Transition to %s: %v", to, err)
	}
	return res
}

func (f *fixture) balance(customerID string) types.Money {
	f.t.Helper()
	b, err := f.engine.Balances().BalanceOf(f.ctx, customerID)
	if err != nil {
		f.t.Fatal(err)
	}
	return b
}

func (f *fixture) free(customerID, opID string) int64 {
	f.t.Helper()
	n, err := f.engine.Entitlements().Available(f.ctx, customerID, opID)
	if err != nil {
		f.t.Fatal(err)
	}
	return n
}

func (f *fixture) entries(opts journal.ListOpts) []*journal.Entry {
	f.t.Helper()
	list, err := f.engine.Journal().List(f.ctx, opts)
	if err != nil {
		f.t.Fatal(err)
	}
	return list
}

func wantMoney(t *testing.T, what string, got, want types.Money) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s = %s, want %s", what, got, want)
	}
}

// ──────────────────────────────────────────────────
// Settlement scenarios
// ──────────────────────────────────────────────────

func TestPaidSessionSettlement(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 1000)

	res := f.start("cust_1", "op_1")
	if res.State != session.StateInitiated {
		t.Errorf("State = %s, want initiated", res.State)
	}
	if res.FreeMinutes != 0 {
		t.Errorf("FreeMinutes = %d, want 0", res.FreeMinutes)
	}
	wantMoney(t, "ConnectFeeCharged", res.ConnectFeeCharged, types.USD(0))
	wantMoney(t, "FundsHeld", res.FundsHeld, types.USD(498))
	wantMoney(t, "balance after start", f.balance("cust_1"), types.USD(1000-498))
	if res.EstimatedMinutes != 2 {
		t.Errorf("EstimatedMinutes = %d, want 2", res.EstimatedMinutes)
	}

	f.move(res.SessionID, session.StateRinging, epoch)
	f.move(res.SessionID, session.StateAnswered, epoch.Add(5*time.Second))
	end := f.move(res.SessionID, session.StateEnded, epoch.Add(125*time.Second))

	wantMoney(t, "Charged", end.Charged, types.USD(897))
	wantMoney(t, "balance", f.balance("cust_1"), types.USD(103))

	s := end.Session
	if s.DurationSeconds != 120 {
		t.Errorf("DurationSeconds = %d, want 120", s.DurationSeconds)
	}
	if s.PaidMinutesBilled != 2 {
		t.Errorf("PaidMinutesBilled = %d, want 2", s.PaidMinutesBilled)
	}

	list := f.entries(journal.ListOpts{SessionID: res.SessionID})
	if len(list) != 2 {
		t.Fatalf("got %d entries, want 2", len(list))
	}
	tests := []struct {
		kind     journal.Kind
		total    int64
		operator int64
		platform int64
	}{
		{journal.KindConnectFee, 99, 79, 20},
		{journal.KindPerMinute, 798, 638, 160},
	}
	for i, tt := range tests {
		e := list[i]
		if e.Kind != tt.kind {
			t.Errorf("entry %d kind = %s, want %s", i, e.Kind, tt.kind)
		}
		wantMoney(t, "total", e.Total, types.USD(tt.total))
		wantMoney(t, "operator share", e.OperatorAmount, types.USD(tt.operator))
		wantMoney(t, "platform share", e.PlatformAmount, types.USD(tt.platform))
	}

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	wantMoney(t, "settled hook", f.rec.settled[res.SessionID.String()], types.USD(897))
}

func TestFreeMinutesNeedConnectFee(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 50)
	f.grant("cust_1", "op_1", 5)

	_, err := f.engine.StartSession(f.ctx, tollgate.StartRequest{CustomerID: "cust_1", OperatorID: "op_1"})
	if !errors.Is(err, tollgate.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	var fe *tollgate.FundsError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %T, want *FundsError", err)
	}
	wantMoney(t, "Required", fe.Required, types.USD(99))
	wantMoney(t, "Shortfall", fe.Shortfall, types.USD(49))
	if fe.FreeMinutes != 5 {
		t.Errorf("FreeMinutes = %d, want 5", fe.FreeMinutes)
	}

	wantMoney(t, "balance", f.balance("cust_1"), types.USD(50))
	if got := f.free("cust_1", "op_1"); got != 5 {
		t.Errorf("free minutes = %d, want 5", got)
	}
	sessions, _ := f.engine.ListSessions(f.ctx, session.ListOpts{CustomerID: "cust_1"})
	if len(sessions) != 0 {
		t.Errorf("got %d sessions, want none", len(sessions))
	}
	if len(f.rec.refusals) != 1 {
		t.Errorf("insufficient funds hook fired %d times, want 1", len(f.rec.refusals))
	}
}

func TestFreeMinutesSession(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 200)
	f.grant("cust_1", "op_1", 5)

	res := f.start("cust_1", "op_1")
	wantMoney(t, "ConnectFeeCharged", res.ConnectFeeCharged, types.USD(99))
	wantMoney(t, "Balance", res.Balance, types.USD(101))
	if res.FreeMinutes != 5 {
		t.Errorf("FreeMinutes = %d, want 5", res.FreeMinutes)
	}
	if res.EstimatedMinutes != 5 {
		t.Errorf("EstimatedMinutes = %d, want 5", res.EstimatedMinutes)
	}
	if got := f.free("cust_1", "op_1"); got != 0 {
		t.Errorf("free minutes while reserved = %d, want 0", got)
	}

	f.move(res.SessionID, session.StateAnswered, epoch)
	end := f.move(res.SessionID, session.StateEnded, epoch.Add(3*time.Minute))

	wantMoney(t, "Charged", end.Charged, types.USD(0))
	wantMoney(t, "balance", f.balance("cust_1"), types.USD(101))
	if got := f.free("cust_1", "op_1"); got != 2 {
		t.Errorf("free minutes = %d, want 2", got)
	}
	if end.Session.FreeMinutesApplied != 3 {
		t.Errorf("FreeMinutesApplied = %d, want 3", end.Session.FreeMinutesApplied)
	}
}

func TestFreeMinutesOverrun(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 1000)
	f.grant("cust_1", "op_1", 2)

	res := f.start("cust_1", "op_1")
	f.move(res.SessionID, session.StateAnswered, epoch)
	end := f.move(res.SessionID, session.StateEnded, epoch.Add(3*time.Minute+10*time.Second))

	// 4 billable minutes, 2 free, fee already paid at start.
	wantMoney(t, "Charged", end.Charged, types.USD(798))
	wantMoney(t, "balance", f.balance("cust_1"), types.USD(1000-99-798))
	if got := f.free("cust_1", "op_1"); got != 0 {
		t.Errorf("free minutes = %d, want 0", got)
	}
}

func TestFailedSessionRestoresEverything(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 500)
	f.grant("cust_1", "op_1", 2)

	res := f.start("cust_1", "op_1")
	wantMoney(t, "balance after start", f.balance("cust_1"), types.USD(401))

	f.move(res.SessionID, session.StateRinging, epoch)
	failed, err := f.engine.FailSession(f.ctx, res.SessionID, "no-answer")
	if err != nil {
		t.Fatal(err)
	}
	wantMoney(t, "Refunded", failed.Refunded, types.USD(99))
	if failed.Session.FailureReason != "no-answer" {
		t.Errorf("FailureReason = %q", failed.Session.FailureReason)
	}

	wantMoney(t, "balance", f.balance("cust_1"), types.USD(500))
	if got := f.free("cust_1", "op_1"); got != 2 {
		t.Errorf("free minutes = %d, want 2", got)
	}

	list := f.entries(journal.ListOpts{SessionID: res.SessionID})
	if len(list) != 2 {
		t.Fatalf("got %d entries, want fee and its reversal", len(list))
	}
	if list[0].Status != journal.StatusReversed {
		t.Errorf("fee entry status = %s, want reversed", list[0].Status)
	}
	if list[1].Kind != journal.KindRefund || list[1].ReversesID.String() != list[0].ID.String() {
		t.Errorf("second entry = %s reversing %s, want refund of %s", list[1].Kind, list[1].ReversesID, list[0].ID)
	}
}

func TestEndedWithoutAnswerIsFree(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 1000)

	res := f.start("cust_1", "op_1")
	end := f.move(res.SessionID, session.StateEnded, epoch.Add(time.Minute))

	wantMoney(t, "Charged", end.Charged, types.Money{})
	wantMoney(t, "balance", f.balance("cust_1"), types.USD(1000))
	if n := len(f.entries(journal.ListOpts{CustomerID: "cust_1"})); n != 0 {
		t.Errorf("got %d entries, want none", n)
	}
}

func TestSettlementRefusedKeepsSessionAnswered(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 498)

	res := f.start("cust_1", "op_1")
	f.move(res.SessionID, session.StateAnswered, epoch)

	_, err := f.engine.Transition(f.ctx, res.SessionID, session.StateEnded, epoch.Add(3*time.Minute))
	var fe *tollgate.FundsError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FundsError", err)
	}
	wantMoney(t, "Required", fe.Required, types.USD(99+3*399))

	s, err := f.engine.Store().GetSession(f.ctx, res.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != session.StateAnswered {
		t.Errorf("State = %s, want answered", s.State)
	}
	wantMoney(t, "FundsHeld", s.FundsHeld, types.USD(498))
	wantMoney(t, "balance", f.balance("cust_1"), types.USD(0))

	if err := topUp(f, "cust_1", 2000); err != nil {
		t.Fatal(err)
	}
	end := f.move(res.SessionID, session.StateEnded, epoch.Add(3*time.Minute))
	wantMoney(t, "Charged", end.Charged, types.USD(99+3*399))
	wantMoney(t, "balance after settlement", f.balance("cust_1"), types.USD(498+2000-99-3*399))
}

func topUp(f *fixture, customerID string, cents int64) error {
	_, err := f.engine.TopUp(f.ctx, customerID, types.USD(cents))
	return err
}

// ──────────────────────────────────────────────────
// Events
// ──────────────────────────────────────────────────

func TestDuplicateEventsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 1000)

	res := f.start("cust_1", "op_1")
	f.move(res.SessionID, session.StateAnswered, epoch)
	again := f.move(res.SessionID, session.StateAnswered, epoch.Add(30*time.Second))
	if again.Applied {
		t.Error("duplicate answered was applied")
	}

	f.move(res.SessionID, session.StateEnded, epoch.Add(2*time.Minute))
	dup := f.move(res.SessionID, session.StateEnded, epoch.Add(10*time.Minute))
	if dup.Applied {
		t.Error("duplicate ended was applied")
	}
	late := f.move(res.SessionID, session.StateRinging, epoch.Add(11*time.Minute))
	if late.Applied {
		t.Error("late ringing was applied")
	}

	wantMoney(t, "balance", f.balance("cust_1"), types.USD(1000-99-2*399))
}

func TestRejectedTransitions(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 0, 0)
	f.customer("cust_1", 1000)

	res := f.start("cust_1", "op_1")
	f.move(res.SessionID, session.StateAnswered, epoch)

	_, err := f.engine.FailSession(f.ctx, res.SessionID, "dropped")
	if !errors.Is(err, tollgate.ErrInvalidTransition) {
		t.Errorf("answered -> failed: err = %v, want ErrInvalidTransition", err)
	}

	_, err = f.engine.Transition(f.ctx, id.NewSessionID(), session.StateAnswered, epoch)
	if !errors.Is(err, tollgate.ErrSessionNotFound) {
		t.Errorf("unknown session: err = %v, want ErrSessionNotFound", err)
	}
}

func TestHandleEventValidates(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.HandleEvent(f.ctx, bridgeEvent(id.Nil, session.StateAnswered))
	if !errors.Is(err, tollgate.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
	_, err = f.engine.HandleEvent(f.ctx, bridgeEvent(id.NewSessionID(), session.StateInitiated))
	if !errors.Is(err, tollgate.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

func TestQueryStatus(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 1000)
	f.customer("cust_2", 1000)

	res := f.start("cust_1", "op_1")
	f.move(res.SessionID, session.StateAnswered, epoch)
	f.clock.Set(epoch.Add(90 * time.Second))

	st, err := f.engine.QueryStatus(f.ctx, res.SessionID, "cust_1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != session.StateAnswered || !st.IsActive {
		t.Errorf("status = %s active=%v", st.Status, st.IsActive)
	}
	if st.DurationSeconds != 90 || st.PaidMinutes != 2 {
		t.Errorf("duration = %d paid = %d, want 90 and 2", st.DurationSeconds, st.PaidMinutes)
	}
	wantMoney(t, "EstimatedCharges", st.EstimatedCharges, types.USD(99+2*399))

	// Reads never move money; only the start hold is out of the balance.
	wantMoney(t, "FundsHeld", st.FundsHeld, types.USD(498))
	wantMoney(t, "balance", f.balance("cust_1"), types.USD(1000-498))

	if _, err := f.engine.QueryStatus(f.ctx, res.SessionID, "cust_2"); !errors.Is(err, tollgate.ErrSessionNotFound) {
		t.Errorf("foreign session: err = %v, want ErrSessionNotFound", err)
	}
}

func TestAffordability(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.operator("op_free", 0, 0, 0)
	f.customer("rich", 1000)
	f.customer("poor", 50)
	f.grant("poor", "op_1", 5)

	tests := []struct {
		name      string
		customer  string
		operator  string
		canAfford bool
		minimum   int64
		estimate  int64
		free      int64
	}{
		{"paid", "rich", "op_1", true, 498, 2, 0},
		{"free minutes but no fee", "poor", "op_1", false, 99, 0, 5},
		{"zero rate", "poor", "op_free", true, 0, -1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := f.engine.Affordability(f.ctx, tt.customer, tt.operator)
			if err != nil {
				t.Fatal(err)
			}
			if v.CanAfford != tt.canAfford {
				t.Errorf("CanAfford = %v, want %v", v.CanAfford, tt.canAfford)
			}
			wantMoney(t, "MinimumRequired", v.MinimumRequired, types.USD(tt.minimum))
			if v.EstimatedDuration != tt.estimate {
				t.Errorf("EstimatedDuration = %d, want %d", v.EstimatedDuration, tt.estimate)
			}
			if v.FreeMinutes != tt.free {
				t.Errorf("FreeMinutes = %d, want %d", v.FreeMinutes, tt.free)
			}
		})
	}
}

func TestStartRejectsUnavailableOperator(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 1000)

	if err := f.engine.SetOperatorActive(f.ctx, "op_1", false); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		operator string
	}{
		{"inactive", "op_1"},
		{"unknown", "op_missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.StartSession(f.ctx, tollgate.StartRequest{CustomerID: "cust_1", OperatorID: tt.operator})
			if !errors.Is(err, tollgate.ErrOperatorUnavailable) {
				t.Errorf("err = %v, want ErrOperatorUnavailable", err)
			}
		})
	}
}

func TestUpsertOperatorRejectsBadPricing(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		plan rate.Plan
	}{
		{"negative rate", rate.Plan{RatePerMinute: types.USD(-1)}},
		{"foreign currency", rate.Plan{RatePerMinute: types.EUR(100)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.engine.UpsertOperator(f.ctx, &rate.Operator{ID: "op_bad", Active: true, Plan: tt.plan})
			if !errors.Is(err, tollgate.ErrInvalidPricing) {
				t.Errorf("err = %v, want ErrInvalidPricing", err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Money movement
// ──────────────────────────────────────────────────

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 0, 100)
	f.customer("cust_1", 1000)

	const attempts = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		refused int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.ChargeMessage(f.ctx, "cust_1", "op_1", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, tollgate.ErrInsufficientFunds):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 10 || refused != attempts-10 {
		t.Errorf("ok = %d refused = %d, want 10 and %d", ok, refused, attempts-10)
	}
	wantMoney(t, "balance", f.balance("cust_1"), types.USD(0))
	if n := len(f.entries(journal.ListOpts{Kind: journal.KindMessage})); n != 10 {
		t.Errorf("got %d message entries, want 10", n)
	}
}

func TestConcurrentStartsReserveOnce(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 100, 0, 0)
	f.customer("cust_1", 10000)
	f.grant("cust_1", "op_1", 3)

	var wg sync.WaitGroup
	results := make(chan *tollgate.StartResult, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.StartSession(f.ctx, tollgate.StartRequest{CustomerID: "cust_1", OperatorID: "op_1"})
			if err != nil {
				t.Errorf("StartSession: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var total int64
	for res := range results {
		total += res.FreeMinutes
	}
	if total != 3 {
		t.Errorf("reserved %d free minutes across sessions, want 3", total)
	}
}

func TestConcurrentPaidStartsHoldFunds(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 500)

	const attempts = 3
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started []*tollgate.StartResult
		refused int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.StartSession(f.ctx, tollgate.StartRequest{CustomerID: "cust_1", OperatorID: "op_1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started = append(started, res)
			case errors.Is(err, tollgate.ErrInsufficientFunds):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(started) != 1 || refused != attempts-1 {
		t.Fatalf("started %d refused %d on $5.00, want 1 and %d", len(started), refused, attempts-1)
	}
	wantMoney(t, "balance while held", f.balance("cust_1"), types.USD(2))

	// A back-to-back start sees the hold too.
	if _, err := f.engine.StartSession(f.ctx, tollgate.StartRequest{CustomerID: "cust_1", OperatorID: "op_1"}); !errors.Is(err, tollgate.ErrInsufficientFunds) {
		t.Errorf("sequential start: err = %v, want ErrInsufficientFunds", err)
	}

	sid := started[0].SessionID
	f.move(sid, session.StateAnswered, epoch)
	end := f.move(sid, session.StateEnded, epoch.Add(time.Minute))
	if end.Session.State != session.StateEnded {
		t.Errorf("State = %s, want ended", end.Session.State)
	}
	wantMoney(t, "Charged", end.Charged, types.USD(498))
	wantMoney(t, "FundsHeld after settlement", end.Session.FundsHeld, types.USD(0))
	wantMoney(t, "balance", f.balance("cust_1"), types.USD(2))

	charged := types.USD(0)
	for _, e := range f.entries(journal.ListOpts{CustomerID: "cust_1"}) {
		charged = charged.Add(e.Total)
	}
	wantMoney(t, "journaled", charged, types.USD(498))
}

func TestFailSessionRacesManualFeeRefund(t *testing.T) {
	f := newFixture(t, tollgate.WithRetry(tollgate.RetryPolicy{MaxTries: 1}))
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 500)

	const rounds = 20
	for range rounds {
		f.grant("cust_1", "op_1", 2)
		res := f.start("cust_1", "op_1")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.engine.RefundEntry(f.ctx, res.Session.ConnectFeeEntryID); err != nil && !errors.Is(err, tollgate.ErrAlreadyReversed) {
				t.Errorf("RefundEntry: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := f.engine.FailSession(f.ctx, res.SessionID, "canceled"); err != nil {
				t.Errorf("FailSession: %v", err)
			}
		}()
		wg.Wait()
	}

	wantMoney(t, "balance", f.balance("cust_1"), types.USD(500))
	if got := f.free("cust_1", "op_1"); got != 2*rounds {
		t.Errorf("free minutes = %d, want %d", got, 2*rounds)
	}
	if n := len(f.entries(journal.ListOpts{Kind: journal.KindRefund})); n != rounds {
		t.Errorf("got %d refunds, want one per fee (%d)", n, rounds)
	}
}

func TestChargeMessage(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 25)
	f.operator("op_free", 399, 99, 0)
	f.customer("cust_1", 100)
	f.grant("cust_1", "op_1", 10)

	e, err := f.engine.ChargeMessage(f.ctx, "cust_1", "op_1", "example.com")
	if err != nil {
		t.Fatal(err)
	}
	wantMoney(t, "Total", e.Total, types.USD(25))
	wantMoney(t, "OperatorAmount", e.OperatorAmount, types.USD(20))
	wantMoney(t, "PlatformAmount", e.PlatformAmount, types.USD(5))
	if e.Domain != "example.com" {
		t.Errorf("Domain = %q", e.Domain)
	}
	wantMoney(t, "balance", f.balance("cust_1"), types.USD(75))
	if got := f.free("cust_1", "op_1"); got != 10 {
		t.Errorf("messages consumed free minutes: %d left", got)
	}

	e, err = f.engine.ChargeMessage(f.ctx, "cust_1", "op_free", "")
	if err != nil || e != nil {
		t.Errorf("zero-rate message = %v, %v; want nil, nil", e, err)
	}
}

func TestRefundEntry(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 0, 150)
	f.customer("cust_1", 1000)

	e, err := f.engine.ChargeMessage(f.ctx, "cust_1", "op_1", "")
	if err != nil {
		t.Fatal(err)
	}

	rev, err := f.engine.RefundEntry(f.ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantMoney(t, "reversal total", rev.Total, types.USD(-150))
	wantMoney(t, "reversal operator share", rev.OperatorAmount, types.USD(-120))
	wantMoney(t, "balance", f.balance("cust_1"), types.USD(1000))

	if _, err := f.engine.RefundEntry(f.ctx, e.ID); !errors.Is(err, tollgate.ErrAlreadyReversed) {
		t.Errorf("second refund: err = %v, want ErrAlreadyReversed", err)
	}
	if _, err := f.engine.RefundEntry(f.ctx, rev.ID); !errors.Is(err, tollgate.ErrAlreadyReversed) {
		t.Errorf("refund of refund: err = %v, want ErrAlreadyReversed", err)
	}
	wantMoney(t, "balance after retries", f.balance("cust_1"), types.USD(1000))

	got, err := f.engine.Journal().Get(f.ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != journal.StatusReversed {
		t.Errorf("Status = %s, want reversed", got.Status)
	}
}

func TestManualFeeRefundThenFailure(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 500)
	f.grant("cust_1", "op_1", 2)

	res := f.start("cust_1", "op_1")
	if _, err := f.engine.RefundEntry(f.ctx, res.Session.ConnectFeeEntryID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.FailSession(f.ctx, res.SessionID, "canceled"); err != nil {
		t.Fatal(err)
	}

	wantMoney(t, "balance", f.balance("cust_1"), types.USD(500))
}

func TestTopUpValidates(t *testing.T) {
	f := newFixture(t)
	f.customer("cust_1", 0)

	for _, amt := range []types.Money{types.USD(0), types.USD(-5), types.EUR(100)} {
		if _, err := f.engine.TopUp(f.ctx, "cust_1", amt); !errors.Is(err, tollgate.ErrInvalidAmount) {
			t.Errorf("TopUp(%s): err = %v, want ErrInvalidAmount", amt, err)
		}
	}
	if _, err := f.engine.TopUp(f.ctx, "cust_missing", types.USD(100)); !errors.Is(err, tollgate.ErrCustomerNotFound) {
		t.Errorf("unknown customer: err = %v, want ErrCustomerNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Incremental billing
// ──────────────────────────────────────────────────

func TestBillTick(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 2000)

	res := f.start("cust_1", "op_1")
	f.move(res.SessionID, session.StateAnswered, epoch)

	f.clock.Set(epoch.Add(61 * time.Second))
	charged, err := f.engine.BillTick(f.ctx, res.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	wantMoney(t, "first tick", charged, types.USD(99+2*399))

	charged, err = f.engine.BillTick(f.ctx, res.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	wantMoney(t, "repeat tick", charged, types.USD(0))

	end := f.move(res.SessionID, session.StateEnded, epoch.Add(150*time.Second))
	wantMoney(t, "settlement", end.Charged, types.USD(399))
	wantMoney(t, "balance", f.balance("cust_1"), types.USD(2000-99-3*399))

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	wantMoney(t, "settled hook", f.rec.settled[res.SessionID.String()], types.USD(99+3*399))
}

// endingStore ends every session on the first page it lists, the way
// hang-ups arriving during a billing pass would.
type endingStore struct {
	*memory.Store
	once sync.Once
	end  func(page []*session.Session)
}

func (s *endingStore) ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error) {
	list, err := s.Store.ListSessions(ctx, opts)
	if err == nil && len(list) > 0 && s.end != nil {
		s.once.Do(func() { s.end(list) })
	}
	return list, err
}

func TestBillingPassReachesEverySession(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: epoch}
	st := &endingStore{Store: memory.New(memory.WithLockTimeout(time.Second))}
	engine := tollgate.New(st,
		tollgate.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		tollgate.WithClock(clock.Now),
	)
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = engine.Stop() })
	engine.SetTickPageSize(2)

	if err := engine.UpsertOperator(ctx, &rate.Operator{ID: "op_1", Active: true, Plan: rate.Plan{RatePerMinute: types.USD(399)}}); err != nil {
		t.Fatal(err)
	}
	if err := engine.OpenAccount(ctx, &balance.Account{CustomerID: "cust_1", Balance: types.USD(10000)}); err != nil {
		t.Fatal(err)
	}

	var sessions []id.SessionID
	for range 5 {
		res, err := engine.StartSession(ctx, tollgate.StartRequest{CustomerID: "cust_1", OperatorID: "op_1"})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := engine.Transition(ctx, res.SessionID, session.StateAnswered, epoch); err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, res.SessionID)
	}

	ended := map[string]bool{}
	st.end = func(page []*session.Session) {
		for _, s := range page {
			if _, err := engine.Transition(ctx, s.ID, session.StateEnded, epoch.Add(30*time.Second)); err != nil {
				t.Errorf("ending %s: %v", s.ID, err)
			}
			ended[s.ID.String()] = true
		}
	}

	clock.Set(epoch.Add(61 * time.Second))
	engine.TickAnswered(ctx)

	if len(ended) != 2 {
		t.Fatalf("ended %d sessions mid-pass, want 2", len(ended))
	}
	for _, sid := range sessions {
		if ended[sid.String()] {
			continue
		}
		s, err := engine.Store().GetSession(ctx, sid)
		if err != nil {
			t.Fatal(err)
		}
		if s.PaidMinutesBilled != 2 {
			t.Errorf("session %s billed %d minutes, want 2", sid, s.PaidMinutesBilled)
		}
	}
}

func TestBillTickSkipsFreeMinutes(t *testing.T) {
	f := newFixture(t)
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 2000)
	f.grant("cust_1", "op_1", 5)

	res := f.start("cust_1", "op_1")
	f.move(res.SessionID, session.StateAnswered, epoch)

	f.clock.Set(epoch.Add(4 * time.Minute))
	charged, err := f.engine.BillTick(f.ctx, res.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	wantMoney(t, "tick inside free minutes", charged, types.USD(0))
}

// ──────────────────────────────────────────────────
// Bridging
// ──────────────────────────────────────────────────

func TestBridgeFailureFailsSession(t *testing.T) {
	provider := bridgeFunc(func(context.Context, id.SessionID, string, string) (string, error) {
		return "", errors.New("line busy")
	})
	f := newFixture(t, tollgate.WithBridge(provider))
	f.operator("op_1", 399, 99, 0)
	f.customer("cust_1", 500)
	f.grant("cust_1", "op_1", 3)

	_, err := f.engine.StartSession(f.ctx, tollgate.StartRequest{CustomerID: "cust_1", OperatorID: "op_1"})
	if !errors.Is(err, tollgate.ErrBridgeFailed) {
		t.Fatalf("err = %v, want ErrBridgeFailed", err)
	}

	sessions, err := f.engine.ListSessions(f.ctx, session.ListOpts{CustomerID: "cust_1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].State != session.StateFailed {
		t.Fatalf("sessions = %v, want one failed", sessions)
	}
	wantMoney(t, "balance", f.balance("cust_1"), types.USD(500))
	if got := f.free("cust_1", "op_1"); got != 3 {
		t.Errorf("free minutes = %d, want 3", got)
	}
}

func TestBridgeRefIsStored(t *testing.T) {
	provider := bridgeFunc(func(_ context.Context, sid id.SessionID, customer, operator string) (string, error) {
		if customer != "+15550001" || operator != "+15550002" {
			return "", errors.New("wrong contacts")
		}
		return "CA-" + sid.String(), nil
	})
	f := newFixture(t, tollgate.WithBridge(provider))
	if err := f.engine.UpsertOperator(f.ctx, &rate.Operator{
		ID: "op_1", Active: true, Contact: "+15550002",
		Plan: rate.Plan{RatePerMinute: types.USD(100)},
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.OpenAccount(f.ctx, &balance.Account{CustomerID: "cust_1", Balance: types.USD(500), Contact: "+15550001"}); err != nil {
		t.Fatal(err)
	}

	res := f.start("cust_1", "op_1")
	s, err := f.engine.Store().GetSession(f.ctx, res.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if s.ProviderRef != "CA-"+res.SessionID.String() {
		t.Errorf("ProviderRef = %q", s.ProviderRef)
	}
}

func bridgeFunc(fn func(ctx context.Context, sid id.SessionID, customer, operator string) (string, error)) bridge.ProviderFunc {
	return func(ctx context.Context, sid id.SessionID, customer, operator string) (bridge.Handle, error) {
		ref, err := fn(ctx, sid, customer, operator)
		if err != nil {
			return bridge.Handle{}, err
		}
		return bridge.Handle{Provider: "test", Ref: ref}, nil
	}
}

func bridgeEvent(sid id.SessionID, st session.State) bridge.Event {
	return bridge.Event{SessionID: sid, State: st, At: epoch}
}
