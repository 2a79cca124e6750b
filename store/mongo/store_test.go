package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/session"
	tollgatestore "github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/store/storetest"
	"github.com/xraph/tollgate/types"
)

func TestErrorMapping(t *testing.T) {
	dupReversal := mongo.WriteException{WriteErrors: mongo.WriteErrors{{
		Code:    codeDuplicateKey,
		Message: "E11000 duplicate key error collection: tollgate.tollgate_entries index: " + reversesIndex,
	}}}
	dupAccount := mongo.WriteException{WriteErrors: mongo.WriteErrors{{
		Code:    codeDuplicateKey,
		Message: "E11000 duplicate key error collection: tollgate.tollgate_accounts index: _id_",
	}}}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"transient label", mongo.CommandError{Code: 251, Labels: []string{"TransientTransactionError"}}, tollgate.ErrConcurrencyConflict},
		{"write conflict", mongo.CommandError{Code: codeWriteConflict, Name: "WriteConflict"}, tollgate.ErrConcurrencyConflict},
		{"lock timeout", mongo.CommandError{Code: codeLockTimeout, Name: "LockTimeout"}, tollgate.ErrConcurrencyConflict},
		{"duplicate reversal", dupReversal, tollgate.ErrAlreadyReversed},
		{"duplicate key", dupAccount, tollgate.ErrAlreadyExists},
		{"wrapped", fmt.Errorf("insert: %w", dupAccount), tollgate.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("mapError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	if mapError(nil) != nil {
		t.Error("mapError(nil) != nil")
	}
	other := errors.New("boom")
	if got := mapError(other); got != other {
		t.Errorf("mapError passed through %v as %v", other, got)
	}
}

func TestSessionModel(t *testing.T) {
	answered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))
	s := &session.Session{
		Entity:               types.NewEntityAt(answered.Add(-time.Minute)),
		ID:                   id.NewSessionID(),
		CustomerID:           "cust_1",
		OperatorID:           "op_1",
		State:                session.StateAnswered,
		AnsweredAt:           &answered,
		FreeMinutesReserved:  3,
		RatePerMinute:        types.USD(399),
		ConnectFee:           types.USD(99),
		ConnectFeeCharged:    types.USD(99),
		ConnectFeeEntryID:    id.NewEntryID(),
		IsFreeMinutesSession: true,
	}

	m := toSessionModel(s)
	if m.Currency != "USD" || m.ConnectFeeEntryID != s.ConnectFeeEntryID.String() {
		t.Fatalf("model = %+v", m)
	}
	if m.AnsweredAt.Location() != time.UTC {
		t.Errorf("answered_at stored in %s, want UTC", m.AnsweredAt.Location())
	}

	got, err := fromSessionModel(m)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID.String() != s.ID.String() || !got.AnsweredAt.Equal(answered) || !got.ConnectFeeCharged.Equal(s.ConnectFeeCharged) {
		t.Errorf("session = %+v", got)
	}
	if got.EndedAt != nil {
		t.Errorf("EndedAt = %v, want nil", got.EndedAt)
	}

	m.ConnectFeeEntryID = ""
	got, err = fromSessionModel(m)
	if err != nil {
		t.Fatal(err)
	}
	if !got.ConnectFeeEntryID.IsNil() {
		t.Errorf("ConnectFeeEntryID = %s, want nil", got.ConnectFeeEntryID)
	}
}

func TestEntryModelStatus(t *testing.T) {
	e := &journal.Entry{
		ID:             id.NewEntryID(),
		CustomerID:     "cust_1",
		OperatorID:     "op_1",
		Kind:           journal.KindMessage,
		Total:          types.USD(25),
		OperatorAmount: types.USD(20),
		PlatformAmount: types.USD(5),
	}

	m := toEntryModel(e)
	if m.SessionID != "" || m.ReversesID != "" {
		t.Errorf("optional ids stored as %q, %q", m.SessionID, m.ReversesID)
	}
	got, err := fromEntryModel(m)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != journal.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}

	m.Reversed = true
	got, err = fromEntryModel(m)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != journal.StatusReversed {
		t.Errorf("Status = %s, want reversed", got.Status)
	}
}

func TestGrantKeyIsUnambiguous(t *testing.T) {
	if grantKey("a_b", "c") == grantKey("a", "b_c") {
		t.Error("grant keys collide")
	}
}

// TestConformance runs the shared suite against a replica set named by
// TOLLGATE_MONGO_URI.
func TestConformance(t *testing.T) {
	uri := os.Getenv("TOLLGATE_MONGO_URI")
	if uri == "" {
		t.Skip("TOLLGATE_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T) tollgatestore.Store {
		ctx := context.Background()
		s, err := Open(ctx, uri, "tollgate_test")
		if err != nil {
			t.Fatal(err)
		}
		if err := s.DB().Drop(ctx); err != nil {
			t.Fatal(err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatal(err)
		}
		return s
	})
}
