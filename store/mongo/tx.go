package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/types"
)

// tx runs every operation on the session context handed to RunInTx.
// Under snapshot isolation the first writer of a document wins and later
// writers fail with a write conflict, so the reads here that feed a
// decision are paired with a write to the same document.
type tx struct {
	s *Store
}

func returnAfter() *options.FindOneAndUpdateOptionsBuilder {
	return options.FindOneAndUpdate().SetReturnDocument(options.After)
}

// ==================== Sessions ====================

// LockSession bumps the session's version so that a concurrent writer
// conflicts with this transaction from here on.
func (t *tx) LockSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	var m sessionModel
	err := t.s.col(colSessions).FindOneAndUpdate(ctx,
		bson.M{"_id": sessionID.String()},
		bson.M{"$inc": bson.M{"version": 1}},
		returnAfter(),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tollgate.ErrSessionNotFound
		}
		return nil, mapError(err)
	}
	return fromSessionModel(&m)
}

func (t *tx) CreateSession(ctx context.Context, s *session.Session) error {
	if _, err := t.s.col(colSessions).InsertOne(ctx, toSessionModel(s)); err != nil {
		return mapError(err)
	}
	return nil
}

func (t *tx) UpdateSession(ctx context.Context, s *session.Session) error {
	m := toSessionModel(s)
	m.UpdatedAt = time.Now().UTC()
	res, err := t.s.col(colSessions).UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{
			"$set": bson.M{
				"customer_id":             m.CustomerID,
				"operator_id":             m.OperatorID,
				"domain":                  m.Domain,
				"state":                   m.State,
				"answered_at":             m.AnsweredAt,
				"ended_at":                m.EndedAt,
				"duration_seconds":        m.DurationSeconds,
				"free_minutes_reserved":   m.FreeMinutesReserved,
				"free_minutes_applied":    m.FreeMinutesApplied,
				"paid_minutes_billed":     m.PaidMinutesBilled,
				"currency":                m.Currency,
				"rate_per_minute":         m.RatePerMinute,
				"connect_fee":             m.ConnectFee,
				"connect_fee_charged":     m.ConnectFeeCharged,
				"connect_fee_entry_id":    m.ConnectFeeEntryID,
				"is_free_minutes_session": m.IsFreeMinutesSession,
				"provider_ref":            m.ProviderRef,
				"failure_reason":          m.FailureReason,
				"funds_held":              m.FundsHeld,
				"updated_at":              m.UpdatedAt,
			},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return mapError(err)
	}
	if res.MatchedCount == 0 {
		return tollgate.ErrSessionNotFound
	}
	return nil
}

// ==================== Balances ====================

// Debit subtracts only when the filter sees enough balance. A refused
// debit reads the account to tell a shortfall from a missing customer.
func (t *tx) Debit(ctx context.Context, customerID string, amount types.Money) (types.Money, error) {
	var m accountModel
	err := t.s.col(colAccounts).FindOneAndUpdate(ctx,
		bson.M{"_id": customerID, "currency": amount.Currency, "balance": bson.M{"$gte": amount.Amount}},
		bson.M{
			"$inc": bson.M{"balance": -amount.Amount},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
		returnAfter(),
	).Decode(&m)
	if err == nil {
		return types.New(m.Balance, m.Currency), nil
	}
	if !isNoDocuments(err) {
		return types.Money{}, mapError(err)
	}

	a, err := getAccount(ctx, t.s.col(colAccounts), customerID)
	if err != nil {
		return types.Money{}, err
	}
	if a.Balance.Currency != amount.Currency {
		return a.Balance, fmt.Errorf("%w: %s debit on %s account", tollgate.ErrInvalidAmount, amount.Currency, a.Balance.Currency)
	}
	return a.Balance, tollgate.ErrInsufficientFunds
}

func (t *tx) Credit(ctx context.Context, customerID string, amount types.Money) (types.Money, error) {
	var m accountModel
	err := t.s.col(colAccounts).FindOneAndUpdate(ctx,
		bson.M{"_id": customerID, "currency": amount.Currency},
		bson.M{
			"$inc": bson.M{"balance": amount.Amount},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
		returnAfter(),
	).Decode(&m)
	if err == nil {
		return types.New(m.Balance, m.Currency), nil
	}
	if !isNoDocuments(err) {
		return types.Money{}, mapError(err)
	}

	a, err := getAccount(ctx, t.s.col(colAccounts), customerID)
	if err != nil {
		return types.Money{}, err
	}
	return a.Balance, fmt.Errorf("%w: %s credit on %s account", tollgate.ErrInvalidAmount, amount.Currency, a.Balance.Currency)
}

// ==================== Grants ====================

func (t *tx) ReserveMinutes(ctx context.Context, customerID, operatorID string, minutes int64) (int64, error) {
	key := grantKey(customerID, operatorID)

	var m grantModel
	if err := t.s.col(colGrants).FindOne(ctx, bson.M{"_id": key}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return 0, nil
		}
		return 0, mapError(err)
	}

	taken := min(m.Remaining, max(minutes, 0))
	if taken == 0 {
		return 0, nil
	}
	res, err := t.s.col(colGrants).UpdateOne(ctx,
		bson.M{"_id": key, "remaining": bson.M{"$gte": taken}},
		bson.M{
			"$inc": bson.M{"remaining": -taken},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return 0, mapError(err)
	}
	if res.MatchedCount == 0 {
		// The grant shrank after it was read.
		return 0, tollgate.ErrConcurrencyConflict
	}
	return taken, nil
}

func (t *tx) RefundMinutes(ctx context.Context, customerID, operatorID string, minutes int64) (int64, error) {
	var m grantModel
	err := t.s.col(colGrants).FindOneAndUpdate(ctx,
		bson.M{"_id": grantKey(customerID, operatorID)},
		bson.M{
			"$inc": bson.M{"remaining": minutes},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
		returnAfter(),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return 0, fmt.Errorf("%w: no grant for %s/%s", tollgate.ErrNotFound, customerID, operatorID)
		}
		return 0, mapError(err)
	}
	return m.Remaining, nil
}

// ==================== Journal ====================

// AppendEntry inserts e. A reversal first flags the original entry, so a
// duplicate is refused without a server error that would abort the
// transaction.
func (t *tx) AppendEntry(ctx context.Context, e *journal.Entry) error {
	if !e.ReversesID.IsNil() {
		orig := e.ReversesID.String()
		res, err := t.s.col(colEntries).UpdateOne(ctx,
			bson.M{"_id": orig, "reversed": false},
			bson.M{"$set": bson.M{"reversed": true}},
		)
		if err != nil {
			return mapError(err)
		}
		if res.MatchedCount == 0 {
			n, err := t.s.col(colEntries).CountDocuments(ctx, bson.M{"_id": orig})
			if err != nil {
				return mapError(err)
			}
			if n > 0 {
				return tollgate.ErrAlreadyReversed
			}
		}
	}

	if _, err := t.s.col(colEntries).InsertOne(ctx, toEntryModel(e)); err != nil {
		return mapError(err)
	}
	return nil
}

func (t *tx) GetEntry(ctx context.Context, entryID id.EntryID) (*journal.Entry, error) {
	return getEntry(ctx, t.s.col(colEntries), entryID)
}
