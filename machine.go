package tollgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/tollgate/bridge"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/types"
)

// HandleEvent applies a provider lifecycle event. Duplicate, stale and
// late events are acknowledged without effect (Applied is false).
func (e *Engine) HandleEvent(ctx context.Context, ev bridge.Event) (*TransitionResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return e.transition(ctx, ev.SessionID, ev.State, ev.At, ev.Reason, ev.ProviderRef)
}

// Transition moves a session to state as of at. A zero at means now.
func (e *Engine) Transition(ctx context.Context, sessionID id.SessionID, to session.State, at time.Time) (*TransitionResult, error) {
	return e.transition(ctx, sessionID, to, at, "", "")
}

// FailSession moves a session that never connected to failed and returns
// everything it held.
func (e *Engine) FailSession(ctx context.Context, sessionID id.SessionID, reason string) (*TransitionResult, error) {
	return e.transition(ctx, sessionID, session.StateFailed, time.Time{}, reason, "")
}

func (e *Engine) transition(ctx context.Context, sessionID id.SessionID, to session.State, at time.Time, reason, providerRef string) (*TransitionResult, error) {
	if at.IsZero() {
		at = e.clock()
	}
	at = at.UTC()

	var res *TransitionResult
	err := e.inTx(ctx, "transition", func(ctx context.Context, tx store.Tx) error {
		res = &TransitionResult{}

		s, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		res.From = s.State
		res.Session = s

		switch session.Decide(s.State, to) {
		case session.Ignore:
			return nil
		case session.Reject:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
		}

		switch to {
		case session.StateRinging:
		case session.StateAnswered:
			s.AnsweredAt = &at
		case session.StateEnded:
			if err := e.settle(ctx, tx, s, at, res); err != nil {
				return err
			}
		case session.StateFailed:
			if err := e.release(ctx, tx, s, res); err != nil {
				return err
			}
			s.EndedAt = &at
			s.FailureReason = reason
		}

		s.State = to
		if providerRef != "" && s.ProviderRef == "" {
			s.ProviderRef = providerRef
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		res.Applied = true
		return nil
	})
	if err != nil {
		var fe *FundsError
		if errors.As(err, &fe) && res != nil && res.Session != nil {
			e.plugins.EmitInsufficientFunds(ctx, res.Session.CustomerID, res.Session.OperatorID, fe.Balance, fe.Required)
		}
		return nil, err
	}

	if !res.Applied {
		e.logger.Debug("session event ignored",
			"session_id", sessionID.String(),
			"state", res.From,
			"event", to,
		)
		return res, nil
	}

	e.logger.Info("session transitioned",
		"session_id", sessionID.String(),
		"from", res.From,
		"to", to,
		"charged", res.Charged.String(),
	)
	e.emitEntries(ctx, res.Entries)
	e.plugins.EmitSessionTransitioned(ctx, res.Session, res.From)
	if to.IsTerminal() {
		e.plugins.EmitSessionSettled(ctx, res.Session, e.sessionCharges(res.Session))
	}
	return res, nil
}

// settle finalises an ended session: free minutes are applied, unused ones
// returned, and one debit covers the rest.
func (e *Engine) settle(ctx context.Context, tx store.Tx, s *session.Session, at time.Time, res *TransitionResult) error {
	s.EndedAt = &at
	if s.AnsweredAt == nil {
		return e.release(ctx, tx, s, res)
	}

	st := session.Settle(s, at)
	if err := e.entitlements.Refund(ctx, tx, s.CustomerID, s.OperatorID, st.FreeMinutesRefund); err != nil {
		return err
	}
	if err := e.releaseHold(ctx, tx, s); err != nil {
		return err
	}

	if total := st.Total(); total.IsPositive() {
		if bal, err := e.balances.Debit(ctx, tx, s.CustomerID, total); err != nil {
			return fundsError(err, bal, total, s.FreeMinutesReserved)
		}
		if err := e.charge(ctx, tx, s, st.ConnectFeeDue, st.MinuteCharge, res); err != nil {
			return err
		}
		res.Charged = total
	}

	s.DurationSeconds = st.DurationSeconds
	s.FreeMinutesApplied = st.FreeMinutesApplied
	s.PaidMinutesBilled += st.PaidMinutesDue
	return nil
}

// charge journals a debit already taken from the balance as a connect fee
// entry and/or a per-minute entry.
func (e *Engine) charge(ctx context.Context, tx store.Tx, s *session.Session, fee, minutes types.Money, res *TransitionResult) error {
	if fee.IsPositive() {
		entry := e.sessionEntry(s, journal.KindConnectFee, fee)
		entryID, err := e.journal.Record(ctx, tx, entry)
		if err != nil {
			return err
		}
		s.ConnectFeeCharged = fee
		s.ConnectFeeEntryID = entryID
		res.Entries = append(res.Entries, entry)
	}
	if minutes.IsPositive() {
		entry := e.sessionEntry(s, journal.KindPerMinute, minutes)
		if _, err := e.journal.Record(ctx, tx, entry); err != nil {
			return err
		}
		res.Entries = append(res.Entries, entry)
	}
	return nil
}

// release undoes everything a session holds without having been answered:
// the connect fee entry is reversed and the fee credited, reserved minutes
// go back to the grant and held funds to the balance. The entry is locked
// before the customer, as RefundEntry does.
func (e *Engine) release(ctx context.Context, tx store.Tx, s *session.Session, res *TransitionResult) error {
	credit := s.FeeCharged()
	if credit && !s.ConnectFeeEntryID.IsNil() {
		rev, err := e.journal.Reverse(ctx, tx, s.ConnectFeeEntryID)
		switch {
		case errors.Is(err, ErrAlreadyReversed):
			// Refunded by hand already; the credit happened then.
			credit = false
		case err != nil:
			return err
		default:
			res.Entries = append(res.Entries, rev)
		}
	}

	if err := e.entitlements.Refund(ctx, tx, s.CustomerID, s.OperatorID, s.FreeMinutesReserved); err != nil {
		return err
	}

	if credit {
		fee := s.ConnectFeeCharged
		if _, err := e.balances.Credit(ctx, tx, s.CustomerID, fee); err != nil {
			return err
		}
		res.Refunded = fee
	}
	if s.FeeCharged() {
		s.ConnectFeeCharged = types.Zero(s.ConnectFeeCharged.Currency)
	}
	if err := e.releaseHold(ctx, tx, s); err != nil {
		return err
	}

	s.DurationSeconds = 0
	s.FreeMinutesApplied = 0
	return nil
}

// releaseHold credits back the funds held since a paid session started.
// Billing then debits what the session actually owes.
func (e *Engine) releaseHold(ctx context.Context, tx store.Tx, s *session.Session) error {
	if !s.HoldsFunds() {
		return nil
	}
	if _, err := e.balances.Credit(ctx, tx, s.CustomerID, s.FundsHeld); err != nil {
		return err
	}
	s.FundsHeld = types.Zero(s.FundsHeld.Currency)
	return nil
}

func (e *Engine) sessionEntry(s *session.Session, kind journal.Kind, total types.Money) *journal.Entry {
	return &journal.Entry{
		CustomerID: s.CustomerID,
		OperatorID: s.OperatorID,
		Domain:     s.Domain,
		Kind:       kind,
		Total:      total,
		SessionID:  s.ID,
	}
}

// fundsError turns a refused debit into a FundsError carrying the balance
// the store reported. Other errors pass through.
func fundsError(err error, balance, required types.Money, freeMinutes int64) error {
	if !errors.Is(err, ErrInsufficientFunds) {
		return err
	}
	var fe *FundsError
	if errors.As(err, &fe) {
		return fe
	}
	return NewFundsError(balance, required, freeMinutes)
}

// sessionCharges is everything a finished session cost the customer.
func (e *Engine) sessionCharges(s *session.Session) types.Money {
	return s.RatePerMinute.Multiply(s.PaidMinutesBilled).Add(s.ConnectFeeCharged)
}

func (e *Engine) emitEntries(ctx context.Context, entries []*journal.Entry) {
	for _, entry := range entries {
		e.plugins.EmitEntryRecorded(ctx, entry)
	}
}
