package tollgate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/xraph/tollgate/balance"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/rate"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/types"
)

// reserveAll asks the entitlement ledger for every minute the grant holds.
const reserveAll = math.MaxInt64

// ──────────────────────────────────────────────────
// Sessions
// ──────────────────────────────────────────────────

// StartSession checks affordability, creates the session and hands it to
// the bridging provider. When the customer has free minutes for the
// operator, all of them are reserved and the connect fee is charged now.
// Otherwise the first minute and the connect fee are held from the balance
// until the session is billed or released.
func (e *Engine) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := validateStart(req); err != nil {
		return nil, err
	}

	op, err := e.rates.Operator(ctx, req.OperatorID)
	if err != nil {
		return nil, err
	}
	plan := op.Plan

	free, err := e.entitlements.Available(ctx, req.CustomerID, req.OperatorID)
	if err != nil {
		return nil, err
	}
	acct, err := e.balances.Account(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}

	if required := plan.StartRequirement(free); acct.Balance.LessThan(required) {
		e.plugins.EmitInsufficientFunds(ctx, req.CustomerID, req.OperatorID, acct.Balance, required)
		return nil, NewFundsError(acct.Balance, required, free)
	}

	var (
		s       *session.Session
		after   types.Money
		entries []*journal.Entry
	)
	err = e.inTx(ctx, "start_session", func(ctx context.Context, tx store.Tx) error {
		entries = nil
		after = acct.Balance
		s = &session.Session{
			Entity:            types.NewEntityAt(e.clock()),
			ID:                id.NewSessionID(),
			CustomerID:        req.CustomerID,
			OperatorID:        req.OperatorID,
			Domain:            req.Domain,
			State:             session.StateInitiated,
			ConnectFeeCharged: types.Zero(e.currency),
			FundsHeld:         types.Zero(e.currency),
			RatePerMinute:     normalize(plan.RatePerMinute, e.currency),
			ConnectFee:        normalize(plan.ConnectFee, e.currency),
		}
		if err := tx.CreateSession(ctx, s); err != nil {
			return err
		}

		reserved, err := e.entitlements.Reserve(ctx, tx, req.CustomerID, req.OperatorID, reserveAll)
		if err != nil {
			return err
		}
		s.FreeMinutesReserved = reserved

		if reserved == 0 {
			// The hold is taken under the customer lock, so concurrent
			// starts cannot pass against the same funds.
			hold := normalize(plan.StartRequirement(0), e.currency)
			if !hold.IsPositive() {
				return nil
			}
			bal, err := e.balances.Debit(ctx, tx, req.CustomerID, hold)
			if err != nil {
				return fundsError(err, bal, hold, 0)
			}
			after = bal
			s.FundsHeld = hold
			return tx.UpdateSession(ctx, s)
		}

		s.IsFreeMinutesSession = true
		if s.ConnectFee.IsPositive() {
			bal, err := e.balances.Debit(ctx, tx, req.CustomerID, s.ConnectFee)
			if err != nil {
				return fundsError(err, bal, s.ConnectFee, reserved)
			}
			after = bal

			res := &TransitionResult{}
			if err := e.charge(ctx, tx, s, s.ConnectFee, types.Money{}, res); err != nil {
				return err
			}
			entries = res.Entries
		}
		return tx.UpdateSession(ctx, s)
	})
	if err != nil {
		var fe *FundsError
		if errors.As(err, &fe) {
			e.plugins.EmitInsufficientFunds(ctx, req.CustomerID, req.OperatorID, fe.Balance, fe.Required)
		}
		return nil, err
	}
	e.emitEntries(ctx, entries)

	e.logger.Info("session started",
		"session_id", s.ID.String(),
		"customer_id", s.CustomerID,
		"operator_id", s.OperatorID,
		"free_minutes", s.FreeMinutesReserved,
		"connect_fee_charged", s.ConnectFeeCharged.String(),
		"funds_held", s.FundsHeld.String(),
	)

	if e.bridge != nil {
		if err := e.bridgeSession(ctx, s, acct, op); err != nil {
			return nil, err
		}
	}
	e.plugins.EmitSessionStarted(ctx, s)

	return &StartResult{
		SessionID:         s.ID,
		State:             s.State,
		RatePerMinute:     s.RatePerMinute,
		ConnectFee:        s.ConnectFee,
		ConnectFeeCharged: s.ConnectFeeCharged,
		FundsHeld:         s.FundsHeld,
		FreeMinutes:       s.FreeMinutesReserved,
		EstimatedMinutes:  plan.EstimatedMinutes(after.Add(s.ConnectFeeCharged).Add(s.FundsHeld), s.FreeMinutesReserved),
		Balance:           after,
		Session:           s,
	}, nil
}

// bridgeSession connects the parties. A provider failure fails the session,
// which returns any minutes and fee it held.
func (e *Engine) bridgeSession(ctx context.Context, s *session.Session, acct *balance.Account, op *rate.Operator) error {
	h, err := e.bridge.Bridge(ctx, s.ID, acct.Contact, op.Contact)
	if err != nil {
		e.logger.Warn("bridging failed",
			"session_id", s.ID.String(),
			"error", err,
		)
		if _, ferr := e.FailSession(context.WithoutCancel(ctx), s.ID, "bridge: "+err.Error()); ferr != nil {
			return fmt.Errorf("%w: %w (and failing the session: %w)", ErrBridgeFailed, err, ferr)
		}
		return fmt.Errorf("%w: %w", ErrBridgeFailed, err)
	}
	if h.Ref == "" {
		return nil
	}

	s.ProviderRef = h.Ref
	return e.inTx(ctx, "bridge_ref", func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.LockSession(ctx, s.ID)
		if err != nil {
			return err
		}
		if cur.ProviderRef != "" {
			return nil
		}
		cur.ProviderRef = h.Ref
		return tx.UpdateSession(ctx, cur)
	})
}

// QueryStatus returns the live view of a session owned by customerID.
// A session owned by someone else is reported as not found.
func (e *Engine) QueryStatus(ctx context.Context, sessionID id.SessionID, customerID string) (*StatusView, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if s.CustomerID != customerID {
		return nil, ErrSessionNotFound
	}

	est := session.EstimateAt(s, e.clock())
	return &StatusView{
		SessionID:         s.ID,
		Status:            s.State,
		DurationSeconds:   est.DurationSeconds,
		FreeMinutesUsed:   est.FreeMinutesUsed,
		PaidMinutes:       est.BillableMinutes,
		EstimatedCharges:  est.Charge,
		ConnectFeeCharged: s.ConnectFeeCharged,
		FundsHeld:         s.FundsHeld,
		IsActive:          s.IsActive(),
	}, nil
}

// Affordability is the read-only pre-flight for StartSession.
func (e *Engine) Affordability(ctx context.Context, customerID, operatorID string) (*AffordabilityView, error) {
	if err := validateStart(StartRequest{CustomerID: customerID, OperatorID: operatorID}); err != nil {
		return nil, err
	}

	plan, err := e.rates.Resolve(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	free, err := e.entitlements.Available(ctx, customerID, operatorID)
	if err != nil {
		return nil, err
	}
	bal, err := e.balances.BalanceOf(ctx, customerID)
	if err != nil {
		return nil, err
	}

	required := plan.StartRequirement(free)
	return &AffordabilityView{
		Balance:           bal,
		FreeMinutes:       free,
		EstimatedDuration: plan.EstimatedMinutes(bal, free),
		CanAfford:         !bal.LessThan(required),
		MinimumRequired:   normalize(required, e.currency),
	}, nil
}

// BillTick charges an answered session for paid minutes elapsed so far and
// not yet billed. Settlement at the end charges only the remainder.
func (e *Engine) BillTick(ctx context.Context, sessionID id.SessionID) (types.Money, error) {
	now := e.clock()

	var (
		charged types.Money
		entries []*journal.Entry
		sess    *session.Session
	)
	err := e.inTx(ctx, "bill_tick", func(ctx context.Context, tx store.Tx) error {
		charged = types.Zero(e.currency)
		entries = nil

		s, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		sess = s

		minutes, fee := session.TickDue(s, now)
		minuteCharge := s.RatePerMinute.Multiply(minutes)
		total := minuteCharge.Add(fee)
		if !total.IsPositive() {
			return nil
		}

		if err := e.releaseHold(ctx, tx, s); err != nil {
			return err
		}
		if bal, err := e.balances.Debit(ctx, tx, s.CustomerID, total); err != nil {
			return fundsError(err, bal, total, s.FreeMinutesReserved)
		}
		res := &TransitionResult{}
		if err := e.charge(ctx, tx, s, fee, minuteCharge, res); err != nil {
			return err
		}
		s.PaidMinutesBilled += minutes
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}

		charged = total
		entries = res.Entries
		return nil
	})
	if err != nil {
		var fe *FundsError
		if errors.As(err, &fe) && sess != nil {
			e.plugins.EmitInsufficientFunds(ctx, sess.CustomerID, sess.OperatorID, fe.Balance, fe.Required)
		}
		return types.Money{}, err
	}
	e.emitEntries(ctx, entries)
	return charged, nil
}

// ListSessions returns sessions matching opts.
func (e *Engine) ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error) {
	return e.store.ListSessions(ctx, opts)
}

// ──────────────────────────────────────────────────
// Messages
// ──────────────────────────────────────────────────

// ChargeMessage bills one text message at the operator's message rate.
// Free minutes never apply. A zero rate charges nothing and returns nil.
func (e *Engine) ChargeMessage(ctx context.Context, customerID, operatorID, domain string) (*journal.Entry, error) {
	if err := validateStart(StartRequest{CustomerID: customerID, OperatorID: operatorID}); err != nil {
		return nil, err
	}

	plan, err := e.rates.Resolve(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	price := normalize(plan.RatePerMessage, e.currency)
	if !price.IsPositive() {
		return nil, nil //nolint:nilnil // nothing to charge
	}

	var entry *journal.Entry
	err = e.inTx(ctx, "charge_message", func(ctx context.Context, tx store.Tx) error {
		if bal, err := e.balances.Debit(ctx, tx, customerID, price); err != nil {
			return fundsError(err, bal, price, 0)
		}
		entry = &journal.Entry{
			CustomerID: customerID,
			OperatorID: operatorID,
			Domain:     domain,
			Kind:       journal.KindMessage,
			Total:      price,
		}
		_, err := e.journal.Record(ctx, tx, entry)
		return err
	})
	if err != nil {
		var fe *FundsError
		if errors.As(err, &fe) {
			e.plugins.EmitInsufficientFunds(ctx, customerID, operatorID, fe.Balance, fe.Required)
		}
		return nil, err
	}

	e.emitEntries(ctx, []*journal.Entry{entry})
	return entry, nil
}

// ──────────────────────────────────────────────────
// Accounts and operators
// ──────────────────────────────────────────────────

// OpenAccount creates a customer account.
func (e *Engine) OpenAccount(ctx context.Context, a *balance.Account) error {
	if strings.TrimSpace(a.CustomerID) == "" {
		return ValidationError{Field: "customer_id", Message: "required"}
	}
	a.Balance = normalize(a.Balance, e.currency)
	if a.Balance.IsNegative() || a.Balance.Currency != e.currency {
		return fmt.Errorf("%w: opening balance %s", ErrInvalidAmount, a.Balance)
	}
	a.Entity = types.NewEntityAt(e.clock())
	return e.store.CreateAccount(ctx, a)
}

// TopUp credits a customer's balance and returns the new balance.
func (e *Engine) TopUp(ctx context.Context, customerID string, amount types.Money) (types.Money, error) {
	var bal types.Money
	err := e.inTx(ctx, "top_up", func(ctx context.Context, tx store.Tx) error {
		var err error
		bal, err = e.balances.Credit(ctx, tx, customerID, amount)
		return err
	})
	if err != nil {
		return types.Money{}, err
	}

	e.logger.Info("balance topped up", "customer_id", customerID, "amount", amount.String())
	return bal, nil
}

// GrantFreeMinutes adds promotional minutes for a customer and operator.
func (e *Engine) GrantFreeMinutes(ctx context.Context, customerID, operatorID string, minutes int64) error {
	if minutes <= 0 {
		return ValidationError{Field: "minutes", Message: "must be positive"}
	}
	return e.store.GrantFreeMinutes(ctx, customerID, operatorID, minutes)
}

// RefundEntry reverses a charge entry and credits its total back to the
// customer in one transaction.
func (e *Engine) RefundEntry(ctx context.Context, entryID id.EntryID) (*journal.Entry, error) {
	var rev *journal.Entry
	err := e.inTx(ctx, "refund_entry", func(ctx context.Context, tx store.Tx) error {
		var err error
		rev, err = e.journal.Reverse(ctx, tx, entryID)
		if err != nil {
			return err
		}
		_, err = e.balances.Credit(ctx, tx, rev.CustomerID, rev.Total.Negate())
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("journal entry refunded",
		"entry_id", entryID.String(),
		"refund_id", rev.ID.String(),
		"amount", rev.Total.Negate().String(),
	)
	e.emitEntries(ctx, []*journal.Entry{rev})
	return rev, nil
}

// UpsertOperator creates or replaces an operator and its rate plan.
func (e *Engine) UpsertOperator(ctx context.Context, op *rate.Operator) error {
	if strings.TrimSpace(op.ID) == "" {
		return ValidationError{Field: "id", Message: "required"}
	}
	op.Plan = rate.Plan{
		RatePerMinute:  normalize(op.Plan.RatePerMinute, e.currency),
		ConnectFee:     normalize(op.Plan.ConnectFee, e.currency),
		RatePerMessage: normalize(op.Plan.RatePerMessage, e.currency),
	}
	if err := ValidatePlan(op.Plan, e.currency); err != nil {
		return err
	}

	op.Entity = types.NewEntityAt(e.clock())
	if err := e.store.UpsertOperator(ctx, op); err != nil {
		return err
	}
	e.rates.Invalidate(op.ID)
	return nil
}

// SetOperatorActive enables or disables new sessions with an operator.
func (e *Engine) SetOperatorActive(ctx context.Context, operatorID string, active bool) error {
	if err := e.store.SetOperatorActive(ctx, operatorID, active); err != nil {
		return err
	}
	e.rates.Invalidate(operatorID)
	return nil
}

func validateStart(req StartRequest) error {
	var errs MultiError
	if strings.TrimSpace(req.CustomerID) == "" {
		errs.Add(ValidationError{Field: "customer_id", Message: "required"})
	}
	if strings.TrimSpace(req.OperatorID) == "" {
		errs.Add(ValidationError{Field: "operator_id", Message: "required"})
	}
	return errs.ErrorOrNil()
}

// normalize gives an untyped zero amount the ledger currency.
func normalize(m types.Money, currency string) types.Money {
	if m.Currency == "" {
		m.Currency = currency
	}
	return m
}
