package session

import (
	"time"

	"github.com/xraph/tollgate/types"
)

// CeilMinutes rounds a duration in seconds up to whole minutes.
func CeilMinutes(seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 59) / 60
}

// Estimate is a read-only view of what a session has cost so far.
type Estimate struct {
	DurationSeconds int64       `json:"duration_seconds"`
	ElapsedMinutes  int64       `json:"elapsed_minutes"`
	FreeMinutesUsed int64       `json:"free_minutes_used"`
	BillableMinutes int64       `json:"billable_minutes"`
	Charge          types.Money `json:"estimated_charge"`
}

// EstimateAt derives the live cost of s at now. It never touches the ledger
// and may race with settlement, so the figures are advisory.
func EstimateAt(s *Session, now time.Time) Estimate {
	var est Estimate

	live := s.State == StateAnswered && s.AnsweredAt != nil
	if live {
		est.DurationSeconds = max(0, int64(now.Sub(*s.AnsweredAt)/time.Second))
	} else {
		est.DurationSeconds = s.DurationSeconds
	}
	est.ElapsedMinutes = CeilMinutes(est.DurationSeconds)

	switch {
	case live:
		est.FreeMinutesUsed = min(s.FreeMinutesReserved, est.ElapsedMinutes)
	case s.State.IsTerminal():
		est.FreeMinutesUsed = s.FreeMinutesApplied
	}
	est.BillableMinutes = max(0, est.ElapsedMinutes-est.FreeMinutesUsed)

	fee := s.ConnectFeeCharged
	if live && !s.IsFreeMinutesSession && !s.FeeCharged() {
		fee = s.ConnectFee
	}
	est.Charge = s.RatePerMinute.Multiply(est.BillableMinutes).Add(fee)
	return est
}

// Settlement is the ledger work owed when a session finishes.
type Settlement struct {
	DurationSeconds    int64
	BillableMinutes    int64
	FreeMinutesApplied int64
	FreeMinutesRefund  int64
	PaidMinutes        int64
	PaidMinutesDue     int64
	MinuteCharge       types.Money
	ConnectFeeDue      types.Money
	RefundConnectFee   bool
}

// Total is the amount to debit at settlement.
func (st Settlement) Total() types.Money {
	return st.MinuteCharge.Add(st.ConnectFeeDue)
}

// Settle computes the settlement for s finishing at endedAt. A session that
// was never answered is owed nothing: reserved minutes and any connect fee
// go back to the customer.
func Settle(s *Session, endedAt time.Time) Settlement {
	st := Settlement{
		MinuteCharge:  types.Zero(s.RatePerMinute.Currency),
		ConnectFeeDue: types.Zero(s.ConnectFee.Currency),
	}

	if s.AnsweredAt == nil {
		st.FreeMinutesRefund = s.FreeMinutesReserved
		st.RefundConnectFee = s.FeeCharged()
		return st
	}

	st.DurationSeconds = max(0, int64(endedAt.Sub(*s.AnsweredAt)/time.Second))
	st.BillableMinutes = CeilMinutes(st.DurationSeconds)
	st.FreeMinutesApplied = min(s.FreeMinutesReserved, st.BillableMinutes)
	st.FreeMinutesRefund = s.FreeMinutesReserved - st.FreeMinutesApplied
	st.PaidMinutes = st.BillableMinutes - st.FreeMinutesApplied
	st.PaidMinutesDue = max(0, st.PaidMinutes-s.PaidMinutesBilled)
	st.MinuteCharge = s.RatePerMinute.Multiply(st.PaidMinutesDue)
	if !s.FeeCharged() && !s.IsFreeMinutesSession {
		st.ConnectFeeDue = s.ConnectFee
	}
	return st
}

// TickDue returns the paid minutes and connect fee an answered session owes
// at now beyond what earlier ticks have already billed.
func TickDue(s *Session, now time.Time) (minutes int64, fee types.Money) {
	fee = types.Zero(s.ConnectFee.Currency)
	if s.State != StateAnswered || s.AnsweredAt == nil {
		return 0, fee
	}
	elapsed := CeilMinutes(max(0, int64(now.Sub(*s.AnsweredAt)/time.Second)))
	paid := max(0, elapsed-s.FreeMinutesReserved)
	minutes = max(0, paid-s.PaidMinutesBilled)
	if minutes > 0 && !s.FeeCharged() && !s.IsFreeMinutesSession {
		fee = s.ConnectFee
	}
	return minutes, fee
}
