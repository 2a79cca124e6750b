package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/xraph/tollgate/balance"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/rate"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/types"
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// ==================== Operator models ====================

const operatorColumns = `id, display_name, contact, active, currency,
	rate_per_minute, connect_fee, rate_per_message, metadata, created_at, updated_at`

func scanOperator(r scanner) (*rate.Operator, error) {
	var (
		op                         rate.Operator
		currency                   string
		perMinute, fee, perMessage int64
		metadata                   []byte
	)
	err := r.Scan(&op.ID, &op.DisplayName, &op.Contact, &op.Active, &currency,
		&perMinute, &fee, &perMessage, &metadata, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	op.Plan = rate.Plan{
		RatePerMinute:  types.New(perMinute, currency),
		ConnectFee:     types.New(fee, currency),
		RatePerMessage: types.New(perMessage, currency),
	}
	if err := decodeMetadata(metadata, &op.Metadata); err != nil {
		return nil, err
	}
	return &op, nil
}

// ==================== Account models ====================

const accountColumns = `customer_id, balance, currency, contact, metadata, created_at, updated_at`

func scanAccount(r scanner) (*balance.Account, error) {
	var (
		a        balance.Account
		amount   int64
		currency string
		metadata []byte
	)
	if err := r.Scan(&a.CustomerID, &amount, &currency, &a.Contact, &metadata, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Balance = types.New(amount, currency)
	if err := decodeMetadata(metadata, &a.Metadata); err != nil {
		return nil, err
	}
	return &a, nil
}

// ==================== Grant models ====================

const grantColumns = `customer_id, operator_id, remaining, granted, updated_at`

func scanGrant(r scanner) (*entitlement.Grant, error) {
	var g entitlement.Grant
	if err := r.Scan(&g.CustomerID, &g.OperatorID, &g.Remaining, &g.Granted, &g.UpdatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// ==================== Session models ====================

const sessionColumns = `id, customer_id, operator_id, domain, state, answered_at, ended_at,
	duration_seconds, free_minutes_reserved, free_minutes_applied, paid_minutes_billed,
	currency, rate_per_minute, connect_fee, connect_fee_charged, connect_fee_entry_id,
	is_free_minutes_session, provider_ref, failure_reason, funds_held, created_at, updated_at`

func scanSession(r scanner) (*session.Session, error) {
	var (
		s                             session.Session
		state, currency               string
		answeredAt, endedAt           sql.NullTime
		perMinute, fee, charged, held int64
	)
	err := r.Scan(&s.ID, &s.CustomerID, &s.OperatorID, &s.Domain, &state, &answeredAt, &endedAt,
		&s.DurationSeconds, &s.FreeMinutesReserved, &s.FreeMinutesApplied, &s.PaidMinutesBilled,
		&currency, &perMinute, &fee, &charged, &s.ConnectFeeEntryID,
		&s.IsFreeMinutesSession, &s.ProviderRef, &s.FailureReason, &held, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.State = session.State(state)
	s.AnsweredAt = timePtr(answeredAt)
	s.EndedAt = timePtr(endedAt)
	s.RatePerMinute = types.New(perMinute, currency)
	s.ConnectFee = types.New(fee, currency)
	s.ConnectFeeCharged = types.New(charged, currency)
	s.FundsHeld = types.New(held, currency)
	return &s, nil
}

// sessionArgs lists the mutable columns in the order of sessionColumns,
// starting with id.
func sessionArgs(s *session.Session) []any {
	return []any{
		s.ID, s.CustomerID, s.OperatorID, s.Domain, string(s.State),
		nullTime(s.AnsweredAt), nullTime(s.EndedAt),
		s.DurationSeconds, s.FreeMinutesReserved, s.FreeMinutesApplied, s.PaidMinutesBilled,
		sessionCurrency(s), s.RatePerMinute.Amount, s.ConnectFee.Amount, s.ConnectFeeCharged.Amount,
		s.ConnectFeeEntryID, s.IsFreeMinutesSession, s.ProviderRef, s.FailureReason,
		s.FundsHeld.Amount,
	}
}

func sessionCurrency(s *session.Session) string {
	for _, m := range []types.Money{s.RatePerMinute, s.ConnectFee, s.ConnectFeeCharged, s.FundsHeld} {
		if m.Currency != "" {
			return m.Currency
		}
	}
	return ""
}

// ==================== Entry models ====================

// entryColumns selects from tollgate_entries aliased as e, deriving status.
const entryColumns = `e.id, e.customer_id, e.operator_id, e.domain, e.kind, e.currency,
	e.total, e.operator_amount, e.platform_amount, e.session_id, e.reverses_id,
	e.description, e.created_at,
	EXISTS (SELECT 1 FROM tollgate_entries r WHERE r.reverses_id = e.id) AS reversed`

func scanEntry(r scanner) (*journal.Entry, error) {
	var (
		e                         journal.Entry
		kind, currency            string
		total, operator, platform int64
		reversed                  bool
	)
	err := r.Scan(&e.ID, &e.CustomerID, &e.OperatorID, &e.Domain, &kind, &currency,
		&total, &operator, &platform, &e.SessionID, &e.ReversesID,
		&e.Description, &e.CreatedAt, &reversed)
	if err != nil {
		return nil, err
	}
	e.Kind = journal.Kind(kind)
	e.Total = types.New(total, currency)
	e.OperatorAmount = types.New(operator, currency)
	e.PlatformAmount = types.New(platform, currency)
	e.CreatedAt = e.CreatedAt.UTC()
	e.Status = journal.StatusCompleted
	if reversed {
		e.Status = journal.StatusReversed
	}
	return &e, nil
}

// ==================== Helpers ====================

func encodeMetadata(m map[string]string) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, _ := json.Marshal(m) //nolint:errcheck // map[string]string always marshals
	return b
}

func decodeMetadata(b []byte, dst *map[string]string) error {
	if len(b) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if len(m) > 0 {
		*dst = m
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
