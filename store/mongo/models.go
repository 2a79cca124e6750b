package mongo

import (
	"time"

	"github.com/xraph/tollgate/balance"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/rate"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/types"
)

// ==================== Operator models ====================

type operatorModel struct {
	ID             string            `bson:"_id"`
	DisplayName    string            `bson:"display_name"`
	Contact        string            `bson:"contact"`
	Active         bool              `bson:"active"`
	Currency       string            `bson:"currency"`
	RatePerMinute  int64             `bson:"rate_per_minute"`
	ConnectFee     int64             `bson:"connect_fee"`
	RatePerMessage int64             `bson:"rate_per_message"`
	Metadata       map[string]string `bson:"metadata,omitempty"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

func toOperatorModel(op *rate.Operator) *operatorModel {
	return &operatorModel{
		ID:             op.ID,
		DisplayName:    op.DisplayName,
		Contact:        op.Contact,
		Active:         op.Active,
		Currency:       op.Plan.Currency(),
		RatePerMinute:  op.Plan.RatePerMinute.Amount,
		ConnectFee:     op.Plan.ConnectFee.Amount,
		RatePerMessage: op.Plan.RatePerMessage.Amount,
		Metadata:       op.Metadata,
		CreatedAt:      orNow(op.CreatedAt),
		UpdatedAt:      orNow(op.UpdatedAt),
	}
}

func fromOperatorModel(m *operatorModel) *rate.Operator {
	return &rate.Operator{
		Entity:      types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:          m.ID,
		DisplayName: m.DisplayName,
		Contact:     m.Contact,
		Active:      m.Active,
		Plan: rate.Plan{
			RatePerMinute:  types.New(m.RatePerMinute, m.Currency),
			ConnectFee:     types.New(m.ConnectFee, m.Currency),
			RatePerMessage: types.New(m.RatePerMessage, m.Currency),
		},
		Metadata: m.Metadata,
	}
}

// ==================== Account models ====================

type accountModel struct {
	CustomerID string            `bson:"_id"`
	Balance    int64             `bson:"balance"`
	Currency   string            `bson:"currency"`
	Contact    string            `bson:"contact"`
	Metadata   map[string]string `bson:"metadata,omitempty"`
	CreatedAt  time.Time         `bson:"created_at"`
	UpdatedAt  time.Time         `bson:"updated_at"`
}

func toAccountModel(a *balance.Account) *accountModel {
	return &accountModel{
		CustomerID: a.CustomerID,
		Balance:    a.Balance.Amount,
		Currency:   a.Balance.Currency,
		Contact:    a.Contact,
		Metadata:   a.Metadata,
		CreatedAt:  orNow(a.CreatedAt),
		UpdatedAt:  orNow(a.UpdatedAt),
	}
}

func fromAccountModel(m *accountModel) *balance.Account {
	return &balance.Account{
		Entity:     types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		CustomerID: m.CustomerID,
		Balance:    types.New(m.Balance, m.Currency),
		Contact:    m.Contact,
		Metadata:   m.Metadata,
	}
}

// ==================== Grant models ====================

// grantModel is keyed by customer and operator joined with grantKey.
type grantModel struct {
	Key        string    `bson:"_id"`
	CustomerID string    `bson:"customer_id"`
	OperatorID string    `bson:"operator_id"`
	Remaining  int64     `bson:"remaining"`
	Granted    int64     `bson:"granted"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func grantKey(customerID, operatorID string) string {
	return customerID + "\x00" + operatorID
}

func fromGrantModel(m *grantModel) *entitlement.Grant {
	return &entitlement.Grant{
		CustomerID: m.CustomerID,
		OperatorID: m.OperatorID,
		Remaining:  m.Remaining,
		Granted:    m.Granted,
		UpdatedAt:  m.UpdatedAt.UTC(),
	}
}

// ==================== Session models ====================

type sessionModel struct {
	ID                   string     `bson:"_id"`
	CustomerID           string     `bson:"customer_id"`
	OperatorID           string     `bson:"operator_id"`
	Domain               string     `bson:"domain"`
	State                string     `bson:"state"`
	AnsweredAt           *time.Time `bson:"answered_at,omitempty"`
	EndedAt              *time.Time `bson:"ended_at,omitempty"`
	DurationSeconds      int64      `bson:"duration_seconds"`
	FreeMinutesReserved  int64      `bson:"free_minutes_reserved"`
	FreeMinutesApplied   int64      `bson:"free_minutes_applied"`
	PaidMinutesBilled    int64      `bson:"paid_minutes_billed"`
	Currency             string     `bson:"currency"`
	RatePerMinute        int64      `bson:"rate_per_minute"`
	ConnectFee           int64      `bson:"connect_fee"`
	ConnectFeeCharged    int64      `bson:"connect_fee_charged"`
	ConnectFeeEntryID    string     `bson:"connect_fee_entry_id,omitempty"`
	IsFreeMinutesSession bool       `bson:"is_free_minutes_session"`
	ProviderRef          string     `bson:"provider_ref"`
	FailureReason        string     `bson:"failure_reason"`
	FundsHeld            int64      `bson:"funds_held"`
	Version              int64      `bson:"version"`
	CreatedAt            time.Time  `bson:"created_at"`
	UpdatedAt            time.Time  `bson:"updated_at"`
}

func toSessionModel(s *session.Session) *sessionModel {
	return &sessionModel{
		ID:                   s.ID.String(),
		CustomerID:           s.CustomerID,
		OperatorID:           s.OperatorID,
		Domain:               s.Domain,
		State:                string(s.State),
		AnsweredAt:           utcPtr(s.AnsweredAt),
		EndedAt:              utcPtr(s.EndedAt),
		DurationSeconds:      s.DurationSeconds,
		FreeMinutesReserved:  s.FreeMinutesReserved,
		FreeMinutesApplied:   s.FreeMinutesApplied,
		PaidMinutesBilled:    s.PaidMinutesBilled,
		Currency:             sessionCurrency(s),
		RatePerMinute:        s.RatePerMinute.Amount,
		ConnectFee:           s.ConnectFee.Amount,
		ConnectFeeCharged:    s.ConnectFeeCharged.Amount,
		ConnectFeeEntryID:    s.ConnectFeeEntryID.String(),
		IsFreeMinutesSession: s.IsFreeMinutesSession,
		ProviderRef:          s.ProviderRef,
		FailureReason:        s.FailureReason,
		FundsHeld:            s.FundsHeld.Amount,
		CreatedAt:            orNow(s.CreatedAt),
		UpdatedAt:            orNow(s.UpdatedAt),
	}
}

func fromSessionModel(m *sessionModel) (*session.Session, error) {
	sid, err := id.ParseSessionID(m.ID)
	if err != nil {
		return nil, err
	}
	feeEntry, err := parseOptionalID(m.ConnectFeeEntryID)
	if err != nil {
		return nil, err
	}
	return &session.Session{
		Entity:               types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:                   sid,
		CustomerID:           m.CustomerID,
		OperatorID:           m.OperatorID,
		Domain:               m.Domain,
		State:                session.State(m.State),
		AnsweredAt:           utcPtr(m.AnsweredAt),
		EndedAt:              utcPtr(m.EndedAt),
		DurationSeconds:      m.DurationSeconds,
		FreeMinutesReserved:  m.FreeMinutesReserved,
		FreeMinutesApplied:   m.FreeMinutesApplied,
		PaidMinutesBilled:    m.PaidMinutesBilled,
		ConnectFeeCharged:    types.New(m.ConnectFeeCharged, m.Currency),
		ConnectFeeEntryID:    feeEntry,
		IsFreeMinutesSession: m.IsFreeMinutesSession,
		RatePerMinute:        types.New(m.RatePerMinute, m.Currency),
		ConnectFee:           types.New(m.ConnectFee, m.Currency),
		ProviderRef:          m.ProviderRef,
		FailureReason:        m.FailureReason,
		FundsHeld:            types.New(m.FundsHeld, m.Currency),
	}, nil
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

// entryModel carries a reversed flag that the reversing transaction sets.
type entryModel struct {
	ID             string    `bson:"_id"`
	CustomerID     string    `bson:"customer_id"`
	OperatorID     string    `bson:"operator_id"`
	Domain         string    `bson:"domain"`
	Kind           string    `bson:"kind"`
	Currency       string    `bson:"currency"`
	Total          int64     `bson:"total"`
	OperatorAmount int64     `bson:"operator_amount"`
	PlatformAmount int64     `bson:"platform_amount"`
	SessionID      string    `bson:"session_id,omitempty"`
	ReversesID     string    `bson:"reverses_id,omitempty"`
	Reversed       bool      `bson:"reversed"`
	Description    string    `bson:"description"`
	CreatedAt      time.Time `bson:"created_at"`
}

func toEntryModel(e *journal.Entry) *entryModel {
	return &entryModel{
		ID:             e.ID.String(),
		CustomerID:     e.CustomerID,
		OperatorID:     e.OperatorID,
		Domain:         e.Domain,
		Kind:           string(e.Kind),
		Currency:       e.Total.Currency,
		Total:          e.Total.Amount,
		OperatorAmount: e.OperatorAmount.Amount,
		PlatformAmount: e.PlatformAmount.Amount,
		SessionID:      e.SessionID.String(),
		ReversesID:     e.ReversesID.String(),
		Description:    e.Description,
		CreatedAt:      orNow(e.CreatedAt),
	}
}

func fromEntryModel(m *entryModel) (*journal.Entry, error) {
	eid, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, err
	}
	sid, err := parseOptionalID(m.SessionID)
	if err != nil {
		return nil, err
	}
	rid, err := parseOptionalID(m.ReversesID)
	if err != nil {
		return nil, err
	}
	status := journal.StatusCompleted
	if m.Reversed {
		status = journal.StatusReversed
	}
	return &journal.Entry{
		ID:             eid,
		CustomerID:     m.CustomerID,
		OperatorID:     m.OperatorID,
		Domain:         m.Domain,
		Kind:           journal.Kind(m.Kind),
		Total:          types.New(m.Total, m.Currency),
		OperatorAmount: types.New(m.OperatorAmount, m.Currency),
		PlatformAmount: types.New(m.PlatformAmount, m.Currency),
		SessionID:      sid,
		ReversesID:     rid,
		Status:         status,
		Description:    m.Description,
		CreatedAt:      m.CreatedAt.UTC(),
	}, nil
}

// ==================== Helpers ====================

func parseOptionalID(s string) (id.ID, error) {
	if s == "" {
		return id.Nil, nil
	}
	return id.Parse(s)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
