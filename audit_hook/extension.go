// Package audithook bridges Tollgate session and ledger events to an audit
// trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any audit product. Callers inject a RecorderFunc adapter at wiring time.
package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/types"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                = (*Extension)(nil)
	_ plugin.OnSessionStarted      = (*Extension)(nil)
	_ plugin.OnSessionTransitioned = (*Extension)(nil)
	_ plugin.OnSessionSettled      = (*Extension)(nil)
	_ plugin.OnEntryRecorded       = (*Extension)(nil)
	_ plugin.OnInsufficientFunds   = (*Extension)(nil)
	_ plugin.OnInvariantViolation  = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit trail record.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Tollgate events to an audit trail backend.
type Extension struct {
	recorder    Recorder
	enabled     map[string]bool // nil = all enabled
	minSeverity int
	logger      *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Session hooks
// ──────────────────────────────────────────────────

// OnSessionStarted implements plugin.OnSessionStarted.
func (e *Extension) OnSessionStarted(ctx context.Context, s *session.Session) error {
	return e.record(ctx, ActionSessionStarted, SeverityInfo, OutcomeSuccess,
		ResourceSession, s.ID.String(), CategorySession, nil,
		"customer_id", s.CustomerID,
		"operator_id", s.OperatorID,
		"free_minutes_reserved", s.FreeMinutesReserved,
		"connect_fee_charged", s.ConnectFeeCharged.String(),
	)
}

// OnSessionTransitioned implements plugin.OnSessionTransitioned. Terminal
// states are recorded by OnSessionSettled together with the charge.
func (e *Extension) OnSessionTransitioned(ctx context.Context, s *session.Session, from session.State) error {
	var action string
	switch s.State {
	case session.StateRinging:
		action = ActionSessionRinging
	case session.StateAnswered:
		action = ActionSessionAnswered
	default:
		return nil
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceSession, s.ID.String(), CategorySession, nil,
		"customer_id", s.CustomerID,
		"from", string(from),
	)
}

// OnSessionSettled implements plugin.OnSessionSettled.
func (e *Extension) OnSessionSettled(ctx context.Context, s *session.Session, charged types.Money) error {
	action, outcome, severity := ActionSessionEnded, OutcomeSuccess, SeverityInfo
	var err error
	if s.State == session.StateFailed {
		action, outcome, severity = ActionSessionFailed, OutcomeFailure, SeverityWarning
		if s.FailureReason != "" {
			err = errors.New(s.FailureReason)
		}
	}
	return e.record(ctx, action, severity, outcome,
		ResourceSession, s.ID.String(), CategoryBilling, err,
		"customer_id", s.CustomerID,
		"operator_id", s.OperatorID,
		"duration_seconds", s.DurationSeconds,
		"free_minutes_applied", s.FreeMinutesApplied,
		"paid_minutes_billed", s.PaidMinutesBilled,
		"charged", charged.String(),
	)
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnEntryRecorded implements plugin.OnEntryRecorded.
func (e *Extension) OnEntryRecorded(ctx context.Context, entry *journal.Entry) error {
	action := ActionEntryRecorded
	kv := []any{
		"customer_id", entry.CustomerID,
		"operator_id", entry.OperatorID,
		"kind", string(entry.Kind),
		"total", entry.Total.String(),
		"operator_amount", entry.OperatorAmount.String(),
		"platform_amount", entry.PlatformAmount.String(),
	}
	if !entry.ReversesID.IsNil() {
		action = ActionEntryRefunded
		kv = append(kv, "reverses_id", entry.ReversesID.String())
	}
	if !entry.SessionID.IsNil() {
		kv = append(kv, "session_id", entry.SessionID.String())
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceEntry, entry.ID.String(), CategoryBilling, nil, kv...)
}

// OnInsufficientFunds implements plugin.OnInsufficientFunds.
func (e *Extension) OnInsufficientFunds(ctx context.Context, customerID, operatorID string, balance, required types.Money) error {
	return e.record(ctx, ActionInsufficientFunds, SeverityWarning, OutcomeFailure,
		ResourceAccount, customerID, CategoryBilling, nil,
		"operator_id", operatorID,
		"balance", balance.String(),
		"required", required.String(),
	)
}

// OnInvariantViolation implements plugin.OnInvariantViolation.
func (e *Extension) OnInvariantViolation(ctx context.Context, op string, err error) error {
	return e.record(ctx, ActionInvariantViolation, SeverityCritical, OutcomeFailure,
		ResourceLedger, op, CategoryIntegrity, err,
		"op", op,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// Recorder failures are logged, never returned.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}
	if severityRank(severity) < e.minSeverity {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}

func severityRank(s string) int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}
