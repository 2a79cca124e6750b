// Package observability provides a metrics extension for Tollgate that
// records session and ledger event counts via a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/types"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                = (*MetricsExtension)(nil)
	_ plugin.OnSessionStarted      = (*MetricsExtension)(nil)
	_ plugin.OnSessionTransitioned = (*MetricsExtension)(nil)
	_ plugin.OnSessionSettled      = (*MetricsExtension)(nil)
	_ plugin.OnEntryRecorded       = (*MetricsExtension)(nil)
	_ plugin.OnInsufficientFunds   = (*MetricsExtension)(nil)
	_ plugin.OnInvariantViolation  = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide billing metrics.
// Register it as a Tollgate plugin to track sessions and money movement.
// Amounts are observed in minor units.
type MetricsExtension struct {
	// Session metrics
	SessionsStarted     Counter
	SessionsFreeMinutes Counter
	SessionsAnswered    Counter
	SessionsEnded       Counter
	SessionsFailed      Counter
	SessionDuration     Histogram
	SessionCharged      Histogram

	// Ledger metrics
	EntriesRecorded   Counter
	ConnectFeeEntries Counter
	PerMinuteEntries  Counter
	MessageEntries    Counter
	RefundEntries     Counter
	OperatorRevenue   Counter
	PlatformRevenue   Counter

	// Refusals and faults
	InsufficientFunds   Counter
	InvariantViolations Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		SessionsStarted:     factory.Counter("tollgate.session.started"),
		SessionsFreeMinutes: factory.Counter("tollgate.session.free_minutes"),
		SessionsAnswered:    factory.Counter("tollgate.session.answered"),
		SessionsEnded:       factory.Counter("tollgate.session.ended"),
		SessionsFailed:      factory.Counter("tollgate.session.failed"),
		SessionDuration:     factory.Histogram("tollgate.session.duration_seconds"),
		SessionCharged:      factory.Histogram("tollgate.session.charged_minor"),

		EntriesRecorded:   factory.Counter("tollgate.journal.entries"),
		ConnectFeeEntries: factory.Counter("tollgate.journal.connect_fee"),
		PerMinuteEntries:  factory.Counter("tollgate.journal.per_minute"),
		MessageEntries:    factory.Counter("tollgate.journal.message"),
		RefundEntries:     factory.Counter("tollgate.journal.refund"),
		OperatorRevenue:   factory.Counter("tollgate.revenue.operator_minor"),
		PlatformRevenue:   factory.Counter("tollgate.revenue.platform_minor"),

		InsufficientFunds:   factory.Counter("tollgate.funds.insufficient"),
		InvariantViolations: factory.Counter("tollgate.invariant.violations"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Session hooks
// ──────────────────────────────────────────────────

// OnSessionStarted implements plugin.OnSessionStarted.
func (m *MetricsExtension) OnSessionStarted(_ context.Context, s *session.Session) error {
	m.SessionsStarted.Inc()
	if s.IsFreeMinutesSession {
		m.SessionsFreeMinutes.Inc()
	}
	return nil
}

// OnSessionTransitioned implements plugin.OnSessionTransitioned.
func (m *MetricsExtension) OnSessionTransitioned(_ context.Context, s *session.Session, _ session.State) error {
	if s.State == session.StateAnswered {
		m.SessionsAnswered.Inc()
	}
	return nil
}

// OnSessionSettled implements plugin.OnSessionSettled.
func (m *MetricsExtension) OnSessionSettled(_ context.Context, s *session.Session, charged types.Money) error {
	switch s.State {
	case session.StateEnded:
		m.SessionsEnded.Inc()
		m.SessionDuration.Observe(float64(s.DurationSeconds))
	case session.StateFailed:
		m.SessionsFailed.Inc()
	}
	m.SessionCharged.Observe(float64(charged.Amount))
	return nil
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnEntryRecorded implements plugin.OnEntryRecorded.
func (m *MetricsExtension) OnEntryRecorded(_ context.Context, e *journal.Entry) error {
	m.EntriesRecorded.Inc()
	switch e.Kind {
	case journal.KindConnectFee:
		m.ConnectFeeEntries.Inc()
	case journal.KindPerMinute:
		m.PerMinuteEntries.Inc()
	case journal.KindMessage:
		m.MessageEntries.Inc()
	case journal.KindRefund:
		m.RefundEntries.Inc()
	}
	// Refunds carry negative amounts; revenue counters only grow.
	if e.Total.IsPositive() {
		m.OperatorRevenue.Add(float64(e.OperatorAmount.Amount))
		m.PlatformRevenue.Add(float64(e.PlatformAmount.Amount))
	}
	return nil
}

// OnInsufficientFunds implements plugin.OnInsufficientFunds.
func (m *MetricsExtension) OnInsufficientFunds(_ context.Context, _, _ string, _, _ types.Money) error {
	m.InsufficientFunds.Inc()
	return nil
}

// OnInvariantViolation implements plugin.OnInvariantViolation.
func (m *MetricsExtension) OnInvariantViolation(_ context.Context, _ string, _ error) error {
	m.InvariantViolations.Inc()
	return nil
}
