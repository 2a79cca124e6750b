package audithook

// Action constants for audit events.
const (
	// Session actions
	ActionSessionStarted  = "session.started"
	ActionSessionRinging  = "session.ringing"
	ActionSessionAnswered = "session.answered"
	ActionSessionEnded    = "session.ended"
	ActionSessionFailed   = "session.failed"

	// Ledger actions
	ActionEntryRecorded     = "entry.recorded"
	ActionEntryRefunded     = "entry.refunded"
	ActionInsufficientFunds = "funds.insufficient"

	// Integrity actions
	ActionInvariantViolation = "invariant.violation"
)

// Resource constants for audit events.
const (
	ResourceSession = "session"
	ResourceEntry   = "entry"
	ResourceAccount = "account"
	ResourceLedger  = "ledger"
)

// Category constants for audit events.
const (
	CategoryBilling   = "billing"
	CategorySession   = "session"
	CategoryIntegrity = "integrity"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
