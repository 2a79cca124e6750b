package tollgate

import (
	"errors"
	"fmt"

	"github.com/xraph/tollgate/types"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("tollgate: not found")
	ErrAlreadyExists = errors.New("tollgate: already exists")
	ErrInvalidInput  = errors.New("tollgate: invalid input")

	// Rate errors
	ErrOperatorUnavailable = errors.New("tollgate: operator unavailable")
	ErrOperatorNotFound    = errors.New("tollgate: operator not found")
	ErrInvalidPricing      = errors.New("tollgate: invalid pricing configuration")

	// Balance errors
	ErrInsufficientFunds = errors.New("tollgate: insufficient funds")
	ErrCustomerNotFound  = errors.New("tollgate: customer not found")
	ErrInvalidAmount     = errors.New("tollgate: invalid amount")

	// Session errors
	ErrSessionNotFound   = errors.New("tollgate: session not found")
	ErrInvalidTransition = errors.New("tollgate: invalid session transition")
	ErrBridgeFailed      = errors.New("tollgate: bridging provider failed")

	// Journal errors
	ErrEntryNotFound   = errors.New("tollgate: journal entry not found")
	ErrAlreadyReversed = errors.New("tollgate: journal entry already reversed")

	// Consistency errors
	ErrConcurrencyConflict      = errors.New("tollgate: concurrent modification conflict")
	ErrLedgerInvariantViolation = errors.New("tollgate: ledger invariant violation")

	// Store errors
	ErrStoreClosed = errors.New("tollgate: store is closed")
)

// FundsError reports an affordability failure with the figures the caller
// needs to prompt a top-up. It matches ErrInsufficientFunds under errors.Is.
type FundsError struct {
	Balance     types.Money
	Required    types.Money
	Shortfall   types.Money
	FreeMinutes int64
}

// NewFundsError builds a FundsError, deriving the shortfall.
func NewFundsError(balance, required types.Money, freeMinutes int64) *FundsError {
	shortfall := required.Subtract(balance)
	if shortfall.IsNegative() {
		shortfall = types.Zero(required.Currency)
	}
	return &FundsError{
		Balance:     balance,
		Required:    required,
		Shortfall:   shortfall,
		FreeMinutes: freeMinutes,
	}
}

func (e *FundsError) Error() string {
	return fmt.Sprintf("tollgate: insufficient funds: balance %s, required %s", e.Balance, e.Required)
}

// Is reports whether target is ErrInsufficientFunds.
func (e *FundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tollgate: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets callers match validation failures with ErrInvalidInput.
func (e ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "tollgate: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("tollgate: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrorOrNil returns the multi-error when it holds errors, nil otherwise.
func (e MultiError) ErrorOrNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error {
	return e.Errors
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrOperatorNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsUserFacing reports whether the error may be shown to the customer as-is.
// Invariant violations and store failures are not.
func IsUserFacing(err error) bool {
	switch {
	case errors.Is(err, ErrLedgerInvariantViolation):
		return false
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrOperatorUnavailable),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAlreadyReversed),
		errors.Is(err, ErrBridgeFailed),
		errors.Is(err, ErrConcurrencyConflict):
		return true
	}
	return IsNotFound(err)
}
