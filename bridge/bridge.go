// Package bridge defines the contract with the provider that physically
// connects a customer and an operator, and normalises the lifecycle
// events it reports back.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/session"
)

// Handle identifies a bridged call at the provider.
type Handle struct {
	Provider string `json:"provider"`
	Ref      string `json:"ref"`
}

// Provider connects the two parties of a session. Bridge must return
// promptly; progress is reported later as Events.
type Provider interface {
	Bridge(ctx context.Context, sessionID id.SessionID, customerContact, operatorContact string) (Handle, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, sessionID id.SessionID, customerContact, operatorContact string) (Handle, error)

func (f ProviderFunc) Bridge(ctx context.Context, sessionID id.SessionID, customerContact, operatorContact string) (Handle, error) {
	return f(ctx, sessionID, customerContact, operatorContact)
}

// Event is a lifecycle notification from the provider.
type Event struct {
	SessionID   id.SessionID  `json:"session_id"`
	State       session.State `json:"state"`
	At          time.Time     `json:"at,omitzero"`
	ProviderRef string        `json:"provider_ref,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// Validate checks the event names a session and a reportable state.
func (e Event) Validate() error {
	if e.SessionID.IsNil() {
		return fmt.Errorf("bridge: event without session id")
	}
	switch e.State {
	case session.StateRinging, session.StateAnswered, session.StateEnded, session.StateFailed:
		return nil
	}
	return fmt.Errorf("bridge: state %q cannot be reported by a provider", e.State)
}

var kinds = map[string]session.State{
	"ringing":     session.StateRinging,
	"answered":    session.StateAnswered,
	"in-progress": session.StateAnswered,
	"in_progress": session.StateAnswered,
	"connected":   session.StateAnswered,
	"ended":       session.StateEnded,
	"completed":   session.StateEnded,
	"hangup":      session.StateEnded,
	"failed":      session.StateFailed,
	"busy":        session.StateFailed,
	"no-answer":   session.StateFailed,
	"no_answer":   session.StateFailed,
	"canceled":    session.StateFailed,
	"cancelled":   session.StateFailed,
	"rejected":    session.StateFailed,
}

// ParseKind maps a provider status string onto a session state.
func ParseKind(status string) (session.State, error) {
	if st, ok := kinds[strings.ToLower(strings.TrimSpace(status))]; ok {
		return st, nil
	}
	return "", fmt.Errorf("bridge: unknown provider status %q", status)
}

// FailureReason returns the provider status as a failure reason when the
// status maps to a failure, for example "busy".
func FailureReason(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	if kinds[s] == session.StateFailed && s != "failed" {
		return s
	}
	return ""
}
