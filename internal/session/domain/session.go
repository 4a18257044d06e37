package domain

import (
	"errors"

	userdomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/user/domain"
)

// Phase is the authentication phase of the client session.
type Phase string

const (
	PhaseAnonymous      Phase = "anonymous"
	PhaseAwaitingStepUp Phase = "awaiting_step_up"
	PhaseAuthenticated  Phase = "authenticated"
)

// StepUpMethod is the second-factor channel chosen by the server for one step-up episode.
type StepUpMethod string

const (
	StepUpTOTP  StepUpMethod = "totp"
	StepUpSMS   StepUpMethod = "sms"
	StepUpEmail StepUpMethod = "email"
)

// Valid reports whether m is a known step-up method.
func (m StepUpMethod) Valid() bool {
	switch m {
	case StepUpTOTP, StepUpSMS, StepUpEmail:
		return true
	}
	return false
}

// Session is an immutable snapshot of the client-side authentication record.
type Session struct {
	Phase               Phase
	User                *userdomain.User // nil iff Phase is anonymous
	PendingStepUpMethod StepUpMethod     // set only while awaiting step-up
	Episode             uint64           // identifies the current step-up episode; 0 outside one
}

// Anonymous returns the empty session.
func Anonymous() Session {
	return Session{Phase: PhaseAnonymous}
}

// Authenticated reports whether the session is fully authenticated.
func (s Session) Authenticated() bool {
	return s.Phase == PhaseAuthenticated
}

// AwaitingStepUp reports whether a step-up challenge is pending.
func (s Session) AwaitingStepUp() bool {
	return s.Phase == PhaseAwaitingStepUp
}

// Validate checks the phase/user/method invariant.
func (s Session) Validate() error {
	switch s.Phase {
	case PhaseAnonymous:
		if s.User != nil {
			return errors.New("anonymous session must not carry a user")
		}
		if s.PendingStepUpMethod != "" {
			return errors.New("anonymous session must not carry a step-up method")
		}
	case PhaseAwaitingStepUp:
		if s.User == nil {
			return errors.New("step-up session requires a user")
		}
		if !s.PendingStepUpMethod.Valid() {
			return errors.New("step-up session requires a valid method")
		}
	case PhaseAuthenticated:
		if s.User == nil {
			return errors.New("authenticated session requires a user")
		}
		if s.PendingStepUpMethod != "" {
			return errors.New("authenticated session must not carry a step-up method")
		}
	default:
		return errors.New("unknown session phase")
	}
	return nil
}

// CredentialPair is the access/refresh token pair. Both are opaque strings.
type CredentialPair struct {
	AccessToken  string
	RefreshToken string
}

// Complete reports whether both tokens are present. A partial pair is treated as absent.
func (p CredentialPair) Complete() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}
