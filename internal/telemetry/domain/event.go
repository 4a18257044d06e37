package domain

import "time"

// Event is an authentication lifecycle event emitted by the session core.
type Event struct {
	Type       EventType
	UserID     string // empty while anonymous
	DeviceID   string
	Phase      string // session phase the event refers to
	Attributes map[string]string
	CreatedAt  time.Time
}

// EventType names a lifecycle event.
type EventType string

const (
	EventLoginSucceeded    EventType = "login_succeeded"
	EventLoginFailed       EventType = "login_failed"
	EventStepUpRequired    EventType = "step_up_required"
	EventStepUpVerified    EventType = "step_up_verified"
	EventStepUpRejected    EventType = "step_up_rejected"
	EventStepUpCancelled   EventType = "step_up_cancelled"
	EventStepUpCodeResent  EventType = "step_up_code_resent"
	EventLogout            EventType = "logout"
	EventSessionExpired    EventType = "session_expired"
	EventSessionRestored   EventType = "session_restored"
	EventUserRefreshed     EventType = "user_refreshed"
	EventTokenRenewed      EventType = "token_renewed"
	EventTokenRenewalError EventType = "token_renewal_failed"
)
