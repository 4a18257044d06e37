package domain

import "time"

// Device is the server-reported view of a device the user has signed in from.
// The client never mutates it; trust and revoke are commands followed by a re-list.
type Device struct {
	ID           string
	Name         string
	Platform     string
	OSVersion    string
	Browser      string
	Trusted      bool
	TrustedUntil *time.Time
	LastActiveAt *time.Time
	Current      bool // true for the device making the request
}

// SessionRecord is the server-reported view of one active session.
type SessionRecord struct {
	ID         string
	DeviceID   string
	IPAddress  string
	CreatedAt  time.Time
	LastSeenAt *time.Time
	ExpiresAt  time.Time
	Current    bool
}
