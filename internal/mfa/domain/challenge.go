package domain

import "time"

// Challenge is one pending step-up verification issued by the fake identity API.
type Challenge struct {
	ID          string
	UserID      string
	DeviceID    string
	Method      string // totp, sms or email
	Destination string // masked phone or email; empty for totp
	CodeDigest  string // empty for totp
	Attempts    int
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Expired reports whether the challenge can no longer be verified at now.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
