package domain

import (
	"errors"
	"time"
)

// User is the authenticated-user snapshot reported by the user snapshot endpoint.
// It is replaced wholesale on every successful fetch and never patched in place.
type User struct {
	ID            string
	Identifier    string // login identifier (phone number or email) as entered
	Name          string
	Email         string
	Phone         string
	Role          Role
	PhoneVerified bool
	EmailVerified bool
	TOTPEnrolled  bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastLoginAt   *time.Time
}

// Role is the portal role the server assigned to the user.
type Role string

const (
	RoleCitizen   Role = "citizen"
	RoleOperator  Role = "operator"
	RoleRegulator Role = "regulator"
)

// KnownRoles lists every role the client knows how to gate.
var KnownRoles = []Role{RoleCitizen, RoleOperator, RoleRegulator}

// Known reports whether r is one of KnownRoles.
func (r Role) Known() bool {
	for _, k := range KnownRoles {
		if r == k {
			return true
		}
	}
	return false
}

// Validate returns an error describing the first problem with the snapshot.
func (u *User) Validate() error {
	if u == nil {
		return errors.New("user snapshot is nil")
	}
	if u.ID == "" {
		return errors.New("user id is required")
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a snapshot held elsewhere.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}
