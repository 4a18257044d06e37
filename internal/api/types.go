package api

import (
	"time"

	devicedomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/device/domain"
	sessiondomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/session/domain"
	userdomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/user/domain"
)

// DeviceDescriptor describes the calling device on login.
type DeviceDescriptor struct {
	ID        string `json:"id"`
	Platform  string `json:"platform,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// LoginRequest is the body of PathLogin.
type LoginRequest struct {
	Identifier string            `json:"identifier"`
	Secret     string            `json:"secret"`
	Device     *DeviceDescriptor `json:"device,omitempty"`
}

// LoginResponse carries either a full credential grant or a step-up challenge.
type LoginResponse struct {
	TokenResponse
	StepUp *StepUpChallenge `json:"step_up,omitempty"`
}

// TokenResponse is a credential grant, optionally with the user snapshot.
type TokenResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// Pair returns the tokens as a credential pair.
func (t TokenResponse) Pair() sessiondomain.CredentialPair {
	return sessiondomain.CredentialPair{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}
}

// StepUpChallenge is returned by login when a second factor is required. It carries no credentials.
type StepUpChallenge struct {
	ChallengeID string `json:"challenge_id"`
	Method      string `json:"method"`
	Destination string `json:"destination,omitempty"` // masked phone or email
	User        *User  `json:"user,omitempty"`
}

// StepUpVerifyRequest is the body of PathStepUpVerify.
type StepUpVerifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

// StepUpResendRequest is the body of PathStepUpResend.
type StepUpResendRequest struct {
	ChallengeID string `json:"challenge_id"`
	Method      string `json:"method"`
}

// RefreshRequest is the body of PathRefresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest is the body of PathLogout.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
	AllDevices   bool   `json:"all_devices"`
}

// User is the wire form of the user snapshot.
type User struct {
	ID            string     `json:"id"`
	Identifier    string     `json:"identifier,omitempty"`
	Name          string     `json:"name,omitempty"`
	Email         string     `json:"email,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	Role          string     `json:"role"`
	PhoneVerified bool       `json:"phone_verified"`
	EmailVerified bool       `json:"email_verified"`
	TOTPEnrolled  bool       `json:"totp_enrolled"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

// ToDomain converts the wire user to the domain snapshot.
func (u *User) ToDomain() *userdomain.User {
	if u == nil {
		return nil
	}
	return &userdomain.User{
		ID:            u.ID,
		Identifier:    u.Identifier,
		Name:          u.Name,
		Email:         u.Email,
		Phone:         u.Phone,
		Role:          userdomain.Role(u.Role),
		PhoneVerified: u.PhoneVerified,
		EmailVerified: u.EmailVerified,
		TOTPEnrolled:  u.TOTPEnrolled,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
		LastLoginAt:   u.LastLoginAt,
	}
}

// UserFromDomain converts a domain snapshot to its wire form.
func UserFromDomain(u *userdomain.User) *User {
	if u == nil {
		return nil
	}
	return &User{
		ID:            u.ID,
		Identifier:    u.Identifier,
		Name:          u.Name,
		Email:         u.Email,
		Phone:         u.Phone,
		Role:          string(u.Role),
		PhoneVerified: u.PhoneVerified,
		EmailVerified: u.EmailVerified,
		TOTPEnrolled:  u.TOTPEnrolled,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
		LastLoginAt:   u.LastLoginAt,
	}
}

// Device is the wire form of a device record.
type Device struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	Platform     string     `json:"platform,omitempty"`
	OSVersion    string     `json:"os_version,omitempty"`
	Browser      string     `json:"browser,omitempty"`
	Trusted      bool       `json:"trusted"`
	TrustedUntil *time.Time `json:"trusted_until,omitempty"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	IsCurrent    bool       `json:"is_current"`
}

// ToDomain converts the wire device to the domain record.
func (d Device) ToDomain() devicedomain.Device {
	return devicedomain.Device{
		ID:           d.ID,
		Name:         d.Name,
		Platform:     d.Platform,
		OSVersion:    d.OSVersion,
		Browser:      d.Browser,
		Trusted:      d.Trusted,
		TrustedUntil: d.TrustedUntil,
		LastActiveAt: d.LastActiveAt,
		Current:      d.IsCurrent,
	}
}

// DeviceList is the body of a successful GET PathDevices.
type DeviceList struct {
	Devices []Device `json:"devices"`
}

// Session is the wire form of a session record.
type Session struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"device_id"`
	IPAddress  string     `json:"ip_address,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	IsCurrent  bool       `json:"is_current"`
}

// ToDomain converts the wire session to the domain record.
func (s Session) ToDomain() devicedomain.SessionRecord {
	return devicedomain.SessionRecord{
		ID:         s.ID,
		DeviceID:   s.DeviceID,
		IPAddress:  s.IPAddress,
		CreatedAt:  s.CreatedAt,
		LastSeenAt: s.LastSeenAt,
		ExpiresAt:  s.ExpiresAt,
		Current:    s.IsCurrent,
	}
}

// SessionList is the body of a successful GET PathSessions.
type SessionList struct {
	Sessions []Session `json:"sessions"`
}
