// Package api defines the HTTP/JSON contract between the portal session core and the
// identity API: endpoint paths, headers, the response envelope and request/response bodies.
package api

import (
	"encoding/json"
	"net/url"
)

// Endpoint paths.
const (
	PathLogin         = "/v1/auth/login"
	PathStepUpVerify  = "/v1/auth/step-up/verify"
	PathStepUpResend  = "/v1/auth/step-up/resend"
	PathRefresh       = "/v1/auth/refresh"
	PathLogout        = "/v1/auth/logout"
	PathPasswordReset = "/v1/auth/password-reset"
	PathMe            = "/v1/me"
	PathDevices       = "/v1/devices"
	PathSessions      = "/v1/sessions"
)

// Header names attached by the gateway.
const (
	HeaderAuthorization = "Authorization"
	HeaderDeviceID      = "X-Device-ID"
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderUserAgent     = "User-Agent"
)

// BootstrapPaths are the authentication-bootstrap endpoints. A 401 from any of them
// means the credentials in the request are wrong, never that the access token expired.
var BootstrapPaths = []string{
	PathLogin,
	PathStepUpVerify,
	PathStepUpResend,
	PathRefresh,
	PathPasswordReset,
	PathLogout,
}

// DevicePath returns the path of a single device. id is escaped as one path segment.
func DevicePath(id string) string { return PathDevices + "/" + url.PathEscape(id) }

// DeviceTrustPath returns the trust command path of a device.
func DeviceTrustPath(id string) string { return DevicePath(id) + "/trust" }

// SessionPath returns the path of a single session. id is escaped as one path segment.
func SessionPath(id string) string { return PathSessions + "/" + url.PathEscape(id) }

// Envelope is the body of every response. Exactly one of Data and Error is set.
type Envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the failure half of the envelope.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Error codes with client-side meaning.
const (
	CodeInvalidCredentials  = "invalid_credentials"
	CodeInvalidCode         = "invalid_code"
	CodeChallengeExpired    = "challenge_expired"
	CodeInvalidRefreshToken = "invalid_refresh_token"
	CodeRefreshTokenReuse   = "refresh_token_reuse"
	CodeUnauthenticated     = "unauthenticated"
	CodeValidation          = "validation_failed"
	CodeNotFound            = "not_found"
	CodeForbidden           = "forbidden"
	CodeInternal            = "internal"
)
