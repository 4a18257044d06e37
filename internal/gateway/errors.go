package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/api"
)

// Kind classifies every failure the gateway can report. The set is closed.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindRateLimited    Kind = "rate_limited"
	KindServer         Kind = "server"
	KindNetwork        Kind = "network"
	KindSessionExpired Kind = "session_expired"
	KindProtocol       Kind = "protocol"
)

// Error is the normalized failure returned by the gateway.
type Error struct {
	Kind          Kind
	Status        int // 0 when no response was received
	Code          string
	Message       string
	Fields        map[string]string
	CorrelationID string
	// Terminal is set when the request will not be retried or renewed again.
	Terminal bool
	// Timeout is set for KindNetwork failures caused by a deadline.
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("gateway: %s (%d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" when err is not (and does not wrap) an *Error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// CodeOf returns the server error code carried by err, if any.
func CodeOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// kindForStatus maps a non-2xx status to a Kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServer
	default:
		return KindValidation
	}
}

// parseFailure builds the Error for a non-2xx response. An undecodable body keeps the
// status-derived kind and falls back to the status text.
func parseFailure(status int, body []byte, correlationID string) *Error {
	e := &Error{
		Kind:          kindForStatus(status),
		Status:        status,
		CorrelationID: correlationID,
	}
	var env api.Envelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil && env.Error != nil {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
		e.Fields = env.Error.Fields
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func protocolError(status int, correlationID string, err error) *Error {
	return &Error{
		Kind:          KindProtocol,
		Status:        status,
		Message:       "undecodable response body",
		CorrelationID: correlationID,
		Terminal:      true,
		Err:           err,
	}
}
