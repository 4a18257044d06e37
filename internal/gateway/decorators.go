package gateway

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/api"
	sessiondomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/session/domain"
)

// Decorator mutates an outgoing request. Decorators run in order on every attempt,
// after per-request headers are set.
type Decorator func(*http.Request) error

// CredentialReader reads the stored credential pair.
type CredentialReader interface {
	Read() (sessiondomain.CredentialPair, bool)
}

// DeviceIDReader reads the stored device identifier.
type DeviceIDReader interface {
	ReadDeviceID() string
}

type bootstrapKey struct{}

func withBootstrap(ctx context.Context) context.Context {
	return context.WithValue(ctx, bootstrapKey{}, true)
}

// IsBootstrap reports whether the request context belongs to an authentication-bootstrap call.
func IsBootstrap(ctx context.Context) bool {
	v, _ := ctx.Value(bootstrapKey{}).(bool)
	return v
}

// BearerToken attaches the stored access token. It leaves an explicit Authorization header
// alone and never attaches stored credentials to bootstrap requests.
func BearerToken(store CredentialReader) Decorator {
	return func(r *http.Request) error {
		if r.Header.Get(api.HeaderAuthorization) != "" || IsBootstrap(r.Context()) {
			return nil
		}
		if pair, ok := store.Read(); ok {
			r.Header.Set(api.HeaderAuthorization, "Bearer "+pair.AccessToken)
		}
		return nil
	}
}

// DeviceID attaches the stored device identifier when one exists.
func DeviceID(store DeviceIDReader) Decorator {
	return func(r *http.Request) error {
		if id := store.ReadDeviceID(); id != "" {
			r.Header.Set(api.HeaderDeviceID, id)
		}
		return nil
	}
}

// CorrelationID attaches a fresh correlation id unless the request already has one.
func CorrelationID() Decorator {
	return func(r *http.Request) error {
		if r.Header.Get(api.HeaderCorrelationID) == "" {
			r.Header.Set(api.HeaderCorrelationID, uuid.NewString())
		}
		return nil
	}
}

// UserAgent sets the User-Agent header.
func UserAgent(name string) Decorator {
	return func(r *http.Request) error {
		if name != "" {
			r.Header.Set(api.HeaderUserAgent, name)
		}
		return nil
	}
}
