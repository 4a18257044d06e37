package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/api"
	sessiondomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/session/domain"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/tokenstore"
)

// renewer is a FaultHandler that writes a new pair into the store.
type renewer struct {
	store  *tokenstore.Store
	next   sessiondomain.CredentialPair
	err    error
	calls  atomic.Int32
	mu     sync.Mutex
	stales []string
}

func (r *renewer) Renew(_ context.Context, staleAccess string) (sessiondomain.CredentialPair, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.stales = append(r.stales, staleAccess)
	r.mu.Unlock()
	if r.err != nil {
		return sessiondomain.CredentialPair{}, r.err
	}
	if err := r.store.Write(r.next); err != nil {
		return sessiondomain.CredentialPair{}, err
	}
	return r.next, nil
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(api.Envelope{Data: raw})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.Envelope{Error: &api.ErrorBody{Code: code, Message: msg}})
}

func newTestGateway(t *testing.T, h http.Handler, opts ...Option) (*Gateway, *tokenstore.Store) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	store := tokenstore.New(tokenstore.NewMemoryBackend())
	opts = append([]Option{WithDecorators(BearerToken(store), DeviceID(store), CorrelationID(), UserAgent("portal-test/1.0"))}, opts...)
	g, err := New(srv.URL, opts...)
	require.NoError(t, err)
	return g, store
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	_, err := New("/v1")
	assert.Error(t, err)
}

func TestDo_DecoratesAndDecodes(t *testing.T) {
	var got http.Header
	g, store := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeData(w, http.StatusOK, api.User{ID: "u1", Role: "citizen"})
	}))
	require.NoError(t, store.Write(sessiondomain.CredentialPair{AccessToken: "at-1", RefreshToken: "rt-1"}))
	deviceID, err := store.EnsureDeviceID()
	require.NoError(t, err)

	var user api.User
	require.NoError(t, g.Do(context.Background(), http.MethodGet, api.PathMe, nil, &user))

	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "Bearer at-1", got.Get(api.HeaderAuthorization))
	assert.Equal(t, deviceID, got.Get(api.HeaderDeviceID))
	assert.Equal(t, "portal-test/1.0", got.Get(api.HeaderUserAgent))
	assert.NotEmpty(t, got.Get(api.HeaderCorrelationID))
}

func TestDo_BootstrapDoesNotAttachStoredCredential(t *testing.T) {
	var auth string
	g, store := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get(api.HeaderAuthorization)
		writeData(w, http.StatusOK, nil)
	}))
	require.NoError(t, store.Write(sessiondomain.CredentialPair{AccessToken: "at-1", RefreshToken: "rt-1"}))

	require.NoError(t, g.Do(context.Background(), http.MethodPost, api.PathLogin, api.LoginRequest{Identifier: "x"}, nil))
	assert.Empty(t, auth)
}

func TestDo_WithBearerOverridesStore(t *testing.T) {
	var auth string
	g, store := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get(api.HeaderAuthorization)
		writeData(w, http.StatusOK, nil)
	}))
	require.NoError(t, store.Write(sessiondomain.CredentialPair{AccessToken: "at-1", RefreshToken: "rt-1"}))

	require.NoError(t, g.Do(context.Background(), http.MethodPost, api.PathLogout, nil, nil, WithBearer("explicit")))
	assert.Equal(t, "Bearer explicit", auth)
}

func TestSend_RenewsOnceAndReplaysBody(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	g, store := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(raw))
		mu.Unlock()
		if r.Header.Get(api.HeaderAuthorization) != "Bearer at-2" {
			writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "token expired")
			return
		}
		writeData(w, http.StatusOK, map[string]string{"ok": "yes"})
	}))
	require.NoError(t, store.Write(sessiondomain.CredentialPair{AccessToken: "at-1", RefreshToken: "rt-1"}))
	r := &renewer{store: store, next: sessiondomain.CredentialPair{AccessToken: "at-2", RefreshToken: "rt-2"}}
	g.OnUnauthorized(r)

	var out map[string]string
	err := g.Do(context.Background(), http.MethodPost, api.DeviceTrustPath("d1"), map[string]int{"n": 1}, &out)
	require.NoError(t, err)

	assert.Equal(t, "yes", out["ok"])
	assert.EqualValues(t, 1, r.calls.Load())
	assert.Equal(t, []string{"at-1"}, r.stales)
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
}

func TestSend_SecondUnauthorizedIsTerminal(t *testing.T) {
	var hits atomic.Int32
	g, store := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "nope")
	}))
	require.NoError(t, store.Write(sessiondomain.CredentialPair{AccessToken: "at-1", RefreshToken: "rt-1"}))
	r := &renewer{store: store, next: sessiondomain.CredentialPair{AccessToken: "at-2", RefreshToken: "rt-2"}}
	g.OnUnauthorized(r)

	_, err := g.Send(context.Background(), http.MethodGet, api.PathMe, nil)

	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindUnauthorized, ge.Kind)
	assert.True(t, ge.Terminal)
	assert.EqualValues(t, 1, r.calls.Load())
	assert.EqualValues(t, 2, hits.Load())
}

func TestSend_RenewalFailurePropagates(t *testing.T) {
	g, store := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "expired")
	}))
	require.NoError(t, store.Write(sessiondomain.CredentialPair{AccessToken: "at-1", RefreshToken: "rt-1"}))
	expired := &Error{Kind: KindSessionExpired, Terminal: true, Message: "session expired"}
	g.OnUnauthorized(&renewer{store: store, err: expired})

	_, err := g.Send(context.Background(), http.MethodGet, api.PathMe, nil)
	assert.Same(t, expired, err)
	assert.Equal(t, KindSessionExpired, KindOf(err))
}

func TestSend_BootstrapUnauthorizedNotRenewed(t *testing.T) {
	g, store := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusUnauthorized, api.CodeInvalidCredentials, "bad password")
	}))
	r := &renewer{store: store}
	g.OnUnauthorized(r)

	for _, path := range api.BootstrapPaths {
		_, err := g.Send(context.Background(), http.MethodPost, path, map[string]string{})
		assert.Equal(t, KindUnauthorized, KindOf(err), path)
	}
	_, err := g.Send(context.Background(), http.MethodPost, "/v1/custom", nil, Bootstrap())
	assert.Equal(t, KindUnauthorized, KindOf(err))
	assert.Equal(t, api.CodeInvalidCredentials, CodeOf(err))
	assert.EqualValues(t, 0, r.calls.Load())
}

func TestSend_NoFaultHandlerIsTerminal(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "expired")
	}))
	_, err := g.Send(context.Background(), http.MethodGet, api.PathMe, nil)
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.True(t, ge.Terminal)
}

func TestSend_StatusKinds(t *testing.T) {
	testCases := []struct {
		status int
		want   Kind
	}{
		{http.StatusBadRequest, KindValidation},
		{http.StatusUnprocessableEntity, KindValidation},
		{http.StatusForbidden, KindForbidden},
		{http.StatusNotFound, KindNotFound},
		{http.StatusConflict, KindConflict},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindServer},
		{http.StatusBadGateway, KindServer},
	}
	for _, tc := range testCases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set(api.HeaderCorrelationID, "corr-1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(api.Envelope{Error: &api.ErrorBody{
					Code: "some_code", Message: "some message", Fields: map[string]string{"identifier": "required"},
				}})
			}))
			_, err := g.Send(context.Background(), http.MethodGet, api.PathDevices, nil)
			var ge *Error
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, tc.want, ge.Kind)
			assert.Equal(t, tc.status, ge.Status)
			assert.Equal(t, "some_code", ge.Code)
			assert.Equal(t, "some message", ge.Message)
			assert.Equal(t, "required", ge.Fields["identifier"])
			assert.Equal(t, "corr-1", ge.CorrelationID)
		})
	}
}

func TestSend_NonJSONErrorBody(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "<html>upstream down</html>", http.StatusServiceUnavailable)
	}))
	_, err := g.Send(context.Background(), http.MethodGet, api.PathDevices, nil)
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindServer, ge.Kind)
	assert.Equal(t, http.StatusText(http.StatusServiceUnavailable), ge.Message)
}

func TestDo_UndecodableSuccessIsProtocol(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("not json"))
	}))
	err := g.Do(context.Background(), http.MethodGet, api.PathMe, nil, &api.User{})
	assert.Equal(t, KindProtocol, KindOf(err))

	g2, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, "a string, not a user")
	}))
	err = g2.Do(context.Background(), http.MethodGet, api.PathMe, nil, &api.User{})
	assert.Equal(t, KindProtocol, KindOf(err))
}

func TestDo_NoContent(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	var out api.User
	require.NoError(t, g.Do(context.Background(), http.MethodDelete, api.DevicePath("d1"), nil, &out))
}

func TestSend_TimeoutIsNetworkKind(t *testing.T) {
	release := make(chan struct{})
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), WithRequestTimeout(50*time.Millisecond))
	defer close(release)

	_, err := g.Send(context.Background(), http.MethodGet, api.PathMe, nil)
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindNetwork, ge.Kind)
	assert.True(t, ge.Timeout)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSend_ConnectionRefusedIsNetworkKind(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g, err := New(url)
	require.NoError(t, err)
	_, err = g.Send(context.Background(), http.MethodGet, api.PathMe, nil)
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindNetwork, ge.Kind)
	assert.False(t, ge.Timeout)
}

func TestKindOf_NonGatewayError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}
