package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/api"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/gateway"
)

type fakeRegistry struct {
	mu       sync.Mutex
	requests []string
	devices  []api.Device
	sessions []api.Session
}

func (f *fakeRegistry) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.EscapedPath())
	f.mu.Unlock()

	write := func(status int, env api.Envelope) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(env)
	}
	data := func(v any) api.Envelope {
		raw, _ := json.Marshal(v)
		return api.Envelope{Data: raw}
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == api.PathDevices:
		write(http.StatusOK, data(api.DeviceList{Devices: f.devices}))
	case r.Method == http.MethodGet && r.URL.Path == api.PathSessions:
		write(http.StatusOK, data(api.SessionList{Sessions: f.sessions}))
	case r.URL.Path == api.DeviceTrustPath("missing"), r.URL.Path == api.DevicePath("missing"):
		write(http.StatusNotFound, api.Envelope{Error: &api.ErrorBody{Code: api.CodeNotFound, Message: "device not found"}})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type staticDeviceID string

func (s staticDeviceID) ReadDeviceID() string { return string(s) }

func newClient(t *testing.T, local string) (*Client, *fakeRegistry) {
	t.Helper()
	fake := &fakeRegistry{
		devices: []api.Device{
			{ID: "dev-laptop", Name: "Laptop", Platform: "linux", Trusted: true, IsCurrent: true},
			{ID: "dev-phone", Name: "Phone", Platform: "android"},
		},
		sessions: []api.Session{
			{ID: "sess-1", DeviceID: "dev-laptop", IsCurrent: true},
			{ID: "sess-2", DeviceID: "dev-phone"},
		},
	}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	gw, err := gateway.New(srv.URL)
	require.NoError(t, err)
	var ids DeviceIDReader
	if local != "" {
		ids = staticDeviceID(local)
	}
	return New(gw, ids, zerolog.Nop()), fake
}

func TestListDevices(t *testing.T) {
	c, _ := newClient(t, "")
	devices, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.True(t, devices[0].Current)
	assert.True(t, devices[0].Trusted)
	assert.Equal(t, "Phone", devices[1].Name)
}

func TestTrust(t *testing.T) {
	c, fake := newClient(t, "")
	require.NoError(t, c.Trust(context.Background(), "dev-phone"))
	assert.Equal(t, []string{"POST /v1/devices/dev-phone/trust"}, fake.seen())

	err := c.Trust(context.Background(), "missing")
	assert.Equal(t, gateway.KindNotFound, gateway.KindOf(err))
}

func TestRevoke_CurrentDeviceRefusedLocally(t *testing.T) {
	t.Run("local device id", func(t *testing.T) {
		c, fake := newClient(t, "dev-local")
		assert.ErrorIs(t, c.Revoke(context.Background(), "dev-local"), ErrCurrentDevice)
		assert.Empty(t, fake.seen())
	})
	t.Run("flagged current in listing", func(t *testing.T) {
		c, fake := newClient(t, "")
		_, err := c.ListDevices(context.Background())
		require.NoError(t, err)
		assert.ErrorIs(t, c.Revoke(context.Background(), "dev-laptop"), ErrCurrentDevice)
		assert.Equal(t, []string{"GET /v1/devices"}, fake.seen())
	})
}

func TestRevoke_OtherDevice(t *testing.T) {
	c, fake := newClient(t, "dev-laptop")
	require.NoError(t, c.Revoke(context.Background(), "dev-phone"))
	assert.Equal(t, []string{"DELETE /v1/devices/dev-phone"}, fake.seen())
}

func TestIDsAreSentAsOneSegment(t *testing.T) {
	c, fake := newClient(t, "dev-laptop")
	ctx := context.Background()

	require.NoError(t, c.Revoke(ctx, "dev-laptop?x=1"))
	require.NoError(t, c.Revoke(ctx, "dev-laptop/trust"))
	require.NoError(t, c.Trust(ctx, "dev#phone"))
	require.NoError(t, c.RevokeSession(ctx, "sess-1?all=true"))

	assert.Equal(t, []string{
		"DELETE /v1/devices/dev-laptop%3Fx=1",
		"DELETE /v1/devices/dev-laptop%2Ftrust",
		"POST /v1/devices/dev%23phone/trust",
		"DELETE /v1/sessions/sess-1%3Fall=true",
	}, fake.seen())
}

func TestEmptyIDsAreValidationErrors(t *testing.T) {
	c, fake := newClient(t, "")
	ctx := context.Background()
	for name, err := range map[string]error{
		"trust":          c.Trust(ctx, ""),
		"revoke":         c.Revoke(ctx, "  "),
		"revoke session": c.RevokeSession(ctx, ""),
	} {
		assert.Equal(t, gateway.KindValidation, gateway.KindOf(err), name)
	}
	assert.Empty(t, fake.seen())
}

func TestSessions(t *testing.T) {
	c, fake := newClient(t, "")
	ctx := context.Background()

	sessions, err := c.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "dev-phone", sessions[1].DeviceID)

	assert.ErrorIs(t, c.RevokeSession(ctx, "sess-1"), ErrCurrentSession)
	require.NoError(t, c.RevokeSession(ctx, "sess-2"))
	assert.Equal(t, []string{"GET /v1/sessions", "DELETE /v1/sessions/sess-2"}, fake.seen())
}
