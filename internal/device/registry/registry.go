// Package registry lists and manages the user's devices and sessions on the identity API.
// It never patches local copies: after a command the caller re-lists.
package registry

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/api"
	devicedomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/device/domain"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/gateway"
)

var (
	ErrCurrentDevice  = errors.New("the current device cannot be revoked; log out instead")
	ErrCurrentSession = errors.New("the current session cannot be revoked; log out instead")
)

// Doer issues API requests.
type Doer interface {
	Do(ctx context.Context, method, path string, body, out any, opts ...gateway.RequestOption) error
}

// DeviceIDReader returns the locally persisted device identifier.
type DeviceIDReader interface {
	ReadDeviceID() string
}

// Client is the device and session registry client.
type Client struct {
	doer   Doer
	device DeviceIDReader
	log    zerolog.Logger

	mu             sync.Mutex
	currentDevice  string // id flagged current in the last device listing
	currentSession string // id flagged current in the last session listing
}

// New returns a Client. device may be nil when no local identifier exists.
func New(doer Doer, device DeviceIDReader, log zerolog.Logger) *Client {
	return &Client{doer: doer, device: device, log: log}
}

// ListDevices returns the user's devices as the server reports them.
func (c *Client) ListDevices(ctx context.Context) ([]devicedomain.Device, error) {
	var resp api.DeviceList
	if err := c.doer.Do(ctx, http.MethodGet, api.PathDevices, nil, &resp); err != nil {
		return nil, err
	}
	devices := make([]devicedomain.Device, 0, len(resp.Devices))
	current := ""
	for _, d := range resp.Devices {
		dev := d.ToDomain()
		if dev.Current {
			current = dev.ID
		}
		devices = append(devices, dev)
	}
	c.mu.Lock()
	c.currentDevice = current
	c.mu.Unlock()
	return devices, nil
}

// Trust marks a device as trusted, skipping step-up on its next logins.
func (c *Client) Trust(ctx context.Context, id string) error {
	id, err := requireID("device_id", id)
	if err != nil {
		return err
	}
	return c.doer.Do(ctx, http.MethodPost, api.DeviceTrustPath(id), nil, nil)
}

// Revoke removes a device and ends its sessions. The current device is refused without a request.
func (c *Client) Revoke(ctx context.Context, id string) error {
	id, err := requireID("device_id", id)
	if err != nil {
		return err
	}
	if c.isCurrentDevice(id) {
		return ErrCurrentDevice
	}
	if err := c.doer.Do(ctx, http.MethodDelete, api.DevicePath(id), nil, nil); err != nil {
		return err
	}
	c.log.Info().Str("device_id", id).Msg("registry: device revoked")
	return nil
}

func (c *Client) isCurrentDevice(id string) bool {
	if c.device != nil && c.device.ReadDeviceID() == id {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentDevice != "" && c.currentDevice == id
}

// ListSessions returns the user's active sessions.
func (c *Client) ListSessions(ctx context.Context) ([]devicedomain.SessionRecord, error) {
	var resp api.SessionList
	if err := c.doer.Do(ctx, http.MethodGet, api.PathSessions, nil, &resp); err != nil {
		return nil, err
	}
	sessions := make([]devicedomain.SessionRecord, 0, len(resp.Sessions))
	current := ""
	for _, s := range resp.Sessions {
		rec := s.ToDomain()
		if rec.Current {
			current = rec.ID
		}
		sessions = append(sessions, rec)
	}
	c.mu.Lock()
	c.currentSession = current
	c.mu.Unlock()
	return sessions, nil
}

// RevokeSession ends one session. The current session is refused without a request.
func (c *Client) RevokeSession(ctx context.Context, id string) error {
	id, err := requireID("session_id", id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	current := c.currentSession
	c.mu.Unlock()
	if current != "" && current == id {
		return ErrCurrentSession
	}
	if err := c.doer.Do(ctx, http.MethodDelete, api.SessionPath(id), nil, nil); err != nil {
		return err
	}
	c.log.Info().Str("session_id", id).Msg("registry: session revoked")
	return nil
}

func requireID(field, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", &gateway.Error{
			Kind:     gateway.KindValidation,
			Code:     api.CodeValidation,
			Message:  field + " is required",
			Fields:   map[string]string{field: "required"},
			Terminal: true,
		}
	}
	return id, nil
}
