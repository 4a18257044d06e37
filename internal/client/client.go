// Package client assembles the session core from configuration: token store, gateway, refresh
// coordinator, session state machine, step-up flow, registry client and access guard. One Client is
// created per process (or per profile) and passed by reference to whatever needs the session.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/access"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/config"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/device/registry"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/gateway"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/logging"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/refresh"
	sessionservice "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/session/service"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/stepup"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/telemetry"
	telemetryotel "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/telemetry/otel"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/tokenstore"
)

// Client is the assembled session core.
type Client struct {
	Store    *tokenstore.Store
	Gateway  *gateway.Gateway
	Refresh  *refresh.Coordinator
	Session  *sessionservice.SessionService
	StepUp   *stepup.Flow
	Registry *registry.Client
	Access   *access.Guard

	log          zerolog.Logger
	storeCloser  io.Closer
	shutdown     func(context.Context) error
	cancelExpiry func()
}

type options struct {
	log       *zerolog.Logger
	transport http.RoundTripper
	events    telemetry.EventEmitter
	meters    metric.MeterProvider
}

// Option overrides a collaborator that is otherwise built from configuration.
type Option func(*options)

// WithLogger sets the root logger instead of building one from LOG_LEVEL and LOG_FORMAT.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = &l }
}

// WithTransport sets the HTTP transport under the gateway's instrumentation.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithEventEmitter replaces the OpenTelemetry event emitter.
func WithEventEmitter(e telemetry.EventEmitter) Option {
	return func(o *options) { o.events = e }
}

// WithMeterProvider replaces the meter provider used for the renewal counter.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meters = mp }
}

// New builds a Client from cfg. The session starts anonymous; call Session.Restore to resume a
// persisted session.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client: config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, nil)
	if o.log != nil {
		log = *o.log
	}

	c := &Client{log: log, shutdown: func(context.Context) error { return nil }}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	if o.events == nil || o.meters == nil {
		providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Settings{
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
			ServiceName: cfg.ServiceName,
			Environment: cfg.Env,
			Profile:     cfg.ProfileID,
		})
		if err != nil {
			return nil, fmt.Errorf("client: telemetry: %w", err)
		}
		c.shutdown = providers.Shutdown
		if o.events == nil {
			o.events = telemetryotel.NewEventEmitter(providers.LoggerProvider)
		}
		if o.meters == nil {
			o.meters = providers.MeterProvider
		}
	}

	store, closer, err := tokenstore.Open(ctx, cfg.TokenStoreDriver, cfg.TokenStoreDSN, cfg.ProfileID,
		tokenstore.WithLogger(logging.Component(log, "tokenstore")))
	if err != nil {
		return nil, err
	}
	c.Store, c.storeCloser = store, closer
	if _, err := store.EnsureDeviceID(); err != nil {
		return nil, fmt.Errorf("client: device id: %w", err)
	}

	gwOpts := []gateway.Option{
		gateway.WithDecorators(
			gateway.BearerToken(store),
			gateway.DeviceID(store),
			gateway.CorrelationID(),
			gateway.UserAgent(cfg.UserAgent),
		),
		gateway.WithRequestTimeout(cfg.RequestTimeoutDuration()),
		gateway.WithLogger(logging.Component(log, "gateway")),
	}
	if o.transport != nil {
		gwOpts = append(gwOpts, gateway.WithTransport(o.transport))
	}
	gw, err := gateway.New(cfg.APIBaseURL, gwOpts...)
	if err != nil {
		return nil, err
	}
	c.Gateway = gw

	c.Refresh = refresh.New(store, gw,
		refresh.WithTimeout(cfg.RenewalTimeoutDuration()),
		refresh.WithLogger(logging.Component(log, "refresh")),
		refresh.WithEventEmitter(o.events),
		refresh.WithMeterProvider(o.meters),
	)
	gw.OnUnauthorized(c.Refresh)

	c.Session = sessionservice.NewSessionService(store, gw,
		sessionservice.WithLogger(logging.Component(log, "session")),
		sessionservice.WithEventEmitter(o.events),
		sessionservice.WithLogoutTimeout(cfg.LogoutTimeoutDuration()),
		sessionservice.WithDevice(runtime.GOOS, cfg.UserAgent),
	)
	c.cancelExpiry = c.Refresh.OnExpired(c.Session.HandleExpired)

	c.StepUp = stepup.New(c.Session, stepup.WithCooldown(cfg.ResendCooldown()))
	c.Registry = registry.New(gw, store, logging.Component(log, "registry"))

	guard, err := access.NewGuard(ctx)
	if err != nil {
		return nil, err
	}
	c.Access = guard

	ok = true
	return c, nil
}

// Can reports whether the current session may open surface. Outside an authenticated session
// nothing is allowed.
func (c *Client) Can(surface access.Surface) bool {
	snap := c.Session.Snapshot()
	if !snap.Authenticated() {
		return false
	}
	return c.Access.Can(snap.User.Role, surface)
}

// Close releases the token store and flushes telemetry. The stored session is kept.
func (c *Client) Close(ctx context.Context) error {
	if c.cancelExpiry != nil {
		c.cancelExpiry()
	}
	var errs []error
	if c.storeCloser != nil {
		if err := c.storeCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close token store: %w", err))
		}
	}
	if c.shutdown != nil {
		if err := c.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
