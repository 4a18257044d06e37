// Package refresh renews the credential pair with at most one renewal call in flight.
package refresh

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/api"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/gateway"
	sessiondomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/session/domain"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/telemetry"
	telemetrydomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/telemetry/domain"
)

const (
	defaultTimeout = 15 * time.Second
	flightKey      = "renew"
	meterName      = "nser.portal.session"
)

// ErrSessionExpired is returned to every waiter when renewal fails terminally.
// The stored credentials have been cleared and expiry listeners notified.
var ErrSessionExpired = &gateway.Error{
	Kind:     gateway.KindSessionExpired,
	Code:     "session_expired",
	Message:  "session expired",
	Terminal: true,
}

// Store is the token store surface the coordinator needs.
type Store interface {
	Read() (sessiondomain.CredentialPair, bool)
	Replace(expectedRefresh string, pair sessiondomain.CredentialPair) (bool, error)
	ClearIf(expectedRefresh string) (bool, error)
}

// Doer posts the renewal request.
type Doer interface {
	Do(ctx context.Context, method, path string, body, out any, opts ...gateway.RequestOption) error
}

// ExpiryListener is told that the session ended because renewal failed terminally.
// usedRefresh is the refresh token that was rejected, or "" when none was stored.
type ExpiryListener func(usedRefresh string)

// Coordinator implements gateway.FaultHandler.
type Coordinator struct {
	store   Store
	doer    Doer
	timeout time.Duration
	log     zerolog.Logger
	events  telemetry.EventEmitter
	group   singleflight.Group

	renewals metric.Int64Counter

	mu        sync.Mutex
	listeners map[int]ExpiryListener
	nextID    int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds the renewal call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithEventEmitter sets the lifecycle event sink.
func WithEventEmitter(e telemetry.EventEmitter) Option {
	return func(c *Coordinator) { c.events = e }
}

// WithMeterProvider sets the meter provider for the renewal counter. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Coordinator) {
		if mp != nil {
			c.renewals = newCounter(mp)
		}
	}
}

func newCounter(mp metric.MeterProvider) metric.Int64Counter {
	counter, err := mp.Meter(meterName).Int64Counter("portal.session.renewals",
		metric.WithDescription("Token renewal attempts by outcome"))
	if err != nil {
		return nil
	}
	return counter
}

// New returns a Coordinator that renews through doer and persists into store.
func New(store Store, doer Doer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		doer:      doer,
		timeout:   defaultTimeout,
		log:       zerolog.Nop(),
		events:    telemetry.Nop{},
		listeners: make(map[int]ExpiryListener),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.renewals == nil {
		c.renewals = newCounter(otel.GetMeterProvider())
	}
	return c
}

// OnExpired registers l and returns a function that removes it.
func (c *Coordinator) OnExpired(l ExpiryListener) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Renew returns a fresh credential pair. If the stored access token already differs from staleAccess,
// another renewal (or login) has completed and the stored pair is returned without a network call.
// Otherwise the caller joins the single in-flight renewal. The caller's ctx bounds only its wait;
// the renewal itself runs detached with its own timeout.
func (c *Coordinator) Renew(ctx context.Context, staleAccess string) (sessiondomain.CredentialPair, error) {
	if cur, ok := c.store.Read(); ok && cur.AccessToken != staleAccess {
		c.count(ctx, "already_renewed")
		return cur, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.renew(detached, staleAccess)
	})
	select {
	case <-ctx.Done():
		return sessiondomain.CredentialPair{}, &gateway.Error{
			Kind:    gateway.KindNetwork,
			Message: "renewal wait abandoned",
			Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     ctx.Err(),
		}
	case res := <-ch:
		if res.Err != nil {
			return sessiondomain.CredentialPair{}, res.Err
		}
		return res.Val.(sessiondomain.CredentialPair), nil
	}
}

func (c *Coordinator) renew(ctx context.Context, staleAccess string) (sessiondomain.CredentialPair, error) {
	cur, ok := c.store.Read()
	if ok && cur.AccessToken != staleAccess {
		c.count(ctx, "already_renewed")
		return cur, nil
	}
	if !ok {
		// A request that carried a token found the store already cleared: whoever cleared it ended the session.
		if staleAccess == "" {
			c.log.Info().Msg("refresh: no stored refresh token")
			c.expire(ctx, "")
		}
		return sessiondomain.CredentialPair{}, ErrSessionExpired
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var resp api.TokenResponse
	err := c.doer.Do(rctx, http.MethodPost, api.PathRefresh,
		api.RefreshRequest{RefreshToken: cur.RefreshToken}, &resp, gateway.Bootstrap())
	if err == nil && resp.AccessToken == "" {
		err = &gateway.Error{Kind: gateway.KindProtocol, Message: "renewal response carried no access token"}
	}
	if err != nil {
		if terminal(err) {
			c.log.Info().Str("kind", string(gateway.KindOf(err))).Str("code", gateway.CodeOf(err)).
				Msg("refresh: refresh token rejected")
			c.expireIf(ctx, cur.RefreshToken)
			return sessiondomain.CredentialPair{}, ErrSessionExpired
		}
		c.log.Warn().Err(err).Msg("refresh: transient renewal failure")
		c.count(ctx, "transient")
		telemetry.EmitAsync(c.events, ctx, &telemetrydomain.Event{
			Type:       telemetrydomain.EventTokenRenewalError,
			Attributes: map[string]string{"kind": string(gateway.KindOf(err))},
		})
		return sessiondomain.CredentialPair{}, err
	}

	next := resp.Pair()
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	replaced, err := c.store.Replace(cur.RefreshToken, next)
	if err != nil {
		c.log.Error().Err(err).Msg("refresh: persist renewed credentials failed")
		c.count(ctx, "transient")
		return sessiondomain.CredentialPair{}, err
	}
	if !replaced {
		// Logout or a new login replaced the pair while the renewal was in flight.
		c.log.Info().Msg("refresh: credentials changed during renewal; result discarded")
		c.count(ctx, "discarded")
		return sessiondomain.CredentialPair{}, ErrSessionExpired
	}
	c.count(ctx, "renewed")
	telemetry.EmitAsync(c.events, ctx, &telemetrydomain.Event{
		Type:       telemetrydomain.EventTokenRenewed,
		Attributes: map[string]string{"rotated": strconv.FormatBool(next.RefreshToken != cur.RefreshToken)},
	})
	return next, nil
}

// expireIf clears the pair only if it still holds usedRefresh, then notifies listeners.
func (c *Coordinator) expireIf(ctx context.Context, usedRefresh string) {
	cleared, err := c.store.ClearIf(usedRefresh)
	if err != nil {
		c.log.Error().Err(err).Msg("refresh: clear after rejected renewal failed")
	}
	if !cleared && err == nil {
		c.count(ctx, "discarded")
		return
	}
	c.expire(ctx, usedRefresh)
}

func (c *Coordinator) expire(ctx context.Context, usedRefresh string) {
	c.count(ctx, "expired")
	telemetry.EmitAsync(c.events, ctx, &telemetrydomain.Event{Type: telemetrydomain.EventSessionExpired})
	c.mu.Lock()
	listeners := make([]ExpiryListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l(usedRefresh)
	}
}

func (c *Coordinator) count(ctx context.Context, outcome string) {
	if c.renewals == nil {
		return
	}
	c.renewals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// terminal reports whether a renewal failure means the refresh token is unusable.
func terminal(err error) bool {
	switch gateway.KindOf(err) {
	case gateway.KindValidation, gateway.KindUnauthorized, gateway.KindForbidden,
		gateway.KindNotFound, gateway.KindSessionExpired:
		return true
	}
	return false
}
