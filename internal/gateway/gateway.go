// Package gateway is the single HTTP path between the session core and the identity API.
// It decorates requests, renews the access token once on 401, and normalizes every failure into *Error.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/api"
	sessiondomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/session/domain"
)

const defaultTimeout = 15 * time.Second

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 4 << 20

// FaultHandler renews credentials after a 401. staleAccess is the access token the failed attempt carried.
type FaultHandler interface {
	Renew(ctx context.Context, staleAccess string) (sessiondomain.CredentialPair, error)
}

// Response is a successful (2xx) response with the envelope's data member.
type Response struct {
	Status        int
	Header        http.Header
	Data          json.RawMessage
	CorrelationID string
}

// Gateway issues requests against one API base URL.
type Gateway struct {
	base       *url.URL
	client     *http.Client
	decorators []Decorator
	timeout    time.Duration
	bootstrap  map[string]struct{}
	log        zerolog.Logger

	mu    sync.RWMutex
	fault FaultHandler
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDecorators appends request decorators in order.
func WithDecorators(d ...Decorator) Option {
	return func(g *Gateway) { g.decorators = append(g.decorators, d...) }
}

// WithRequestTimeout bounds every attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithTransport sets the base round tripper; it is wrapped with otelhttp.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) { g.client = &http.Client{Transport: otelhttp.NewTransport(rt)} }
}

// WithBootstrapPaths replaces the set of paths that never trigger renewal.
func WithBootstrapPaths(paths ...string) Option {
	return func(g *Gateway) {
		g.bootstrap = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			g.bootstrap[p] = struct{}{}
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// New returns a Gateway for baseURL, which must be absolute.
func New(baseURL string, opts ...Option) (*Gateway, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gateway: base URL %q must be absolute", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	g := &Gateway{
		base:    u,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout: defaultTimeout,
		log:     zerolog.Nop(),
	}
	WithBootstrapPaths(api.BootstrapPaths...)(g)
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// OnUnauthorized installs the fault handler invoked on 401. There is exactly one; a later call replaces it.
func (g *Gateway) OnUnauthorized(h FaultHandler) {
	g.mu.Lock()
	g.fault = h
	g.mu.Unlock()
}

func (g *Gateway) faultHandler() FaultHandler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.fault
}

// RequestOption adjusts one call.
type RequestOption func(*call)

type call struct {
	bootstrap bool
	bearer    string
	header    http.Header
	timeout   time.Duration
}

// Bootstrap marks the call as authentication bootstrap: a 401 is returned as is, never renewed.
func Bootstrap() RequestOption {
	return func(c *call) { c.bootstrap = true }
}

// WithBearer sends token as the credential instead of the stored access token.
func WithBearer(token string) RequestOption {
	return func(c *call) { c.bearer = token }
}

// WithHeader sets an extra request header.
func WithHeader(key, value string) RequestOption {
	return func(c *call) { c.header.Set(key, value) }
}

// WithTimeout overrides the per-attempt timeout for this call.
func WithTimeout(d time.Duration) RequestOption {
	return func(c *call) { c.timeout = d }
}

// Do sends the request and decodes the envelope's data member into out (which may be nil).
func (g *Gateway) Do(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	resp, err := g.Send(ctx, method, path, body, opts...)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return protocolError(resp.Status, resp.CorrelationID, err)
	}
	return nil
}

// Send issues the request. On 401 for a non-bootstrap call it asks the fault handler to renew
// and re-issues the request exactly once. The body is marshalled once and replayed.
func (g *Gateway) Send(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	c := &call{header: make(http.Header), timeout: g.timeout}
	for _, opt := range opts {
		opt(c)
	}
	if _, ok := g.bootstrap[path]; ok {
		c.bootstrap = true
	}
	if c.bootstrap {
		ctx = withBootstrap(ctx)
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, &Error{Kind: KindValidation, Message: "request body not encodable", Terminal: true, Err: err}
		}
	}

	resp, sentAccess, err := g.attempt(ctx, method, path, payload, c)
	if err == nil || c.bootstrap || KindOf(err) != KindUnauthorized {
		return resp, err
	}

	fault := g.faultHandler()
	if fault == nil {
		markTerminal(err)
		return nil, err
	}
	if _, rerr := fault.Renew(ctx, sentAccess); rerr != nil {
		return nil, rerr
	}
	// A fresh attempt re-reads the stored credential through the decorators.
	c.header.Set(api.HeaderCorrelationID, correlationOf(err))
	resp, _, err = g.attempt(ctx, method, path, payload, c)
	if KindOf(err) == KindUnauthorized {
		markTerminal(err)
	}
	return resp, err
}

func markTerminal(err error) {
	var ge *Error
	if errors.As(err, &ge) {
		ge.Terminal = true
	}
}

func correlationOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.CorrelationID
	}
	return ""
}

// attempt performs one round trip and returns the access token it carried.
func (g *Gateway) attempt(ctx context.Context, method, path string, payload []byte, c *call) (*Response, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.base.String()+path, reader)
	if err != nil {
		return nil, "", &Error{Kind: KindValidation, Message: "invalid request", Terminal: true, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range c.header {
		for _, v := range vs {
			if v != "" {
				req.Header.Add(k, v)
			}
		}
	}
	if c.bearer != "" {
		req.Header.Set(api.HeaderAuthorization, "Bearer "+c.bearer)
	}
	for _, d := range g.decorators {
		if err := d(req); err != nil {
			return nil, "", &Error{Kind: KindValidation, Message: "request decoration failed", Terminal: true, Err: err}
		}
	}
	sentAccess := strings.TrimPrefix(req.Header.Get(api.HeaderAuthorization), "Bearer ")
	correlationID := req.Header.Get(api.HeaderCorrelationID)

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		g.log.Debug().Err(err).Str("method", method).Str("path", path).
			Str("correlation_id", correlationID).Dur("elapsed", time.Since(start)).Msg("request failed")
		return nil, sentAccess, networkError(err, correlationID)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, sentAccess, networkError(err, correlationID)
	}
	if id := resp.Header.Get(api.HeaderCorrelationID); id != "" {
		correlationID = id
	}
	g.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Str("correlation_id", correlationID).Dur("elapsed", time.Since(start)).Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, sentAccess, parseFailure(resp.StatusCode, raw, correlationID)
	}
	out := &Response{Status: resp.StatusCode, Header: resp.Header, CorrelationID: correlationID}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, sentAccess, nil
	}
	var env api.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, sentAccess, protocolError(resp.StatusCode, correlationID, err)
	}
	out.Data = env.Data
	return out, sentAccess, nil
}

func networkError(err error, correlationID string) *Error {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		timeout = true
	}
	msg := "network failure"
	if timeout {
		msg = "request timed out"
	}
	return &Error{Kind: KindNetwork, Message: msg, CorrelationID: correlationID, Timeout: timeout, Err: err}
}
