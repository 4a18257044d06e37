// Package fakeidp is an in-memory identity API speaking the portal wire contract. It backs the
// end-to-end tests and local development (cmd/fakeidp); it is not a production identity provider.
package fakeidp

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/api"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/devotp"
	mfadomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/mfa/domain"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/security"
	userdomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/user/domain"
)

const (
	challengeTTL      = 5 * time.Minute
	maxVerifyAttempts = 5
	deviceTrustTTL    = 30 * 24 * time.Hour
)

// ErrDuplicateIdentifier is returned by AddUser when the identifier is already registered.
var ErrDuplicateIdentifier = errors.New("identifier already registered")

// UserSpec describes a seeded account.
type UserSpec struct {
	Identifier string // phone number or email used to log in
	Secret     string
	Name       string
	Email      string
	Phone      string
	Role       userdomain.Role
	// StepUp is the second factor demanded on untrusted devices: "", "sms", "email" or "totp".
	StepUp string
	// TOTPSecret is the base32 authenticator secret; required when StepUp is "totp".
	TOTPSecret string
}

type account struct {
	user       userdomain.User
	secretHash string
	stepUp     string
	totpSecret string
}

type device struct {
	id           string
	userID       string
	platform     string
	userAgent    string
	trustedUntil *time.Time
	lastActiveAt time.Time
}

func (d *device) trusted(now time.Time) bool {
	return d.trustedUntil != nil && now.Before(*d.trustedUntil)
}

type session struct {
	id            string
	userID        string
	deviceID      string
	ip            string
	refreshJTI    string
	refreshDigest string
	createdAt     time.Time
	lastSeenAt    time.Time
	expiresAt     time.Time
	revoked       bool
}

// Server holds all identity state in memory. It is safe for concurrent use.
type Server struct {
	tokens     *security.TokenIssuer
	hasher     *security.Hasher
	log        zerolog.Logger
	devCodes   *devotp.Store
	fixedCode  string
	rotate     bool
	nowF       func() time.Time
	handler    http.Handler

	mu           sync.Mutex
	accounts     map[string]*account // by normalized identifier
	usersByID    map[string]*account
	devices      map[string]*device
	sessions     map[string]*session
	challenges   map[string]*mfadomain.Challenge
	liveAccess   map[string]string // access jti -> session id
	refreshCalls int
	refreshFault int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithFixedCode makes every sms and email challenge use code, and accepts it for totp as well.
func WithFixedCode(code string) Option {
	return func(s *Server) { s.fixedCode = code }
}

// WithDevCodes records every delivered code in store and serves it on GET /dev/step-up/code.
func WithDevCodes(store *devotp.Store) Option {
	return func(s *Server) { s.devCodes = store }
}

// WithoutRotation makes token renewal return only an access token, keeping the refresh token.
func WithoutRotation() Option {
	return func(s *Server) { s.rotate = false }
}

// WithHasher sets the secret hasher. Tests pass a low bcrypt cost.
func WithHasher(h *security.Hasher) Option {
	return func(s *Server) { s.hasher = h }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.nowF = now }
}

// New returns a Server signing tokens with tokens.
func New(tokens *security.TokenIssuer, opts ...Option) *Server {
	s := &Server{
		tokens:     tokens,
		hasher:     security.NewHasher(0),
		log:        zerolog.Nop(),
		rotate:     true,
		nowF:       time.Now,
		accounts:   make(map[string]*account),
		usersByID:  make(map[string]*account),
		devices:    make(map[string]*device),
		sessions:   make(map[string]*session),
		challenges: make(map[string]*mfadomain.Challenge),
		liveAccess: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	tokens.SetClock(s.nowF)
	s.handler = otelhttp.NewHandler(s.routes(), "fakeidp")
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(echoCorrelationID)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/step-up/verify", s.handleVerify)
		r.Post("/auth/step-up/resend", s.handleResend)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)
		r.Post("/auth/password-reset", s.handlePasswordReset)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAccess)
			r.Get("/me", s.handleMe)
			r.Get("/devices", s.handleListDevices)
			r.Post("/devices/{id}/trust", s.handleTrustDevice)
			r.Delete("/devices/{id}", s.handleRevokeDevice)
			r.Get("/sessions", s.handleListSessions)
			r.Delete("/sessions/{id}", s.handleRevokeSession)
		})
	})
	if s.devCodes != nil {
		r.Get("/dev/step-up/code", s.handleDevCode)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func normalizeIdentifier(id string) string {
	id = strings.TrimSpace(id)
	if strings.Contains(id, "@") {
		return strings.ToLower(id)
	}
	return strings.ReplaceAll(id, " ", "")
}

// AddUser registers an account and returns its snapshot.
func (s *Server) AddUser(spec UserSpec) (userdomain.User, error) {
	key := normalizeIdentifier(spec.Identifier)
	if key == "" || spec.Secret == "" {
		return userdomain.User{}, errors.New("identifier and secret are required")
	}
	switch spec.StepUp {
	case "", "sms", "email":
	case "totp":
		if spec.TOTPSecret == "" {
			return userdomain.User{}, errors.New("totp step-up requires a TOTP secret")
		}
	default:
		return userdomain.User{}, errors.New("unknown step-up method " + spec.StepUp)
	}
	hash, err := s.hasher.Hash(spec.Secret)
	if err != nil {
		return userdomain.User{}, err
	}
	role := spec.Role
	if role == "" {
		role = userdomain.RoleCitizen
	}
	now := s.nowF().UTC()
	acc := &account{
		user: userdomain.User{
			ID:            uuid.NewString(),
			Identifier:    key,
			Name:          spec.Name,
			Email:         spec.Email,
			Phone:         spec.Phone,
			Role:          role,
			PhoneVerified: spec.Phone != "",
			EmailVerified: spec.Email != "",
			TOTPEnrolled:  spec.TOTPSecret != "",
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		secretHash: hash,
		stepUp:     spec.StepUp,
		totpSecret: spec.TOTPSecret,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[key]; ok {
		return userdomain.User{}, ErrDuplicateIdentifier
	}
	s.accounts[key] = acc
	s.usersByID[acc.user.ID] = acc
	return acc.user, nil
}

// ExpireAccessTokens invalidates every access token issued so far; refresh tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveAccess = make(map[string]string)
}

// RefreshCalls returns how many token renewal requests the server has received.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// FailRefresh makes renewal requests fail with status until called again with 0.
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFault = status
}

// SetRole changes a user's role; the next snapshot fetch reports it.
func (s *Server) SetRole(userID string, role userdomain.Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.usersByID[userID]
	if !ok {
		return false
	}
	acc.user.Role = role
	acc.user.UpdatedAt = s.nowF().UTC()
	return true
}

type principal struct {
	userID    string
	sessionID string
	deviceID  string
}

type principalKey struct{}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p
}

// requireAccess admits requests whose bearer token is signed, unexpired and still live.
func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearer(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "missing bearer token", nil)
			return
		}
		claims, err := s.tokens.ValidateAccess(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "access token invalid or expired", nil)
			return
		}
		s.mu.Lock()
		sid, live := s.liveAccess[claims.ID]
		sess := s.sessions[sid]
		if live && sess != nil && !sess.revoked {
			now := s.nowF().UTC()
			sess.lastSeenAt = now
			if d := s.devices[sess.deviceID]; d != nil {
				d.lastActiveAt = now
			}
		}
		s.mu.Unlock()
		if !live || sess == nil || sess.revoked {
			writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "access token invalid or expired", nil)
			return
		}
		p := principal{userID: claims.Subject, sessionID: sess.id, deviceID: sess.deviceID}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get(api.HeaderAuthorization)
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func echoCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(api.HeaderCorrelationID)
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}
		w.Header().Set(api.HeaderCorrelationID, id)
		next.ServeHTTP(w, r)
	})
}
