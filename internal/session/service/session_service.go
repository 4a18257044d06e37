// Package service holds the client session state machine: anonymous, awaiting_step_up, authenticated.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/api"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/gateway"
	sessiondomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/session/domain"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/telemetry"
	telemetrydomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/telemetry/domain"
	userdomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/user/domain"
)

// Sentinel errors for the session service.
var (
	ErrInvalidPhase   = errors.New("operation not valid in the current session phase")
	ErrStaleResult    = errors.New("session changed while the operation was in flight; result discarded")
	ErrStepUpRejected = errors.New("step-up code rejected")
)

const defaultLogoutTimeout = 5 * time.Second

// Reason says why the session changed.
type Reason string

const (
	ReasonLogin          Reason = "login"
	ReasonStepUpRequired Reason = "step_up_required"
	ReasonStepUpVerified Reason = "step_up_verified"
	ReasonCancelled      Reason = "cancelled"
	ReasonAborted        Reason = "aborted"
	ReasonLogout         Reason = "logout"
	ReasonExpired        Reason = "expired"
	ReasonRestored       Reason = "restored"
	ReasonRefreshed      Reason = "refreshed"
)

// Change is delivered to subscribers after every applied transition.
type Change struct {
	Session sessiondomain.Session
	Reason  Reason
}

// LoginOutcome reports how a successful login continues.
type LoginOutcome struct {
	StepUpRequired bool
	Method         sessiondomain.StepUpMethod // set when StepUpRequired
	Destination    string                     // masked delivery target, when the server gave one
	User           *userdomain.User
}

// TokenStore is the credential persistence the service needs.
type TokenStore interface {
	Read() (sessiondomain.CredentialPair, bool)
	Write(pair sessiondomain.CredentialPair) error
	Clear() error
	ClearIf(expectedRefresh string) (bool, error)
	EnsureDeviceID() (string, error)
	ReadDeviceID() string
}

// Doer issues API requests.
type Doer interface {
	Do(ctx context.Context, method, path string, body, out any, opts ...gateway.RequestOption) error
}

// SessionService owns the session snapshot. All transitions happen under mu; every operation
// captures the generation when it starts and applies its result only if it is unchanged.
type SessionService struct {
	store         TokenStore
	doer          Doer
	log           zerolog.Logger
	events        telemetry.EventEmitter
	logoutTimeout time.Duration
	platform      string
	userAgent     string

	mu          sync.Mutex
	gen         uint64
	episodes    uint64
	session     sessiondomain.Session
	challengeID string
	destination string

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

// Option configures a SessionService.
type Option func(*SessionService)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *SessionService) { s.log = l }
}

// WithEventEmitter sets the lifecycle event sink.
func WithEventEmitter(e telemetry.EventEmitter) Option {
	return func(s *SessionService) {
		if e != nil {
			s.events = e
		}
	}
}

// WithLogoutTimeout bounds the server logout notification.
func WithLogoutTimeout(d time.Duration) Option {
	return func(s *SessionService) {
		if d > 0 {
			s.logoutTimeout = d
		}
	}
}

// WithDevice sets the platform and user agent reported on login.
func WithDevice(platform, userAgent string) Option {
	return func(s *SessionService) {
		s.platform = platform
		s.userAgent = userAgent
	}
}

// NewSessionService returns a service in the anonymous phase.
func NewSessionService(store TokenStore, doer Doer, opts ...Option) *SessionService {
	s := &SessionService{
		store:         store,
		doer:          doer,
		log:           zerolog.Nop(),
		events:        telemetry.Nop{},
		logoutTimeout: defaultLogoutTimeout,
		session:       sessiondomain.Anonymous(),
		subs:          make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns a copy of the current session.
func (s *SessionService) Snapshot() sessiondomain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySession(s.session)
}

func copySession(sess sessiondomain.Session) sessiondomain.Session {
	sess.User = sess.User.Clone()
	return sess
}

// Subscribe registers fn for every applied transition and returns a function that removes it.
// fn runs on the goroutine that applied the transition, after the session lock is released.
func (s *SessionService) Subscribe(fn func(Change)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *SessionService) publish(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// transitionLocked installs next, bumps the generation and returns the change to publish.
func (s *SessionService) transitionLocked(next sessiondomain.Session, reason Reason) Change {
	s.gen++
	if next.Phase != sessiondomain.PhaseAwaitingStepUp {
		s.challengeID = ""
		s.destination = ""
	}
	s.session = next
	return Change{Session: copySession(next), Reason: reason}
}

func (s *SessionService) emit(ctx context.Context, t telemetrydomain.EventType, sess sessiondomain.Session, attrs map[string]string) {
	ev := &telemetrydomain.Event{
		Type:       t,
		DeviceID:   s.store.ReadDeviceID(),
		Phase:      string(sess.Phase),
		Attributes: attrs,
	}
	if sess.User != nil {
		ev.UserID = sess.User.ID
	}
	telemetry.EmitAsync(s.events, ctx, ev)
}

func validationError(field, msg string) error {
	return &gateway.Error{
		Kind:     gateway.KindValidation,
		Code:     api.CodeValidation,
		Message:  msg,
		Fields:   map[string]string{field: msg},
		Terminal: true,
	}
}

// Login authenticates with identifier and secret. Valid only from anonymous.
// The server either grants credentials (the session becomes authenticated) or asks for step-up
// (the session awaits a code and no credentials are stored).
func (s *SessionService) Login(ctx context.Context, identifier, secret string) (LoginOutcome, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return LoginOutcome{}, validationError("identifier", "identifier is required")
	}
	if secret == "" {
		return LoginOutcome{}, validationError("secret", "secret is required")
	}

	s.mu.Lock()
	if s.session.Phase != sessiondomain.PhaseAnonymous {
		s.mu.Unlock()
		return LoginOutcome{}, ErrInvalidPhase
	}
	gen := s.gen
	s.mu.Unlock()

	deviceID, err := s.store.EnsureDeviceID()
	if err != nil {
		s.log.Warn().Err(err).Msg("session: device id unavailable; logging in without one")
	}
	req := api.LoginRequest{
		Identifier: identifier,
		Secret:     secret,
		Device:     &api.DeviceDescriptor{ID: deviceID, Platform: s.platform, UserAgent: s.userAgent},
	}
	var resp api.LoginResponse
	if err := s.doer.Do(ctx, http.MethodPost, api.PathLogin, req, &resp, gateway.Bootstrap()); err != nil {
		s.emit(ctx, telemetrydomain.EventLoginFailed, sessiondomain.Anonymous(),
			map[string]string{"kind": string(gateway.KindOf(err))})
		return LoginOutcome{}, err
	}

	if ch := resp.StepUp; ch != nil {
		return s.beginStepUp(ctx, gen, identifier, ch)
	}

	pair := resp.Pair()
	if !pair.Complete() {
		return LoginOutcome{}, &gateway.Error{Kind: gateway.KindProtocol, Message: "login response carried neither credentials nor a step-up challenge", Terminal: true}
	}
	user, err := s.authenticate(ctx, gen, pair, resp.User.ToDomain(), ReasonLogin)
	if err != nil {
		return LoginOutcome{}, err
	}
	return LoginOutcome{User: user}, nil
}

func (s *SessionService) beginStepUp(ctx context.Context, gen uint64, identifier string, ch *api.StepUpChallenge) (LoginOutcome, error) {
	method := sessiondomain.StepUpMethod(ch.Method)
	if !method.Valid() || ch.ChallengeID == "" {
		return LoginOutcome{}, &gateway.Error{Kind: gateway.KindProtocol, Message: "invalid step-up challenge", Terminal: true}
	}
	user := ch.User.ToDomain()
	if user == nil {
		// Provisional until verification returns the real snapshot.
		user = &userdomain.User{Identifier: identifier}
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return LoginOutcome{}, ErrStaleResult
	}
	s.episodes++
	change := s.transitionLocked(sessiondomain.Session{
		Phase:               sessiondomain.PhaseAwaitingStepUp,
		User:                user,
		PendingStepUpMethod: method,
		Episode:             s.episodes,
	}, ReasonStepUpRequired)
	s.challengeID = ch.ChallengeID
	s.destination = ch.Destination
	s.mu.Unlock()

	s.publish(change)
	s.emit(ctx, telemetrydomain.EventStepUpRequired, change.Session, map[string]string{"method": string(method)})
	return LoginOutcome{StepUpRequired: true, Method: method, Destination: ch.Destination, User: user.Clone()}, nil
}

// authenticate persists pair, fetches the user snapshot and moves to authenticated.
// embedded is used when the snapshot fetch fails; without either the pair is discarded.
func (s *SessionService) authenticate(ctx context.Context, gen uint64, pair sessiondomain.CredentialPair, embedded *userdomain.User, reason Reason) (*userdomain.User, error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil, ErrStaleResult
	}
	if err := s.store.Write(pair); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("session: persist credentials: %w", err)
	}
	s.gen++
	gen = s.gen
	s.mu.Unlock()

	user, err := s.fetchUser(ctx)
	if err != nil {
		if gateway.KindOf(err) == gateway.KindSessionExpired {
			return nil, err
		}
		if embedded == nil || embedded.Validate() != nil {
			if !s.abort(ctx, gen) {
				s.discard(pair)
				return nil, ErrStaleResult
			}
			return nil, err
		}
		s.log.Warn().Err(err).Msg("session: user snapshot unavailable; using login response")
		user = embedded
	}

	s.mu.Lock()
	if s.gen != gen {
		s.discardLocked(pair)
		s.mu.Unlock()
		return nil, ErrStaleResult
	}
	change := s.transitionLocked(sessiondomain.Session{Phase: sessiondomain.PhaseAuthenticated, User: user}, reason)
	s.mu.Unlock()

	s.publish(change)
	evType := telemetrydomain.EventLoginSucceeded
	if reason == ReasonStepUpVerified {
		evType = telemetrydomain.EventStepUpVerified
	}
	s.emit(ctx, evType, change.Session, nil)
	return user.Clone(), nil
}

// discard removes pair from the store if it is still the stored pair. A cancel, logout or new
// login that ran while the user snapshot was fetched leaves the written pair orphaned.
func (s *SessionService) discard(pair sessiondomain.CredentialPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardLocked(pair)
}

func (s *SessionService) discardLocked(pair sessiondomain.CredentialPair) {
	if _, err := s.store.ClearIf(pair.RefreshToken); err != nil {
		s.log.Error().Err(err).Msg("session: clear credentials of a discarded authentication")
	}
}

// abort discards credentials written by an authentication that could not complete.
// It reports false, leaving the store alone, when the session moved on meanwhile.
func (s *SessionService) abort(ctx context.Context, gen uint64) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	if err := s.store.Clear(); err != nil {
		s.log.Error().Err(err).Msg("session: clear after failed authentication")
	}
	wasAnonymous := s.session.Phase == sessiondomain.PhaseAnonymous
	change := s.transitionLocked(sessiondomain.Anonymous(), ReasonAborted)
	s.mu.Unlock()
	if !wasAnonymous {
		s.publish(change)
	}
	return true
}

func (s *SessionService) fetchUser(ctx context.Context) (*userdomain.User, error) {
	var u api.User
	if err := s.doer.Do(ctx, http.MethodGet, api.PathMe, nil, &u); err != nil {
		return nil, err
	}
	user := u.ToDomain()
	if err := user.Validate(); err != nil {
		return nil, &gateway.Error{Kind: gateway.KindProtocol, Message: err.Error(), Terminal: true}
	}
	return user, nil
}

// SubmitStepUp verifies code against the pending challenge. Valid only from awaiting_step_up.
// A rejected code leaves the session awaiting step-up and returns an error wrapping ErrStepUpRejected.
func (s *SessionService) SubmitStepUp(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return validationError("code", "code is required")
	}

	s.mu.Lock()
	if s.session.Phase != sessiondomain.PhaseAwaitingStepUp {
		s.mu.Unlock()
		return ErrInvalidPhase
	}
	gen, challengeID, sess := s.gen, s.challengeID, copySession(s.session)
	s.mu.Unlock()

	var resp api.TokenResponse
	err := s.doer.Do(ctx, http.MethodPost, api.PathStepUpVerify,
		api.StepUpVerifyRequest{ChallengeID: challengeID, Code: code}, &resp, gateway.Bootstrap())
	if err != nil {
		if s.stale(gen) {
			return ErrStaleResult
		}
		if rejected(err) {
			s.emit(ctx, telemetrydomain.EventStepUpRejected, sess, map[string]string{"code": gateway.CodeOf(err)})
			return fmt.Errorf("%w: %w", ErrStepUpRejected, err)
		}
		return err
	}
	pair := resp.Pair()
	if !pair.Complete() {
		return &gateway.Error{Kind: gateway.KindProtocol, Message: "verification response carried no credentials", Terminal: true}
	}
	_, err = s.authenticate(ctx, gen, pair, resp.User.ToDomain(), ReasonStepUpVerified)
	return err
}

func rejected(err error) bool {
	switch gateway.CodeOf(err) {
	case api.CodeInvalidCode, api.CodeChallengeExpired:
		return true
	}
	switch gateway.KindOf(err) {
	case gateway.KindUnauthorized, gateway.KindValidation:
		return true
	}
	return false
}

func (s *SessionService) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

// ResendStepUp asks the server to deliver a new code for the pending challenge.
func (s *SessionService) ResendStepUp(ctx context.Context) error {
	s.mu.Lock()
	if s.session.Phase != sessiondomain.PhaseAwaitingStepUp {
		s.mu.Unlock()
		return ErrInvalidPhase
	}
	gen, challengeID, sess := s.gen, s.challengeID, copySession(s.session)
	s.mu.Unlock()

	err := s.doer.Do(ctx, http.MethodPost, api.PathStepUpResend,
		api.StepUpResendRequest{ChallengeID: challengeID, Method: string(sess.PendingStepUpMethod)}, nil, gateway.Bootstrap())
	if s.stale(gen) {
		return ErrStaleResult
	}
	if err != nil {
		return err
	}
	s.emit(ctx, telemetrydomain.EventStepUpCodeResent, sess, map[string]string{"method": string(sess.PendingStepUpMethod)})
	return nil
}

// CancelStepUp drops the pending challenge and returns to anonymous.
func (s *SessionService) CancelStepUp() error {
	s.mu.Lock()
	if s.session.Phase != sessiondomain.PhaseAwaitingStepUp {
		s.mu.Unlock()
		return ErrInvalidPhase
	}
	change := s.transitionLocked(sessiondomain.Anonymous(), ReasonCancelled)
	s.mu.Unlock()

	s.publish(change)
	s.emit(context.Background(), telemetrydomain.EventStepUpCancelled, change.Session, nil)
	return nil
}

// Logout notifies the server (best effort, bounded by the logout timeout), then clears local
// credentials and returns to anonymous whatever the server said. Valid from any phase.
func (s *SessionService) Logout(ctx context.Context, allDevices bool) {
	if pair, ok := s.store.Read(); ok {
		lctx, cancel := context.WithTimeout(ctx, s.logoutTimeout)
		err := s.doer.Do(lctx, http.MethodPost, api.PathLogout,
			api.LogoutRequest{RefreshToken: pair.RefreshToken, AllDevices: allDevices}, nil,
			gateway.Bootstrap(), gateway.WithBearer(pair.AccessToken))
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Msg("session: server logout failed; clearing locally")
		}
	}

	s.mu.Lock()
	if err := s.store.Clear(); err != nil {
		s.log.Error().Err(err).Msg("session: clear credentials on logout")
	}
	prev := copySession(s.session)
	change := s.transitionLocked(sessiondomain.Anonymous(), ReasonLogout)
	s.mu.Unlock()

	s.publish(change)
	s.emit(ctx, telemetrydomain.EventLogout, prev, map[string]string{"all_devices": strconv.FormatBool(allDevices)})
}

// RefreshUserSnapshot re-fetches the user and replaces the snapshot wholesale. Valid only from authenticated.
func (s *SessionService) RefreshUserSnapshot(ctx context.Context) (*userdomain.User, error) {
	s.mu.Lock()
	if s.session.Phase != sessiondomain.PhaseAuthenticated {
		s.mu.Unlock()
		return nil, ErrInvalidPhase
	}
	gen := s.gen
	s.mu.Unlock()

	user, err := s.fetchUser(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil, ErrStaleResult
	}
	s.session = sessiondomain.Session{Phase: sessiondomain.PhaseAuthenticated, User: user}
	change := Change{Session: copySession(s.session), Reason: ReasonRefreshed}
	s.mu.Unlock()

	s.publish(change)
	s.emit(ctx, telemetrydomain.EventUserRefreshed, change.Session, nil)
	return user.Clone(), nil
}

// Restore rehydrates the session at startup. A complete stored pair is validated by fetching the
// user snapshot; a partial pair is cleared. Step-up is never resumed.
func (s *SessionService) Restore(ctx context.Context) error {
	if _, err := s.store.EnsureDeviceID(); err != nil {
		s.log.Warn().Err(err).Msg("session: device id unavailable")
	}

	s.mu.Lock()
	if s.session.Phase != sessiondomain.PhaseAnonymous {
		s.mu.Unlock()
		return ErrInvalidPhase
	}
	gen := s.gen
	s.mu.Unlock()

	if _, ok := s.store.Read(); !ok {
		if err := s.store.Clear(); err != nil {
			s.log.Warn().Err(err).Msg("session: clear partial credentials")
		}
		return nil
	}

	user, err := s.fetchUser(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrStaleResult
	}
	change := s.transitionLocked(sessiondomain.Session{Phase: sessiondomain.PhaseAuthenticated, User: user}, ReasonRestored)
	s.mu.Unlock()

	s.publish(change)
	s.emit(ctx, telemetrydomain.EventSessionRestored, change.Session, nil)
	return nil
}

// HandleExpired forces the session to anonymous after a terminal renewal failure.
// usedRefresh is the rejected refresh token ("" when none was stored); an awaiting_step_up
// session holds no credentials, so an expiry without a token leaves it alone.
func (s *SessionService) HandleExpired(usedRefresh string) {
	s.mu.Lock()
	if usedRefresh == "" && s.session.Phase == sessiondomain.PhaseAwaitingStepUp {
		s.mu.Unlock()
		return
	}
	prev := copySession(s.session)
	change := s.transitionLocked(sessiondomain.Anonymous(), ReasonExpired)
	s.mu.Unlock()

	if prev.Phase == sessiondomain.PhaseAnonymous {
		return
	}
	s.log.Info().Str("phase", string(prev.Phase)).Msg("session: expired")
	s.publish(change)
}
