// Package stepup drives one step-up verification episode: verify, resend with a cooldown, cancel.
package stepup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/api"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/gateway"
	sessiondomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/session/domain"
	sessionservice "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/session/service"
)

// DefaultCooldown is the resend window used when none is configured.
const DefaultCooldown = 30 * time.Second

var (
	// ErrCooldownActive is matched by every *CooldownError.
	ErrCooldownActive    = errors.New("resend cooldown active")
	ErrResendInFlight    = errors.New("a resend is already in flight")
	ErrResendUnsupported = errors.New("resend is not available for authenticator-app codes")
)

// CooldownError reports how long until resend is allowed again.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry in %ds", ErrCooldownActive, seconds(e.Remaining))
}

func (e *CooldownError) Is(target error) bool { return target == ErrCooldownActive }

// Session is the part of the session service the flow drives.
type Session interface {
	Snapshot() sessiondomain.Session
	SubmitStepUp(ctx context.Context, code string) error
	ResendStepUp(ctx context.Context) error
	CancelStepUp() error
}

// Flow gates resend with a fixed cooldown that starts after each successful resend.
// Cooldown state belongs to one episode; a new episode starts without one.
type Flow struct {
	session  Session
	cooldown time.Duration
	nowF     func() time.Time

	mu       sync.Mutex
	episode  uint64
	until    time.Time
	inFlight bool
}

// Option configures a Flow.
type Option func(*Flow)

// WithCooldown sets the resend window.
func WithCooldown(d time.Duration) Option {
	return func(f *Flow) {
		if d > 0 {
			f.cooldown = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.nowF = now }
}

// New returns a Flow over session.
func New(session Session, opts ...Option) *Flow {
	f := &Flow{session: session, cooldown: DefaultCooldown, nowF: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// syncLocked drops cooldown state that belongs to an earlier episode.
func (f *Flow) syncLocked(episode uint64) {
	if episode == f.episode {
		return
	}
	f.episode = episode
	f.until = time.Time{}
	f.inFlight = false
}

// Method returns the episode's step-up method, or "" outside step-up.
func (f *Flow) Method() sessiondomain.StepUpMethod {
	sess := f.session.Snapshot()
	if !sess.AwaitingStepUp() {
		return ""
	}
	return sess.PendingStepUpMethod
}

// Remaining returns the time left before resend is allowed; 0 when allowed or outside step-up.
func (f *Flow) Remaining() time.Duration {
	sess := f.session.Snapshot()
	if !sess.AwaitingStepUp() {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncLocked(sess.Episode)
	return f.remainingLocked()
}

// RemainingSeconds is Remaining rounded up to whole seconds, the unit the cooldown is shown in.
func (f *Flow) RemainingSeconds() int {
	return seconds(f.Remaining())
}

func (f *Flow) remainingLocked() time.Duration {
	if rem := f.until.Sub(f.nowF()); rem > 0 {
		return rem
	}
	return 0
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// Resend requests a new code. It is rejected locally, without a network call, while the
// cooldown runs, while another resend is in flight, and for totp.
func (f *Flow) Resend(ctx context.Context) error {
	sess := f.session.Snapshot()
	if !sess.AwaitingStepUp() {
		return sessionservice.ErrInvalidPhase
	}
	if sess.PendingStepUpMethod == sessiondomain.StepUpTOTP {
		return ErrResendUnsupported
	}

	f.mu.Lock()
	f.syncLocked(sess.Episode)
	if rem := f.remainingLocked(); rem > 0 {
		f.mu.Unlock()
		return &CooldownError{Remaining: rem}
	}
	if f.inFlight {
		f.mu.Unlock()
		return ErrResendInFlight
	}
	f.inFlight = true
	episode := f.episode
	f.mu.Unlock()

	err := f.session.ResendStepUp(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.episode != episode {
		return err
	}
	f.inFlight = false
	if err == nil {
		f.until = f.nowF().Add(f.cooldown)
	}
	return err
}

// Verify submits code for the pending challenge.
func (f *Flow) Verify(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return &gateway.Error{
			Kind:     gateway.KindValidation,
			Code:     api.CodeValidation,
			Message:  "code is required",
			Fields:   map[string]string{"code": "required"},
			Terminal: true,
		}
	}
	return f.session.SubmitStepUp(ctx, code)
}

// Cancel abandons the episode.
func (f *Flow) Cancel() error {
	return f.session.CancelStepUp()
}
