// Package tokenstore persists the credential pair and the device identifier for one client profile.
package tokenstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	sessiondomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/session/domain"
)

// Storage keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyDeviceID     = "device_id"
)

const defaultOpTimeout = 5 * time.Second

// ErrPartialPair is returned by Write when either token is empty.
var ErrPartialPair = errors.New("tokenstore: credential pair must carry both tokens")

// Backend is the key/value persistence behind a Store. Missing keys are absent from the Load result.
// Save must apply all entries atomically.
type Backend interface {
	Load(ctx context.Context, keys []string) (map[string]string, error)
	Save(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, keys []string) error
}

// Store serializes all access to the credential pair and the device identifier.
// Absence is a normal value: reads never fail, backend read errors are logged and reported as absent.
type Store struct {
	mu        sync.Mutex
	backend   Backend
	log       zerolog.Logger
	opTimeout time.Duration
	newID     func() string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for backend failures.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithOpTimeout bounds each backend call.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// New returns a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		log:       zerolog.Nop(),
		opTimeout: defaultOpTimeout,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opTimeout)
}

// Read returns the stored pair. A partial pair is reported as absent.
func (s *Store) Read() (sessiondomain.CredentialPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() (sessiondomain.CredentialPair, bool) {
	ctx, cancel := s.ctx()
	defer cancel()
	vals, err := s.backend.Load(ctx, []string{KeyAccessToken, KeyRefreshToken})
	if err != nil {
		s.log.Warn().Err(err).Msg("tokenstore: read credentials failed")
		return sessiondomain.CredentialPair{}, false
	}
	pair := sessiondomain.CredentialPair{AccessToken: vals[KeyAccessToken], RefreshToken: vals[KeyRefreshToken]}
	if !pair.Complete() {
		return sessiondomain.CredentialPair{}, false
	}
	return pair, true
}

// Write replaces both tokens in one batch.
func (s *Store) Write(pair sessiondomain.CredentialPair) error {
	if !pair.Complete() {
		return ErrPartialPair
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(pair)
}

func (s *Store) writeLocked(pair sessiondomain.CredentialPair) error {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.backend.Save(ctx, map[string]string{
		KeyAccessToken:  pair.AccessToken,
		KeyRefreshToken: pair.RefreshToken,
	})
}

// Clear removes both tokens. It is idempotent and never removes the device identifier.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

func (s *Store) clearLocked() error {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.backend.Delete(ctx, []string{KeyAccessToken, KeyRefreshToken})
}

// Replace writes pair only if the stored refresh token still equals expectedRefresh.
// It reports whether the write happened.
func (s *Store) Replace(expectedRefresh string, pair sessiondomain.CredentialPair) (bool, error) {
	if !pair.Complete() {
		return false, ErrPartialPair
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.readLocked()
	if !ok || cur.RefreshToken != expectedRefresh {
		return false, nil
	}
	if err := s.writeLocked(pair); err != nil {
		return false, err
	}
	return true, nil
}

// ClearIf clears the pair only if the stored refresh token still equals expectedRefresh.
func (s *Store) ClearIf(expectedRefresh string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.readLocked()
	if !ok || cur.RefreshToken != expectedRefresh {
		return false, nil
	}
	if err := s.clearLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// ReadDeviceID returns the stored device identifier or "".
func (s *Store) ReadDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := s.loadDeviceIDLocked()
	return id
}

func (s *Store) loadDeviceIDLocked() (string, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	vals, err := s.backend.Load(ctx, []string{KeyDeviceID})
	if err != nil {
		s.log.Warn().Err(err).Msg("tokenstore: read device id failed")
		return "", err
	}
	return vals[KeyDeviceID], nil
}

// EnsureDeviceID returns the stored device identifier, minting and persisting a UUIDv4 only when none exists.
func (s *Store) EnsureDeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.loadDeviceIDLocked()
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = s.newID()
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.backend.Save(ctx, map[string]string{KeyDeviceID: id}); err != nil {
		return "", err
	}
	s.log.Info().Str("device_id", id).Msg("tokenstore: minted device id")
	return id, nil
}
