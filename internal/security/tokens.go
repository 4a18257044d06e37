// Package security issues and checks the credentials handed out by the fake identity API:
// signed JWT access and refresh tokens, bcrypt secrets and refresh token digests.
package security

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token is malformed, expired, or signed for someone else.
var ErrInvalidToken = errors.New("invalid token")

// AccessClaims are carried by access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	DeviceID  string `json:"did,omitempty"`
	Role      string `json:"role,omitempty"`
}

// RefreshClaims are carried by refresh tokens. The jti binds the token to one rotation step.
type RefreshClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	DeviceID  string `json:"did,omitempty"`
}

// Subject identifies who a token pair is issued to.
type Subject struct {
	UserID    string
	SessionID string
	DeviceID  string
	Role      string
}

// Token is a signed token with its id and expiry.
type Token struct {
	Value     string
	ID        string
	ExpiresAt time.Time
}

// TokenIssuer signs tokens with RS256 or ES256 and validates them with the matching public key.
type TokenIssuer struct {
	signer     crypto.Signer
	publicKey  crypto.PublicKey
	method     jwt.SigningMethod
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenIssuer returns an issuer for the given key pair. It fails for key types other than RSA and ECDSA.
func NewTokenIssuer(signer crypto.Signer, pub crypto.PublicKey, issuer, audience string, accessTTL, refreshTTL time.Duration) (*TokenIssuer, error) {
	alg := KeyAlg(signer.Public())
	if alg == "" || KeyAlg(pub) != alg {
		return nil, ErrInvalidKey
	}
	method := jwt.GetSigningMethod(alg)
	return &TokenIssuer{
		signer:     signer,
		publicKey:  pub,
		method:     method,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// SetClock replaces time.Now for issuance and validation.
func (i *TokenIssuer) SetClock(now func() time.Time) { i.now = now }

func (i *TokenIssuer) registered(userID string, ttl time.Duration) (jwt.RegisteredClaims, error) {
	jti, err := newJTI()
	if err != nil {
		return jwt.RegisteredClaims{}, err
	}
	now := i.now().UTC()
	return jwt.RegisteredClaims{
		ID:        jti,
		Subject:   userID,
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}, nil
}

// IssueAccess signs a short-lived access token for sub.
func (i *TokenIssuer) IssueAccess(sub Subject) (Token, error) {
	rc, err := i.registered(sub.UserID, i.accessTTL)
	if err != nil {
		return Token{}, err
	}
	return i.sign(&AccessClaims{RegisteredClaims: rc, SessionID: sub.SessionID, DeviceID: sub.DeviceID, Role: sub.Role})
}

// IssueRefresh signs a long-lived refresh token for sub.
func (i *TokenIssuer) IssueRefresh(sub Subject) (Token, error) {
	rc, err := i.registered(sub.UserID, i.refreshTTL)
	if err != nil {
		return Token{}, err
	}
	return i.sign(&RefreshClaims{RegisteredClaims: rc, SessionID: sub.SessionID, DeviceID: sub.DeviceID})
}

type claims interface {
	jwt.Claims
	registered() *jwt.RegisteredClaims
}

func (c *AccessClaims) registered() *jwt.RegisteredClaims  { return &c.RegisteredClaims }
func (c *RefreshClaims) registered() *jwt.RegisteredClaims { return &c.RegisteredClaims }

func (i *TokenIssuer) sign(c claims) (Token, error) {
	value, err := jwt.NewWithClaims(i.method, c).SignedString(i.signer)
	if err != nil {
		return Token{}, err
	}
	rc := c.registered()
	return Token{Value: value, ID: rc.ID, ExpiresAt: rc.ExpiresAt.Time}, nil
}

// ValidateAccess checks signature, expiry, issuer and audience and returns the claims.
func (i *TokenIssuer) ValidateAccess(token string) (*AccessClaims, error) {
	c := &AccessClaims{}
	if err := i.parse(token, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ValidateRefresh checks signature, expiry, issuer and audience and returns the claims.
func (i *TokenIssuer) ValidateRefresh(token string) (*RefreshClaims, error) {
	c := &RefreshClaims{}
	if err := i.parse(token, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (i *TokenIssuer) parse(token string, c claims) error {
	parsed, err := jwt.ParseWithClaims(token, c,
		func(*jwt.Token) (any, error) { return i.publicKey, nil },
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid || c.registered().ID == "" {
		return ErrInvalidToken
	}
	return nil
}

func newJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
