package fakeidp

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/api"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/mfa"
	mfadomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/mfa/domain"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/security"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	fields := map[string]string{}
	if strings.TrimSpace(req.Identifier) == "" {
		fields["identifier"] = "required"
	}
	if req.Secret == "" {
		fields["secret"] = "required"
	}
	if len(fields) > 0 {
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, "identifier and secret are required", fields)
		return
	}

	key := normalizeIdentifier(req.Identifier)
	s.mu.Lock()
	acc := s.accounts[key]
	s.mu.Unlock()
	// bcrypt runs outside the lock.
	if acc == nil || !s.hasher.Verify(acc.secretHash, req.Secret) {
		s.log.Info().Msg("fakeidp: login rejected")
		writeError(w, http.StatusUnauthorized, api.CodeInvalidCredentials, "identifier or secret is incorrect", nil)
		return
	}

	deviceID := r.Header.Get(api.HeaderDeviceID)
	dev := api.DeviceDescriptor{ID: deviceID}
	if req.Device != nil {
		dev = *req.Device
		if dev.ID == "" {
			dev.ID = deviceID
		}
	}

	now := s.nowF().UTC()
	s.mu.Lock()
	d := s.registerDeviceLocked(acc.user.ID, dev, now)
	if acc.stepUp == "" || d.trusted(now) {
		resp, err := s.openSessionLocked(acc, d, clientIP(r), now)
		s.mu.Unlock()
		if err != nil {
			writeError(w, http.StatusInternalServerError, api.CodeInternal, "issue tokens", nil)
			return
		}
		writeData(w, http.StatusOK, api.LoginResponse{TokenResponse: resp})
		return
	}
	ch, code, err := s.newChallengeLocked(acc, d.id, now)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, api.CodeInternal, "create challenge", nil)
		return
	}
	s.deliver(acc, code, ch.ExpiresAt)
	writeData(w, http.StatusOK, api.LoginResponse{StepUp: &api.StepUpChallenge{
		ChallengeID: ch.ID,
		Method:      ch.Method,
		Destination: ch.Destination,
		User:        api.UserFromDomain(&acc.user),
	}})
}

// registerDeviceLocked returns the user's record for the device, creating it on first sight.
// Requests without a device id get a server-minted one.
func (s *Server) registerDeviceLocked(userID string, desc api.DeviceDescriptor, now time.Time) *device {
	if d, ok := s.devices[desc.ID]; ok && desc.ID != "" && d.userID == userID {
		d.lastActiveAt = now
		return d
	}
	id := desc.ID
	if id == "" || s.devices[id] != nil {
		id = uuid.NewString()
	}
	d := &device{id: id, userID: userID, platform: desc.Platform, userAgent: desc.UserAgent, lastActiveAt: now}
	s.devices[id] = d
	return d
}

func (s *Server) newChallengeLocked(acc *account, deviceID string, now time.Time) (*mfadomain.Challenge, string, error) {
	ch := &mfadomain.Challenge{
		ID:        uuid.NewString(),
		UserID:    acc.user.ID,
		DeviceID:  deviceID,
		Method:    acc.stepUp,
		ExpiresAt: now.Add(challengeTTL),
		CreatedAt: now,
	}
	var code string
	if ch.Method != "totp" {
		var err error
		if code, err = s.nextCode(); err != nil {
			return nil, "", err
		}
		ch.CodeDigest = mfa.DigestCode(code)
		ch.Destination = mask(acc, ch.Method)
	}
	s.challenges[ch.ID] = ch
	return ch, code, nil
}

func (s *Server) nextCode() (string, error) {
	if s.fixedCode != "" {
		return s.fixedCode, nil
	}
	return mfa.GenerateCode()
}

// deliver stands in for the sms and email gateways. Codes are never logged.
func (s *Server) deliver(acc *account, code string, expiresAt time.Time) {
	if code == "" {
		return
	}
	s.log.Info().Str("user_id", acc.user.ID).Str("method", acc.stepUp).Msg("fakeidp: step-up code delivered")
	if s.devCodes != nil {
		s.devCodes.Put(acc.user.Identifier, code, expiresAt)
	}
}

func mask(acc *account, method string) string {
	target := acc.user.Phone
	if method == "email" {
		target = acc.user.Email
	}
	if target == "" {
		target = acc.user.Identifier
	}
	if at := strings.Index(target, "@"); at > 0 {
		return target[:1] + strings.Repeat("*", max(at-1, 1)) + target[at:]
	}
	if len(target) <= 4 {
		return strings.Repeat("*", len(target))
	}
	return strings.Repeat("*", len(target)-4) + target[len(target)-4:]
}

// openSessionLocked creates a session for acc on d and issues its first token pair.
func (s *Server) openSessionLocked(acc *account, d *device, ip string, now time.Time) (api.TokenResponse, error) {
	sess := &session{
		id:         uuid.NewString(),
		userID:     acc.user.ID,
		deviceID:   d.id,
		ip:         ip,
		createdAt:  now,
		lastSeenAt: now,
	}
	sub := security.Subject{UserID: acc.user.ID, SessionID: sess.id, DeviceID: d.id, Role: string(acc.user.Role)}
	refresh, err := s.tokens.IssueRefresh(sub)
	if err != nil {
		return api.TokenResponse{}, err
	}
	access, err := s.tokens.IssueAccess(sub)
	if err != nil {
		return api.TokenResponse{}, err
	}
	sess.refreshJTI = refresh.ID
	sess.refreshDigest = security.DigestToken(refresh.Value)
	sess.expiresAt = refresh.ExpiresAt
	s.sessions[sess.id] = sess
	s.liveAccess[access.ID] = sess.id

	lastLogin := now
	acc.user.LastLoginAt = &lastLogin
	return api.TokenResponse{
		AccessToken:  access.Value,
		RefreshToken: refresh.Value,
		ExpiresIn:    int64(access.ExpiresAt.Sub(now).Seconds()),
		User:         api.UserFromDomain(&acc.user),
	}, nil
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req api.StepUpVerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ChallengeID == "" || strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, "challenge_id and code are required",
			map[string]string{"code": "required"})
		return
	}

	now := s.nowF().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[req.ChallengeID]
	if !ok || ch.Expired(now) {
		delete(s.challenges, req.ChallengeID)
		writeError(w, http.StatusUnauthorized, api.CodeChallengeExpired, "challenge expired; log in again", nil)
		return
	}
	acc := s.usersByID[ch.UserID]
	if acc == nil || !s.codeValid(ch, acc, strings.TrimSpace(req.Code), now) {
		ch.Attempts++
		if ch.Attempts >= maxVerifyAttempts {
			delete(s.challenges, ch.ID)
			writeError(w, http.StatusUnauthorized, api.CodeChallengeExpired, "too many attempts; log in again", nil)
			return
		}
		writeError(w, http.StatusUnauthorized, api.CodeInvalidCode, "the code is incorrect", nil)
		return
	}
	delete(s.challenges, ch.ID)
	if s.devCodes != nil {
		s.devCodes.Forget(acc.user.Identifier)
	}

	d := s.devices[ch.DeviceID]
	if d == nil {
		d = s.registerDeviceLocked(acc.user.ID, api.DeviceDescriptor{ID: ch.DeviceID}, now)
	}
	until := now.Add(deviceTrustTTL)
	d.trustedUntil = &until

	resp, err := s.openSessionLocked(acc, d, clientIP(r), now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, api.CodeInternal, "issue tokens", nil)
		return
	}
	s.log.Info().Str("user_id", acc.user.ID).Msg("fakeidp: step-up verified")
	writeData(w, http.StatusOK, resp)
}

func (s *Server) codeValid(ch *mfadomain.Challenge, acc *account, code string, now time.Time) bool {
	if ch.Method == "totp" {
		if s.fixedCode != "" && code == s.fixedCode {
			return true
		}
		return mfa.ValidateTOTP(code, acc.totpSecret, now)
	}
	return mfa.CodeMatches(code, ch.CodeDigest)
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	var req api.StepUpResendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	now := s.nowF().UTC()
	s.mu.Lock()
	ch, ok := s.challenges[req.ChallengeID]
	if !ok || ch.Expired(now) {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, api.CodeChallengeExpired, "challenge expired; log in again", nil)
		return
	}
	if ch.Method == "totp" || (req.Method != "" && req.Method != ch.Method) {
		s.mu.Unlock()
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, "cannot resend for this method",
			map[string]string{"method": "invalid"})
		return
	}
	code, err := s.nextCode()
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, api.CodeInternal, "generate code", nil)
		return
	}
	ch.CodeDigest = mfa.DigestCode(code)
	ch.ExpiresAt = now.Add(challengeTTL)
	expiresAt := ch.ExpiresAt
	acc := s.usersByID[ch.UserID]
	s.mu.Unlock()

	if acc != nil {
		s.deliver(acc, code, expiresAt)
	}
	writeNoContent(w)
}

// handleRefresh rotates the refresh token. Presenting a refresh token that was already rotated away
// is treated as theft: every session of the user is revoked.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req api.RefreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCalls++
	if s.refreshFault != 0 {
		writeError(w, s.refreshFault, api.CodeInternal, http.StatusText(s.refreshFault), nil)
		return
	}

	claims, err := s.tokens.ValidateRefresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, api.CodeInvalidRefreshToken, "refresh token invalid or expired", nil)
		return
	}
	sess := s.sessions[claims.SessionID]
	if sess == nil || sess.revoked {
		writeError(w, http.StatusUnauthorized, api.CodeInvalidRefreshToken, "session revoked", nil)
		return
	}
	if sess.refreshJTI != claims.ID {
		s.revokeUserSessionsLocked(claims.Subject)
		s.log.Warn().Str("user_id", claims.Subject).Msg("fakeidp: refresh token reuse; all sessions revoked")
		writeError(w, http.StatusUnauthorized, api.CodeRefreshTokenReuse, "refresh token reuse detected", nil)
		return
	}
	if !security.TokenMatchesDigest(req.RefreshToken, sess.refreshDigest) {
		writeError(w, http.StatusUnauthorized, api.CodeInvalidRefreshToken, "refresh token invalid", nil)
		return
	}
	acc := s.usersByID[sess.userID]
	if acc == nil {
		writeError(w, http.StatusUnauthorized, api.CodeInvalidRefreshToken, "unknown user", nil)
		return
	}

	now := s.nowF().UTC()
	sess.lastSeenAt = now
	sub := security.Subject{UserID: sess.userID, SessionID: sess.id, DeviceID: sess.deviceID, Role: string(acc.user.Role)}
	access, err := s.tokens.IssueAccess(sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, api.CodeInternal, "issue tokens", nil)
		return
	}
	resp := api.TokenResponse{AccessToken: access.Value, ExpiresIn: int64(access.ExpiresAt.Sub(now).Seconds())}
	if s.rotate {
		refresh, err := s.tokens.IssueRefresh(sub)
		if err != nil {
			writeError(w, http.StatusInternalServerError, api.CodeInternal, "issue tokens", nil)
			return
		}
		sess.refreshJTI = refresh.ID
		sess.refreshDigest = security.DigestToken(refresh.Value)
		sess.expiresAt = refresh.ExpiresAt
		resp.RefreshToken = refresh.Value
	}
	s.liveAccess[access.ID] = sess.id
	writeData(w, http.StatusOK, resp)
}

// handleLogout revokes the session named by the refresh token, or by the bearer token when no
// refresh token is sent. It always succeeds.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req api.LogoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var sessionID, userID string
	if claims, err := s.tokens.ValidateRefresh(req.RefreshToken); err == nil {
		sessionID, userID = claims.SessionID, claims.Subject
	} else if token, ok := bearer(r); ok {
		if claims, err := s.tokens.ValidateAccess(token); err == nil {
			sessionID, userID = claims.SessionID, claims.Subject
		}
	}
	s.mu.Lock()
	switch {
	case userID != "" && req.AllDevices:
		s.revokeUserSessionsLocked(userID)
	case sessionID != "":
		s.revokeSessionLocked(sessionID)
	}
	s.mu.Unlock()
	writeNoContent(w)
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, "identifier is required",
			map[string]string{"identifier": "required"})
		return
	}
	// Same answer whether or not the account exists.
	writeData(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	s.mu.Lock()
	acc := s.usersByID[p.userID]
	var u *api.User
	if acc != nil {
		u = api.UserFromDomain(&acc.user)
	}
	s.mu.Unlock()
	if u == nil {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "user not found", nil)
		return
	}
	writeData(w, http.StatusOK, u)
}

func (s *Server) handleDevCode(w http.ResponseWriter, r *http.Request) {
	id := normalizeIdentifier(r.URL.Query().Get("identifier"))
	code, ok := s.devCodes.Latest(id)
	if !ok {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "no code pending for identifier", nil)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"code": code, "note": "DEV MODE ONLY"})
}

func (s *Server) revokeSessionLocked(id string) {
	sess := s.sessions[id]
	if sess == nil || sess.revoked {
		return
	}
	sess.revoked = true
	for jti, sid := range s.liveAccess {
		if sid == id {
			delete(s.liveAccess, jti)
		}
	}
}

func (s *Server) revokeUserSessionsLocked(userID string) {
	for id, sess := range s.sessions {
		if sess.userID == userID {
			s.revokeSessionLocked(id)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
