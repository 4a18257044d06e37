package fakeidp

import (
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/api"
)

// pathID returns the decoded {id} segment. chi matches on the raw path, so an escaped id
// arrives still escaped.
func pathID(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	id, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return id
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	now := s.nowF().UTC()
	s.mu.Lock()
	out := make([]api.Device, 0)
	for _, d := range s.devices {
		if d.userID != p.userID {
			continue
		}
		lastActive := d.lastActiveAt
		var until *time.Time
		if d.trustedUntil != nil {
			t := *d.trustedUntil
			until = &t
		}
		out = append(out, api.Device{
			ID:           d.id,
			Name:         d.userAgent,
			Platform:     d.platform,
			Trusted:      d.trusted(now),
			TrustedUntil: until,
			LastActiveAt: &lastActive,
			IsCurrent:    d.id == p.deviceID,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeData(w, http.StatusOK, api.DeviceList{Devices: out})
}

func (s *Server) handleTrustDevice(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := pathID(r)
	now := s.nowF().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[id]
	if d == nil || d.userID != p.userID {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "device not found", nil)
		return
	}
	until := now.Add(deviceTrustTTL)
	d.trustedUntil = &until
	writeNoContent(w)
}

// handleRevokeDevice removes a device and revokes its sessions. It refuses the calling device.
func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[id]
	if d == nil || d.userID != p.userID {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "device not found", nil)
		return
	}
	if id == p.deviceID {
		writeError(w, http.StatusConflict, "current_device", "use logout to end the current device's session", nil)
		return
	}
	for sid, sess := range s.sessions {
		if sess.deviceID == id {
			s.revokeSessionLocked(sid)
		}
	}
	delete(s.devices, id)
	writeNoContent(w)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	now := s.nowF().UTC()
	s.mu.Lock()
	out := make([]api.Session, 0)
	for _, sess := range s.sessions {
		if sess.userID != p.userID || sess.revoked || !now.Before(sess.expiresAt) {
			continue
		}
		lastSeen := sess.lastSeenAt
		out = append(out, api.Session{
			ID:         sess.id,
			DeviceID:   sess.deviceID,
			IPAddress:  sess.ip,
			CreatedAt:  sess.createdAt,
			LastSeenAt: &lastSeen,
			ExpiresAt:  sess.expiresAt,
			IsCurrent:  sess.id == p.sessionID,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeData(w, http.StatusOK, api.SessionList{Sessions: out})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	if sess == nil || sess.userID != p.userID || sess.revoked {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "session not found", nil)
		return
	}
	if id == p.sessionID {
		writeError(w, http.StatusConflict, "current_session", "use logout to end the current session", nil)
		return
	}
	s.revokeSessionLocked(id)
	writeNoContent(w)
}
