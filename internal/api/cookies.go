package api

import (
	"net"
	"net/http"
	"time"

	"github.com/npezzotti/go-dealroom/internal/database"
	"github.com/npezzotti/go-dealroom/internal/identity"
	"github.com/npezzotti/go-dealroom/internal/types"
)

const (
	identityCookieMaxAge = 365 * 24 * time.Hour
	sessionCookieMaxAge  = 30 * 24 * time.Hour
)

func (s *RoomApp) newCookie(name, value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *RoomApp) setIdentityCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, s.newCookie(identity.IdentityCookieName, id, identityCookieMaxAge))
}

func (s *RoomApp) setSessionCookie(w http.ResponseWriter, u database.RoomUser) {
	http.SetCookie(w, s.newCookie(s.sessionCookieName(u.RoomId, u.Role, u.UserIdentifier), u.SessionToken, sessionCookieMaxAge))
}

// clearSessionCookies expires both cookie names a session may live under.
func (s *RoomApp) clearSessionCookies(w http.ResponseWriter, u database.RoomUser) {
	names := []string{identity.LegacyCookieName(u.RoomId, u.Role)}
	if identity.IsIdentity(u.UserIdentifier) {
		names = append(names, s.ids.CookieName(u.RoomId, u.Role, u.UserIdentifier))
	}

	for _, name := range names {
		c := s.newCookie(name, "", 0)
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (s *RoomApp) sessionCookieName(roomId int64, role types.Role, id string) string {
	if identity.IsIdentity(id) {
		return s.ids.CookieName(roomId, role, id)
	}
	return identity.LegacyCookieName(roomId, role)
}

// callerIdentity resolves the caller's identity from its cookies. When mint
// is set and none is found a new one is issued. The identity cookie is
// (re)written whenever the caller did not send it.
func (s *RoomApp) callerIdentity(w http.ResponseWriter, r *http.Request, mint bool) (string, error) {
	id, err := s.ids.ResolveIdentity(r.Context(), r.Cookies())
	if err != nil {
		return "", err
	}

	if id == "" {
		if !mint {
			return "", nil
		}
		if id, err = s.ids.MintIdentity(); err != nil {
			return "", err
		}
	}

	if c, err := r.Cookie(identity.IdentityCookieName); err != nil || c.Value != id {
		s.setIdentityCookie(w, id)
	}

	return id, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
