package api

import (
	"errors"
	"net/http"

	"github.com/npezzotti/go-dealroom/internal/admission"
	"github.com/npezzotti/go-dealroom/internal/database"
	"github.com/npezzotti/go-dealroom/internal/identity"
	"github.com/npezzotti/go-dealroom/internal/presence"
	"github.com/npezzotti/go-dealroom/internal/stats"
	"github.com/npezzotti/go-dealroom/internal/token"
	"github.com/npezzotti/go-dealroom/internal/types"
)

// accessToken decodes the {token} path value, enforces the pin query
// parameter and makes sure the room still exists.
func (s *RoomApp) accessToken(r *http.Request) (token.AccessToken, *ApiError) {
	tok, err := s.codec.Decode(r.PathValue("token"))
	if err != nil {
		s.stats.Incr(stats.TokenRejections)
		reason, _ := types.ReasonOf(err)
		s.log.Printf("[%s] access token rejected: %s", RequestId(r.Context()), reason)
		return tok, rejectionError(err, admission.Decision{}, false)
	}

	if err := tok.CheckPin(r.URL.Query().Get("pin")); err != nil {
		return tok, rejectionError(err, admission.Decision{}, false)
	}

	if _, err := s.db.GetRoom(r.Context(), tok.RoomID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return tok, NewDeadLinkError()
		}
		return tok, NewInternalServerError(err)
	}

	return tok, nil
}

func (s *RoomApp) previewJoin(w http.ResponseWriter, r *http.Request) {
	tok, errResp := s.accessToken(r)
	if errResp != nil {
		s.writeError(w, r, errResp)
		return
	}

	id, err := s.ids.ResolveIdentity(r.Context(), r.Cookies())
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	d, err := s.ids.CanJoinRoom(r.Context(), tok.RoomID, tok.Role, id)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}
	if !d.CanJoin {
		s.writeError(w, r, rejectionError(d.Err(), d, false))
		return
	}

	opaque, err := s.codec.EncodeRoomID(tok.RoomID)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, PreviewResponse{
		RoomId:      opaque,
		Role:        tok.Role,
		RequiresPin: tok.RequiresPin(),
		ExpiresAt:   s.codec.ExpiresAt(tok),
		Decision:    d.View(),
	})
}

func (s *RoomApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	tok, errResp := s.accessToken(r)
	if errResp != nil {
		s.writeError(w, r, errResp)
		return
	}

	var req JoinRequest
	if err := readJson(r, &req); err != nil {
		s.writeError(w, r, NewBadRequestError())
		return
	}

	id, err := s.callerIdentity(w, r, true)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	resp, errResp := s.join(w, r, identity.JoinParams{
		RoomID:      tok.RoomID,
		Role:        tok.Role,
		Identity:    id,
		DisplayName: req.DisplayName,
		Phone:       req.Phone,
		UserAgent:   r.UserAgent(),
	})
	if errResp != nil {
		s.writeError(w, r, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, resp)
}

// join admits the caller and sets its session cookie. A role switch also
// drops the cookies and connections of the session it replaced.
func (s *RoomApp) join(w http.ResponseWriter, r *http.Request, p identity.JoinParams) (*JoinResponse, *ApiError) {
	res, err := s.ids.Join(r.Context(), p)
	if err != nil {
		d := admission.Decision{}
		if res != nil {
			d = res.Decision
		}
		return nil, rejectionError(err, d, true)
	}

	opaque, err := s.codec.EncodeRoomID(p.RoomID)
	if err != nil {
		return nil, NewInternalServerError(err)
	}

	if prev := res.Previous; prev != nil {
		s.clearSessionCookies(w, *prev)
		s.hub.Kick(prev.RoomId, prev.Id, presence.ReasonSwitched)
	}
	s.setSessionCookie(w, res.Session)
	s.log.Printf("[%s] room %d: %s as %s", RequestId(r.Context()), p.RoomID, res.Decision.Action, res.Session.Role)

	return &JoinResponse{
		RoomId:   opaque,
		Session:  res.Session.View(),
		Decision: res.Decision.View(),
	}, nil
}

// callerSession finds the caller's active session in the {rid} room.
func (s *RoomApp) callerSession(w http.ResponseWriter, r *http.Request, roomRef string) (database.RoomUser, *ApiError) {
	roomId, ok := s.roomRef(roomRef)
	if !ok {
		return database.RoomUser{}, NewNotFoundError()
	}

	id, err := s.callerIdentity(w, r, false)
	if err != nil {
		return database.RoomUser{}, NewInternalServerError(err)
	}

	u, err := s.ids.SessionForRoom(r.Context(), roomId, id, r.Cookies())
	if err != nil {
		return database.RoomUser{}, rejectionError(err, admission.Decision{}, false)
	}

	return u, nil
}

func (s *RoomApp) switchRole(w http.ResponseWriter, r *http.Request) {
	var req SwitchRoleRequest
	if err := readJson(r, &req); err != nil {
		s.writeError(w, r, NewBadRequestError())
		return
	}

	role, ok := types.ParseRole(req.Role)
	if !ok {
		s.writeError(w, r, NewBadRequestError())
		return
	}

	current, errResp := s.callerSession(w, r, r.PathValue("rid"))
	if errResp != nil {
		s.writeError(w, r, errResp)
		return
	}

	switched, err := s.ids.SwitchRole(r.Context(), current, role)
	if err != nil {
		d := admission.Decision{}
		if errors.Is(err, types.ErrRoleUnavailable) {
			if o, oerr := s.ids.Occupancy(r.Context(), current.RoomId); oerr == nil {
				d = admission.Decide(o, role, []types.Role{current.Role})
			}
		}
		s.writeError(w, r, rejectionError(err, d, true))
		return
	}

	if switched.Id != current.Id {
		s.clearSessionCookies(w, current)
		s.hub.Kick(current.RoomId, current.Id, presence.ReasonSwitched)
	}
	s.setSessionCookie(w, switched)

	opaque, err := s.codec.EncodeRoomID(switched.RoomId)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, JoinResponse{
		RoomId:  opaque,
		Session: switched.View(),
		Decision: admission.Decision{
			CanJoin: true,
			Action:  admission.ActionSwitchRole,
		}.View(),
	})
}

func (s *RoomApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	current, errResp := s.callerSession(w, r, r.PathValue("rid"))
	if errResp != nil {
		s.writeError(w, r, errResp)
		return
	}

	if err := s.ids.Leave(r.Context(), current); err != nil {
		s.writeError(w, r, rejectionError(err, admission.Decision{}, false))
		return
	}

	s.clearSessionCookies(w, current)
	s.hub.Kick(current.RoomId, current.Id, presence.ReasonLeft)
	s.log.Printf("[%s] room %d: %s left", RequestId(r.Context()), current.RoomId, current.Role)

	w.WriteHeader(http.StatusNoContent)
}

func (s *RoomApp) migrateSessions(w http.ResponseWriter, r *http.Request) {
	id, err := s.ids.ResolveIdentity(r.Context(), r.Cookies())
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	resp := MigrateResponse{Migrated: []types.Session{}}
	for _, c := range identity.LegacySessionCookies(r.Cookies()) {
		res, err := s.ids.MigrateLegacySession(r.Context(), c.Value, id)
		if err != nil {
			if _, ok := types.ReasonOf(err); !ok {
				s.writeError(w, r, NewInternalServerError(err))
				return
			}
			resp.Skipped++
			continue
		}

		if id == "" {
			s.setIdentityCookie(w, res.Identity)
		}
		id = res.Identity

		expired := s.newCookie(c.Name, "", 0)
		expired.MaxAge = -1
		http.SetCookie(w, expired)
		s.setSessionCookie(w, res.Session)

		resp.Migrated = append(resp.Migrated, res.Session.View())
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *RoomApp) servePresence(w http.ResponseWriter, r *http.Request) {
	current, errResp := s.callerSession(w, r, r.URL.Query().Get("room"))
	if errResp != nil {
		s.writeError(w, r, errResp)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	s.hub.Serve(conn, current)
}
