package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/npezzotti/go-dealroom/internal/database"
	"github.com/npezzotti/go-dealroom/internal/presence"
	"github.com/npezzotti/go-dealroom/internal/stats"
	"github.com/npezzotti/go-dealroom/internal/types"
)

type CreateLinkRequest struct {
	Role string `json:"role"`
	Pin  string `json:"pin,omitempty"`
}

type JoinRequest struct {
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone,omitempty"`
}

type SwitchRoleRequest struct {
	Role string `json:"role"`
}

type CreateInvitationRequest struct {
	Email    string `json:"email"`
	Role     string `json:"role"`
	TTLHours int    `json:"ttl_hours,omitempty"`
}

type RedeemRequest struct {
	Pin         string `json:"pin"`
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone,omitempty"`
}

type JoinResponse struct {
	RoomId     string            `json:"room_id"`
	Session    types.Session     `json:"session"`
	Decision   types.Decision    `json:"decision"`
	Invitation *types.Invitation `json:"invitation,omitempty"`
}

type PreviewResponse struct {
	RoomId      string         `json:"room_id"`
	Role        types.Role     `json:"role"`
	RequiresPin bool           `json:"requires_pin"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Decision    types.Decision `json:"decision"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

type MigrateResponse struct {
	Migrated []types.Session `json:"migrated"`
	Skipped  int             `json:"skipped"`
}

func (s *RoomApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *RoomApp) writeError(w http.ResponseWriter, r *http.Request, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Printf("[%s] %s %s: %v", RequestId(r.Context()), r.Method, r.URL.Path, errResp)
	}
	if errResp.UnlockAt != nil {
		secs := math.Ceil(time.Until(*errResp.UnlockAt).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(max(int(secs), 1)))
	}

	s.writeJson(w, errResp.StatusCode, errResp)
}

// readJson decodes an optional JSON body into v.
func readJson(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}

	err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// roomRef resolves the {rid} path value, accepting an opaque room id or a
// plain numeric one.
func (s *RoomApp) roomRef(raw string) (int64, bool) {
	return s.codec.DecodeRoomID(raw)
}

func (s *RoomApp) roomView(room database.Room, o database.Occupancy, sessions []database.RoomUser) (types.Room, error) {
	opaque, err := s.codec.EncodeRoomID(room.Id)
	if err != nil {
		return types.Room{}, err
	}

	v := types.Room{
		Id:        room.Id,
		OpaqueId:  opaque,
		Status:    room.Status,
		HasBuyer:  o.HasBuyer,
		HasSeller: o.HasSeller,
		ShowURL:   s.cfg.BaseURL + "/rooms/" + opaque,
		CreatedAt: room.CreatedAt,
	}
	for _, u := range sessions {
		v.Sessions = append(v.Sessions, u.View())
	}

	return v, nil
}

func (s *RoomApp) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, r, NewServiceUnavailableError(err))
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *RoomApp) createRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.db.CreateRoom(r.Context(), time.Now())
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	v, err := s.roomView(room, database.Occupancy{RoomId: room.Id, IsFree: true}, nil)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	s.log.Printf("[%s] room %d created", RequestId(r.Context()), room.Id)
	s.writeJson(w, http.StatusCreated, v)
}

func (s *RoomApp) getRoom(w http.ResponseWriter, r *http.Request) {
	roomId, ok := s.roomRef(r.PathValue("rid"))
	if !ok {
		s.writeError(w, r, NewNotFoundError())
		return
	}

	room, err := s.db.GetRoom(r.Context(), roomId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, r, NewNotFoundError())
		} else {
			s.writeError(w, r, NewInternalServerError(err))
		}
		return
	}

	o, err := s.db.GetOccupancy(r.Context(), roomId)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	sessions, err := s.ids.Sessions(r.Context(), roomId)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	v, err := s.roomView(room, o, sessions)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, v)
}

func (s *RoomApp) createLink(w http.ResponseWriter, r *http.Request) {
	roomId, ok := s.roomRef(r.PathValue("rid"))
	if !ok {
		s.writeError(w, r, NewNotFoundError())
		return
	}

	var req CreateLinkRequest
	if err := readJson(r, &req); err != nil {
		s.writeError(w, r, NewBadRequestError())
		return
	}

	role, ok := types.ParseRole(req.Role)
	if !ok {
		s.writeError(w, r, NewBadRequestError())
		return
	}

	if _, err := s.db.GetRoom(r.Context(), roomId); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, r, NewNotFoundError())
		} else {
			s.writeError(w, r, NewInternalServerError(err))
		}
		return
	}

	tok, err := s.codec.Encode(roomId, role, req.Pin)
	if err != nil {
		s.writeError(w, r, &ApiError{StatusCode: http.StatusBadRequest, Message: "invalid link parameters", Err: err})
		return
	}

	s.stats.Incr(stats.TokensIssued)
	s.writeJson(w, http.StatusCreated, types.Link{
		RoomId:    roomId,
		Role:      role,
		Token:     tok,
		URL:       s.cfg.BaseURL + "/join/" + tok,
		ExpiresAt: time.Now().Add(s.codec.TTL()).UTC().Truncate(time.Second),
	})
}

func (s *RoomApp) resetRoom(w http.ResponseWriter, r *http.Request) {
	roomId, ok := s.roomRef(r.PathValue("rid"))
	if !ok {
		s.writeError(w, r, NewNotFoundError())
		return
	}

	n, err := s.db.ResetRoom(r.Context(), roomId, time.Now())
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, r, NewNotFoundError())
		} else {
			s.writeError(w, r, NewInternalServerError(err))
		}
		return
	}

	s.hub.KickRoom(roomId, presence.ReasonReset)
	s.log.Printf("[%s] room %d reset, %d sessions deactivated", RequestId(r.Context()), roomId, n)
	s.writeJson(w, http.StatusOK, CountResponse{Count: n})
}

func (s *RoomApp) cleanupSessions(w http.ResponseWriter, r *http.Request) {
	n, err := s.ids.CleanupExpiredSessions(r.Context())
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, CountResponse{Count: n})
}
