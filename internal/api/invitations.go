package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/go-dealroom/internal/admission"
	"github.com/npezzotti/go-dealroom/internal/identity"
	"github.com/npezzotti/go-dealroom/internal/invite"
	"github.com/npezzotti/go-dealroom/internal/types"
)

const maxInvitationTTL = 30 * 24 * time.Hour

func (s *RoomApp) createInvitation(w http.ResponseWriter, r *http.Request) {
	var req CreateInvitationRequest
	if err := readJson(r, &req); err != nil {
		s.writeError(w, r, NewBadRequestError())
		return
	}

	role, ok := types.ParseRole(req.Role)
	if !ok {
		s.writeError(w, r, NewBadRequestError())
		return
	}

	ttl := time.Duration(req.TTLHours) * time.Hour
	if ttl < 0 || ttl > maxInvitationTTL {
		s.writeError(w, r, NewBadRequestError())
		return
	}

	inviter, errResp := s.callerSession(w, r, r.PathValue("rid"))
	if errResp != nil {
		s.writeError(w, r, errResp)
		return
	}

	inv, pin, err := s.invites.Create(r.Context(), invite.CreateParams{
		RoomID:   inviter.RoomId,
		Inviter:  inviter.UserIdentifier,
		Email:    req.Email,
		Role:     role,
		Duration: ttl,
	})
	if err != nil {
		if errors.Is(err, invite.ErrInvalidEmail) {
			s.writeError(w, r, NewBadRequestError())
		} else {
			s.writeError(w, r, NewInternalServerError(err))
		}
		return
	}

	v := s.invites.View(inv)
	v.Pin = pin
	s.writeJson(w, http.StatusCreated, v)
}

func (s *RoomApp) getInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.invites.Lookup(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, rejectionError(err, admission.Decision{}, false))
		return
	}

	s.writeJson(w, http.StatusOK, s.invites.View(inv))
}

func (s *RoomApp) redeemInvitation(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := readJson(r, &req); err != nil {
		s.writeError(w, r, NewBadRequestError())
		return
	}

	id, err := s.callerIdentity(w, r, true)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	inv, err := s.invites.Redeem(r.Context(), r.PathValue("token"), req.Pin, invite.RedeemMeta{
		Identity:  id,
		Session:   RequestId(r.Context()),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.writeError(w, r, rejectionError(err, admission.Decision{}, false))
		return
	}

	resp, errResp := s.join(w, r, identity.JoinParams{
		RoomID:      inv.RoomId,
		Role:        inv.Role,
		Identity:    id,
		DisplayName: req.DisplayName,
		Phone:       req.Phone,
		UserAgent:   r.UserAgent(),
	})
	if errResp != nil {
		s.writeError(w, r, errResp)
		return
	}

	if err := s.invites.MarkJoined(r.Context(), inv.Id); err != nil {
		s.log.Printf("[%s] invitation %d: %v", RequestId(r.Context()), inv.Id, err)
	} else if refreshed, err := s.invites.Lookup(r.Context(), r.PathValue("token")); err == nil {
		inv = refreshed
	}

	v := s.invites.View(inv)
	resp.Invitation = &v
	s.writeJson(w, http.StatusOK, resp)
}

func (s *RoomApp) deleteInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.invites.Lookup(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, rejectionError(err, admission.Decision{}, false))
		return
	}

	if !s.isModerator(r) {
		id, err := s.ids.ResolveIdentity(r.Context(), r.Cookies())
		if err != nil {
			s.writeError(w, r, NewInternalServerError(err))
			return
		}
		if id == "" || id != inv.InviterIdentifier {
			s.writeError(w, r, NewForbiddenError())
			return
		}
	}

	if err := s.invites.Deactivate(r.Context(), inv.Id); err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
