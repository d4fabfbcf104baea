package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/npezzotti/go-dealroom/internal/admission"
	"github.com/npezzotti/go-dealroom/internal/database"
	"github.com/npezzotti/go-dealroom/internal/stats"
	"github.com/npezzotti/go-dealroom/internal/types"
)

type JoinParams struct {
	RoomID      int64
	Role        types.Role
	Identity    string
	DisplayName string
	Phone       string
	UserAgent   string
}

type JoinResult struct {
	Session    database.RoomUser
	Decision   admission.Decision
	CookieName string
	// Previous is the session deactivated by a role switch, nil otherwise.
	Previous *database.RoomUser
}

// Occupancy returns the admission view of a room.
func (m *Manager) Occupancy(ctx context.Context, roomID int64) (admission.Occupancy, error) {
	o, err := m.store.GetOccupancy(ctx, roomID)
	if err != nil {
		return admission.Occupancy{}, err
	}

	return admission.Occupancy{IsFree: o.IsFree, HasBuyer: o.HasBuyer, HasSeller: o.HasSeller}, nil
}

func (m *Manager) activeSessions(ctx context.Context, roomID int64, identity string) ([]database.RoomUser, error) {
	if identity == "" {
		return nil, nil
	}

	users, err := m.store.ListRoomUsersByIdentity(ctx, roomID, identity)
	if err != nil {
		return nil, err
	}

	active := make([]database.RoomUser, 0, len(users))
	for _, u := range users {
		if u.IsActive {
			active = append(active, u)
		}
	}

	return active, nil
}

// CanJoinRoom decides whether identity may take role in the room. It does
// not modify anything.
func (m *Manager) CanJoinRoom(ctx context.Context, roomID int64, role types.Role, identity string) (admission.Decision, error) {
	o, err := m.Occupancy(ctx, roomID)
	if err != nil {
		return admission.Decision{}, fmt.Errorf("room occupancy: %w", err)
	}

	sessions, err := m.activeSessions(ctx, roomID, identity)
	if err != nil {
		return admission.Decision{}, fmt.Errorf("identity sessions: %w", err)
	}

	held := make([]types.Role, 0, len(sessions))
	for _, s := range sessions {
		held = append(held, s.Role)
	}

	return admission.Decide(o, role, held), nil
}

// Join carries out the admission decision for p. A negative decision is
// returned together with its rejection.
func (m *Manager) Join(ctx context.Context, p JoinParams) (*JoinResult, error) {
	if !IsIdentity(p.Identity) {
		return nil, fmt.Errorf("join room: invalid identity")
	}

	decision, err := m.CanJoinRoom(ctx, p.RoomID, p.Role, p.Identity)
	if err != nil {
		return nil, err
	}
	if !decision.CanJoin {
		return &JoinResult{Decision: decision}, decision.Err()
	}

	var (
		session  database.RoomUser
		previous *database.RoomUser
	)
	switch decision.Action {
	case admission.ActionReconnect:
		session, err = m.reconnect(ctx, p)
	case admission.ActionSwitchRole:
		session, previous, err = m.switchFromHeld(ctx, p)
	default:
		session, err = m.create(ctx, p)
	}
	if err != nil {
		if errors.Is(err, types.ErrRoleUnavailable) {
			return &JoinResult{Decision: admission.Decision{Reason: types.ReasonRoleUnavailable}}, err
		}
		return nil, err
	}

	return &JoinResult{
		Session:    session,
		Decision:   decision,
		CookieName: m.CookieName(session.RoomId, session.Role, session.UserIdentifier),
		Previous:   previous,
	}, nil
}

func (m *Manager) create(ctx context.Context, p JoinParams) (database.RoomUser, error) {
	token, err := m.SessionToken(p.RoomID, p.Role, p.Identity)
	if err != nil {
		return database.RoomUser{}, err
	}

	u, err := m.store.CreateRoomUser(ctx, database.CreateRoomUserParams{
		RoomId:            p.RoomID,
		Role:              p.Role,
		DisplayName:       p.DisplayName,
		Phone:             p.Phone,
		SessionToken:      token,
		UserIdentifier:    p.Identity,
		DeviceFingerprint: m.Fingerprint(p.UserAgent),
		Now:               m.now(),
	})
	if errors.Is(err, database.ErrRoleTaken) {
		// lost the race against a concurrent join
		return database.RoomUser{}, types.ErrRoleUnavailable
	}
	if err != nil {
		return database.RoomUser{}, fmt.Errorf("create session: %w", err)
	}

	m.stats.Incr(stats.RoomJoins)
	return u, nil
}

func (m *Manager) reconnect(ctx context.Context, p JoinParams) (database.RoomUser, error) {
	sessions, err := m.activeSessions(ctx, p.RoomID, p.Identity)
	if err != nil {
		return database.RoomUser{}, err
	}

	for _, s := range sessions {
		if s.Role == p.Role {
			return m.Touch(ctx, s)
		}
	}

	return database.RoomUser{}, types.ErrSessionNotFound
}

func (m *Manager) switchFromHeld(ctx context.Context, p JoinParams) (database.RoomUser, *database.RoomUser, error) {
	sessions, err := m.activeSessions(ctx, p.RoomID, p.Identity)
	if err != nil {
		return database.RoomUser{}, nil, err
	}
	if len(sessions) == 0 {
		return database.RoomUser{}, nil, types.ErrSessionNotFound
	}

	held := sessions[0]
	switched, err := m.SwitchRole(ctx, held, p.Role)
	if err != nil {
		return database.RoomUser{}, nil, err
	}
	if switched.Id == held.Id {
		return switched, nil, nil
	}

	return switched, &held, nil
}

// SwitchRole moves session to newRole. A dormant row for the new role is
// reactivated when one exists, otherwise a new row is cloned from session.
// The old row is deactivated, never deleted.
func (m *Manager) SwitchRole(ctx context.Context, session database.RoomUser, newRole types.Role) (database.RoomUser, error) {
	if !newRole.Valid() {
		return database.RoomUser{}, types.ErrUnknownRole
	}
	if newRole == session.Role {
		return session, nil
	}

	o, err := m.Occupancy(ctx, session.RoomId)
	if err != nil {
		return database.RoomUser{}, fmt.Errorf("room occupancy: %w", err)
	}
	if !admission.RoleAvailable(o, newRole) {
		return database.RoomUser{}, types.ErrRoleUnavailable
	}

	token, err := m.SessionToken(session.RoomId, newRole, session.UserIdentifier)
	if err != nil {
		return database.RoomUser{}, err
	}

	switched, err := m.store.SwitchRole(ctx, database.SwitchRoleParams{
		FromId:          session.Id,
		NewRole:         newRole,
		NewSessionToken: token,
		Now:             m.now(),
	})
	switch {
	case errors.Is(err, database.ErrRoleTaken):
		return database.RoomUser{}, types.ErrRoleUnavailable
	case errors.Is(err, database.ErrNotFound):
		return database.RoomUser{}, types.ErrSessionNotFound
	case err != nil:
		return database.RoomUser{}, fmt.Errorf("switch role: %w", err)
	}

	m.stats.Incr(stats.RoleSwitches)
	m.logger.Printf("room %d: session %d switched %s -> %s", session.RoomId, session.Id, session.Role, newRole)

	return switched, nil
}

// Leave deactivates session and frees its role.
func (m *Manager) Leave(ctx context.Context, session database.RoomUser) error {
	err := m.store.DeactivateRoomUser(ctx, session.Id, m.now())
	if errors.Is(err, database.ErrNotFound) {
		return types.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("leave room: %w", err)
	}

	return nil
}

// Touch marks session online and refreshes last_seen.
func (m *Manager) Touch(ctx context.Context, session database.RoomUser) (database.RoomUser, error) {
	u, err := m.store.TouchRoomUser(ctx, session.Id, m.now())
	if errors.Is(err, database.ErrNotFound) {
		return database.RoomUser{}, types.ErrSessionNotFound
	}
	if err != nil {
		return database.RoomUser{}, fmt.Errorf("touch session: %w", err)
	}

	return u, nil
}

func (m *Manager) Disconnect(ctx context.Context, session database.RoomUser) error {
	if err := m.store.SetRoomUserOffline(ctx, session.Id, m.now()); err != nil {
		return fmt.Errorf("disconnect session: %w", err)
	}
	return nil
}

// Session looks up the active session bound to token.
func (m *Manager) Session(ctx context.Context, roomID int64, role types.Role, token string) (database.RoomUser, error) {
	if !Validate(token) && !isLegacyToken(token) {
		return database.RoomUser{}, types.ErrSessionNotFound
	}

	u, err := m.store.GetRoomUserBySession(ctx, roomID, role, token)
	if errors.Is(err, database.ErrNotFound) || (err == nil && !u.IsActive) {
		return database.RoomUser{}, types.ErrSessionNotFound
	}
	if err != nil {
		return database.RoomUser{}, fmt.Errorf("lookup session: %w", err)
	}

	return u, nil
}

// SessionForRoom finds the caller's active session in a room from its
// cookies, checking the identity-scoped cookie before the older per-room one.
func (m *Manager) SessionForRoom(ctx context.Context, roomID int64, identity string, cookies []*http.Cookie) (database.RoomUser, error) {
	values := make(map[string]string, len(cookies))
	for _, c := range cookies {
		values[c.Name] = c.Value
	}

	for _, role := range types.Roles {
		names := []string{LegacyCookieName(roomID, role)}
		if identity != "" {
			names = append([]string{m.CookieName(roomID, role, identity)}, names...)
		}

		for _, name := range names {
			token, ok := values[name]
			if !ok {
				continue
			}

			u, err := m.Session(ctx, roomID, role, token)
			if errors.Is(err, types.ErrSessionNotFound) {
				continue
			}
			return u, err
		}
	}

	return database.RoomUser{}, types.ErrSessionNotFound
}

// Sessions lists the active sessions in a room.
func (m *Manager) Sessions(ctx context.Context, roomID int64) ([]database.RoomUser, error) {
	return m.store.ListActiveRoomUsers(ctx, roomID)
}
