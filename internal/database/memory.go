package database

import (
	"context"
	"sync"
	"time"

	"github.com/npezzotti/go-dealroom/internal/types"
)

// MemoryRepository keeps everything in process memory. It enforces the same
// uniqueness rules as the PostgreSQL schema and is meant for development and
// tests.
type MemoryRepository struct {
	mu          sync.Mutex
	rooms       map[int64]*Room
	roomUsers   []*RoomUser
	invitations map[int64]*Invitation
	nextRoom    int64
	nextUser    int64
	nextInvite  int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rooms:       make(map[int64]*Room),
		invitations: make(map[int64]*Invitation),
	}
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryRepository) Close() error {
	return nil
}

func (m *MemoryRepository) CreateRoom(ctx context.Context, now time.Time) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRoom++
	r := &Room{Id: m.nextRoom, Status: RoomStatusFree, CreatedAt: now.UTC(), UpdatedAt: now.UTC()}
	m.rooms[r.Id] = r

	return *r, nil
}

func (m *MemoryRepository) GetRoom(ctx context.Context, id int64) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}

	return *r, nil
}

func (m *MemoryRepository) GetOccupancy(ctx context.Context, roomId int64) (Occupancy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomId]
	if !ok {
		return Occupancy{}, ErrNotFound
	}

	return Occupancy{
		RoomId:    roomId,
		IsFree:    r.Status == RoomStatusFree,
		HasBuyer:  m.activeHolder(roomId, types.RoleBuyer) != nil,
		HasSeller: m.activeHolder(roomId, types.RoleSeller) != nil,
	}, nil
}

func (m *MemoryRepository) ResetRoom(ctx context.Context, roomId int64, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomId]
	if !ok {
		return 0, ErrNotFound
	}
	r.Status = RoomStatusFree
	r.UpdatedAt = now.UTC()

	var n int64
	for _, u := range m.roomUsers {
		if u.RoomId == roomId && u.IsActive {
			deactivate(u, now)
			n++
		}
	}

	return n, nil
}

func (m *MemoryRepository) activeHolder(roomId int64, role types.Role) *RoomUser {
	for _, u := range m.roomUsers {
		if u.RoomId == roomId && u.Role == role && u.IsActive {
			return u
		}
	}
	return nil
}

func (m *MemoryRepository) findUser(match func(u *RoomUser) bool) *RoomUser {
	for _, u := range m.roomUsers {
		if match(u) {
			return u
		}
	}
	return nil
}

func (m *MemoryRepository) insertUser(p CreateRoomUserParams) (*RoomUser, error) {
	if _, ok := m.rooms[p.RoomId]; !ok {
		return nil, ErrNotFound
	}
	if m.activeHolder(p.RoomId, p.Role) != nil {
		return nil, ErrRoleTaken
	}

	m.nextUser++
	now := p.Now.UTC()
	u := &RoomUser{
		Id:                m.nextUser,
		RoomId:            p.RoomId,
		Role:              p.Role,
		DisplayName:       p.DisplayName,
		Phone:             p.Phone,
		SessionToken:      p.SessionToken,
		UserIdentifier:    p.UserIdentifier,
		DeviceFingerprint: p.DeviceFingerprint,
		IsOnline:          true,
		IsActive:          true,
		JoinedAt:          now,
		LastSeen:          now,
	}
	m.roomUsers = append(m.roomUsers, u)

	return u, nil
}

func (m *MemoryRepository) CreateRoomUser(ctx context.Context, params CreateRoomUserParams) (RoomUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.insertUser(params)
	if err != nil {
		return RoomUser{}, err
	}
	r := m.rooms[params.RoomId]
	r.Status = RoomStatusOccupied
	r.UpdatedAt = params.Now.UTC()

	return *u, nil
}

func (m *MemoryRepository) GetRoomUserBySession(ctx context.Context, roomId int64, role types.Role, sessionToken string) (RoomUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.findUser(func(u *RoomUser) bool {
		return u.RoomId == roomId && u.Role == role && u.SessionToken == sessionToken
	})
	if u == nil {
		return RoomUser{}, ErrNotFound
	}

	return *u, nil
}

func (m *MemoryRepository) GetRoomUserByToken(ctx context.Context, sessionToken string) (RoomUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.findUser(func(u *RoomUser) bool { return u.SessionToken == sessionToken })
	if u == nil {
		return RoomUser{}, ErrNotFound
	}

	return *u, nil
}

func (m *MemoryRepository) ListRoomUsersByIdentity(ctx context.Context, roomId int64, identity string) ([]RoomUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]RoomUser, 0)
	for _, u := range m.roomUsers {
		if u.RoomId == roomId && u.UserIdentifier == identity {
			users = append(users, *u)
		}
	}

	return users, nil
}

func (m *MemoryRepository) ListActiveRoomUsers(ctx context.Context, roomId int64) ([]RoomUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]RoomUser, 0)
	for _, u := range m.roomUsers {
		if u.RoomId == roomId && u.IsActive {
			users = append(users, *u)
		}
	}

	return users, nil
}

func (m *MemoryRepository) SwitchRole(ctx context.Context, params SwitchRoleParams) (RoomUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.findUser(func(u *RoomUser) bool { return u.Id == params.FromId && u.IsActive })
	if from == nil {
		return RoomUser{}, ErrNotFound
	}
	if m.activeHolder(from.RoomId, params.NewRole) != nil {
		return RoomUser{}, ErrRoleTaken
	}

	var dormant *RoomUser
	for _, u := range m.roomUsers {
		if u.RoomId == from.RoomId && u.UserIdentifier == from.UserIdentifier &&
			u.Role == params.NewRole && !u.IsActive {
			dormant = u
		}
	}

	deactivate(from, params.Now)
	from.OfflineAt = timePtr(params.Now)

	if dormant != nil {
		dormant.IsActive = true
		dormant.IsOnline = true
		dormant.LastSeen = params.Now.UTC()
		dormant.OfflineAt = nil
		dormant.LeftAt = nil
		return *dormant, nil
	}

	u, err := m.insertUser(CreateRoomUserParams{
		RoomId:            from.RoomId,
		Role:              params.NewRole,
		DisplayName:       from.DisplayName,
		Phone:             from.Phone,
		SessionToken:      params.NewSessionToken,
		UserIdentifier:    from.UserIdentifier,
		DeviceFingerprint: from.DeviceFingerprint,
		Now:               params.Now,
	})
	if err != nil {
		return RoomUser{}, err
	}

	return *u, nil
}

func (m *MemoryRepository) DeactivateRoomUser(ctx context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.findUser(func(u *RoomUser) bool { return u.Id == id && u.IsActive })
	if u == nil {
		return ErrNotFound
	}
	deactivate(u, now)

	if m.activeHolder(u.RoomId, types.RoleBuyer) == nil && m.activeHolder(u.RoomId, types.RoleSeller) == nil {
		r := m.rooms[u.RoomId]
		r.Status = RoomStatusFree
		r.UpdatedAt = now.UTC()
	}

	return nil
}

func (m *MemoryRepository) TouchRoomUser(ctx context.Context, id int64, now time.Time) (RoomUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.findUser(func(u *RoomUser) bool { return u.Id == id && u.IsActive })
	if u == nil {
		return RoomUser{}, ErrNotFound
	}
	u.IsOnline = true
	u.LastSeen = now.UTC()
	u.OfflineAt = nil

	return *u, nil
}

func (m *MemoryRepository) SetRoomUserOffline(ctx context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u := m.findUser(func(u *RoomUser) bool { return u.Id == id && u.IsOnline }); u != nil {
		u.IsOnline = false
		u.OfflineAt = timePtr(now)
	}

	return nil
}

func (m *MemoryRepository) MigrateRoomUser(ctx context.Context, params MigrateRoomUserParams) (RoomUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.findUser(func(u *RoomUser) bool { return u.Id == params.Id && u.MigratedAt == nil })
	if u == nil {
		return RoomUser{}, ErrNotFound
	}
	u.UserIdentifier = params.UserIdentifier
	u.SessionToken = params.NewSessionToken
	u.MigratedAt = timePtr(params.Now)

	return *u, nil
}

func (m *MemoryRepository) MarkStaleOffline(ctx context.Context, cutoff, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, u := range m.roomUsers {
		if u.IsOnline && u.LastSeen.Before(cutoff) {
			u.IsOnline = false
			u.OfflineAt = timePtr(now)
			n++
		}
	}

	return n, nil
}

func (m *MemoryRepository) CreateInvitation(ctx context.Context, params CreateInvitationParams) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[params.RoomId]; !ok {
		return Invitation{}, ErrNotFound
	}

	m.nextInvite++
	inv := &Invitation{
		Id:                m.nextInvite,
		RoomId:            params.RoomId,
		InviterIdentifier: params.InviterIdentifier,
		InviteeIdentifier: params.InviteeIdentifier,
		Email:             params.Email,
		Role:              params.Role,
		PinHash:           params.PinHash,
		ExpiresAt:         params.ExpiresAt.UTC(),
		IsActive:          true,
		CreatedAt:         params.Now.UTC(),
	}
	m.invitations[inv.Id] = inv

	return *inv, nil
}

func (m *MemoryRepository) SetInvitationToken(ctx context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invitations[id]
	if !ok {
		return ErrNotFound
	}
	inv.EncryptedToken = token

	return nil
}

func (m *MemoryRepository) GetInvitation(ctx context.Context, id int64) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invitations[id]
	if !ok {
		return Invitation{}, ErrNotFound
	}

	return *inv, nil
}

func (m *MemoryRepository) RecordPinFailure(ctx context.Context, params PinFailureParams) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invitations[params.Id]
	if !ok {
		return Invitation{}, ErrNotFound
	}

	locked := inv.Locked(params.Now)
	inv.PinAttempts++
	if !locked && inv.PinAttempts >= params.MaxAttempts {
		inv.PinLockedUntil = timePtr(params.LockUntil)
	}

	return *inv, nil
}

func (m *MemoryRepository) AcceptInvitation(ctx context.Context, params AcceptInvitationParams) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invitations[params.Id]
	if !ok || !inv.IsActive || inv.Expired(params.Now) || inv.Locked(params.Now) {
		return Invitation{}, ErrNotFound
	}

	inv.PinAttempts = 0
	inv.PinLockedUntil = nil
	inv.AcceptedAt = timePtr(params.Now)
	inv.AcceptedBy = &params.By
	inv.AcceptedIP = &params.IP
	inv.AcceptedUserAgent = &params.UserAgent
	inv.AcceptedSession = &params.Session
	if inv.InviteeIdentifier == nil {
		inv.InviteeIdentifier = &params.By
	}

	return *inv, nil
}

func (m *MemoryRepository) MarkInvitationJoined(ctx context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invitations[id]
	if !ok || inv.AcceptedAt == nil {
		return ErrNotFound
	}
	if inv.JoinedAt == nil {
		inv.JoinedAt = timePtr(now)
	}

	return nil
}

func (m *MemoryRepository) DeactivateInvitation(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invitations[id]
	if !ok {
		return ErrNotFound
	}
	inv.IsActive = false

	return nil
}

func deactivate(u *RoomUser, now time.Time) {
	if u.IsOnline {
		u.OfflineAt = timePtr(now)
	}
	u.IsActive = false
	u.IsOnline = false
	u.LeftAt = timePtr(now)
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}
