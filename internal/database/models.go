package database

import (
	"time"

	"github.com/npezzotti/go-dealroom/internal/types"
)

const (
	RoomStatusFree     = "free"
	RoomStatusOccupied = "occupied"
)

type Room struct {
	Id        int64
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Occupancy counts active role-sessions, online or not.
type Occupancy struct {
	RoomId    int64
	IsFree    bool
	HasBuyer  bool
	HasSeller bool
}

// RoomUser is one role-session. Rows are never deleted; leaving or
// switching role clears IsActive and keeps the row as history.
type RoomUser struct {
	Id                int64
	RoomId            int64
	Role              types.Role
	DisplayName       string
	Phone             string
	SessionToken      string
	UserIdentifier    string
	DeviceFingerprint string
	IsOnline          bool
	IsActive          bool
	JoinedAt          time.Time
	LastSeen          time.Time
	OfflineAt         *time.Time
	LeftAt            *time.Time
	MigratedAt        *time.Time
}

func (u RoomUser) View() types.Session {
	return types.Session{
		RoomId:      u.RoomId,
		Role:        u.Role,
		DisplayName: u.DisplayName,
		IsOnline:    u.IsOnline,
		JoinedAt:    u.JoinedAt,
		LastSeen:    u.LastSeen,
		OfflineAt:   u.OfflineAt,
	}
}

type Invitation struct {
	Id                int64
	RoomId            int64
	InviterIdentifier string
	InviteeIdentifier *string
	Email             string
	Role              types.Role
	PinHash           string
	EncryptedToken    string
	ExpiresAt         time.Time
	AcceptedAt        *time.Time
	AcceptedBy        *string
	AcceptedIP        *string
	AcceptedUserAgent *string
	AcceptedSession   *string
	JoinedAt          *time.Time
	PinAttempts       int
	PinLockedUntil    *time.Time
	IsActive          bool
	CreatedAt         time.Time
}

func (i Invitation) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

func (i Invitation) Locked(now time.Time) bool {
	return i.PinLockedUntil != nil && now.Before(*i.PinLockedUntil)
}

type CreateRoomUserParams struct {
	RoomId            int64
	Role              types.Role
	DisplayName       string
	Phone             string
	SessionToken      string
	UserIdentifier    string
	DeviceFingerprint string
	Now               time.Time
}

type SwitchRoleParams struct {
	FromId          int64
	NewRole         types.Role
	NewSessionToken string
	Now             time.Time
}

type MigrateRoomUserParams struct {
	Id              int64
	UserIdentifier  string
	NewSessionToken string
	Now             time.Time
}

type CreateInvitationParams struct {
	RoomId            int64
	InviterIdentifier string
	InviteeIdentifier *string
	Email             string
	Role              types.Role
	PinHash           string
	ExpiresAt         time.Time
	Now               time.Time
}

type PinFailureParams struct {
	Id          int64
	Now         time.Time
	MaxAttempts int
	LockUntil   time.Time
}

type AcceptInvitationParams struct {
	Id        int64
	By        string
	IP        string
	UserAgent string
	Session   string
	Now       time.Time
}
