package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/go-dealroom/internal/types"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrRoleTaken is returned when a write would leave two active
	// sessions holding the same role in one room.
	ErrRoleTaken = errors.New("role already taken")
)

type RoomRepository interface {
	CreateRoom(ctx context.Context, now time.Time) (Room, error)
	GetRoom(ctx context.Context, id int64) (Room, error)
	GetOccupancy(ctx context.Context, roomId int64) (Occupancy, error)
	// ResetRoom deactivates every active session in the room and marks it free.
	ResetRoom(ctx context.Context, roomId int64, now time.Time) (int64, error)
}

type RoomUserRepository interface {
	// CreateRoomUser inserts an active, online session and marks the room
	// occupied. It fails with ErrRoleTaken if the role is already held.
	CreateRoomUser(ctx context.Context, params CreateRoomUserParams) (RoomUser, error)
	GetRoomUserBySession(ctx context.Context, roomId int64, role types.Role, sessionToken string) (RoomUser, error)
	GetRoomUserByToken(ctx context.Context, sessionToken string) (RoomUser, error)
	ListRoomUsersByIdentity(ctx context.Context, roomId int64, identity string) ([]RoomUser, error)
	ListActiveRoomUsers(ctx context.Context, roomId int64) ([]RoomUser, error)
	// SwitchRole deactivates the session FromId and activates a session for
	// NewRole in a single transaction, reusing a dormant row when one exists.
	SwitchRole(ctx context.Context, params SwitchRoleParams) (RoomUser, error)
	DeactivateRoomUser(ctx context.Context, id int64, now time.Time) error
	TouchRoomUser(ctx context.Context, id int64, now time.Time) (RoomUser, error)
	SetRoomUserOffline(ctx context.Context, id int64, now time.Time) error
	// MigrateRoomUser stamps migrated_at only if it is still unset. It
	// returns ErrNotFound when the row was already migrated.
	MigrateRoomUser(ctx context.Context, params MigrateRoomUserParams) (RoomUser, error)
	MarkStaleOffline(ctx context.Context, cutoff, now time.Time) (int64, error)
}

type InvitationRepository interface {
	CreateInvitation(ctx context.Context, params CreateInvitationParams) (Invitation, error)
	SetInvitationToken(ctx context.Context, id int64, token string) error
	GetInvitation(ctx context.Context, id int64) (Invitation, error)
	// RecordPinFailure increments pin_attempts and sets the lock when the
	// threshold is reached, in one atomic statement.
	RecordPinFailure(ctx context.Context, params PinFailureParams) (Invitation, error)
	// AcceptInvitation resets pin_attempts and records acceptance metadata.
	// It returns ErrNotFound unless the invitation is active, unexpired and
	// unlocked at params.Now.
	AcceptInvitation(ctx context.Context, params AcceptInvitationParams) (Invitation, error)
	MarkInvitationJoined(ctx context.Context, id int64, now time.Time) error
	DeactivateInvitation(ctx context.Context, id int64) error
}

type Repository interface {
	Ping(ctx context.Context) error
	Close() error
	RoomRepository
	RoomUserRepository
	InvitationRepository
}
