package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-dealroom/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) CreateRoom(ctx context.Context, now time.Time) (Room, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) GetRoom(ctx context.Context, id int64) (Room, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) GetOccupancy(ctx context.Context, roomId int64) (Occupancy, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(Occupancy), args.Error(1)
}
func (m *MockRepository) ResetRoom(ctx context.Context, roomId int64, now time.Time) (int64, error) {
	args := m.Called(ctx, roomId, now)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepository) CreateRoomUser(ctx context.Context, params CreateRoomUserParams) (RoomUser, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(RoomUser), args.Error(1)
}
func (m *MockRepository) GetRoomUserBySession(ctx context.Context, roomId int64, role types.Role, sessionToken string) (RoomUser, error) {
	args := m.Called(ctx, roomId, role, sessionToken)
	return args.Get(0).(RoomUser), args.Error(1)
}
func (m *MockRepository) GetRoomUserByToken(ctx context.Context, sessionToken string) (RoomUser, error) {
	args := m.Called(ctx, sessionToken)
	return args.Get(0).(RoomUser), args.Error(1)
}
func (m *MockRepository) ListRoomUsersByIdentity(ctx context.Context, roomId int64, identity string) ([]RoomUser, error) {
	args := m.Called(ctx, roomId, identity)
	if users, ok := args.Get(0).([]RoomUser); ok {
		return users, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) ListActiveRoomUsers(ctx context.Context, roomId int64) ([]RoomUser, error) {
	args := m.Called(ctx, roomId)
	if users, ok := args.Get(0).([]RoomUser); ok {
		return users, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) SwitchRole(ctx context.Context, params SwitchRoleParams) (RoomUser, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(RoomUser), args.Error(1)
}
func (m *MockRepository) DeactivateRoomUser(ctx context.Context, id int64, now time.Time) error {
	args := m.Called(ctx, id, now)
	return args.Error(0)
}
func (m *MockRepository) TouchRoomUser(ctx context.Context, id int64, now time.Time) (RoomUser, error) {
	args := m.Called(ctx, id, now)
	return args.Get(0).(RoomUser), args.Error(1)
}
func (m *MockRepository) SetRoomUserOffline(ctx context.Context, id int64, now time.Time) error {
	args := m.Called(ctx, id, now)
	return args.Error(0)
}
func (m *MockRepository) MigrateRoomUser(ctx context.Context, params MigrateRoomUserParams) (RoomUser, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(RoomUser), args.Error(1)
}
func (m *MockRepository) MarkStaleOffline(ctx context.Context, cutoff, now time.Time) (int64, error) {
	args := m.Called(ctx, cutoff, now)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepository) CreateInvitation(ctx context.Context, params CreateInvitationParams) (Invitation, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Invitation), args.Error(1)
}
func (m *MockRepository) SetInvitationToken(ctx context.Context, id int64, token string) error {
	args := m.Called(ctx, id, token)
	return args.Error(0)
}
func (m *MockRepository) GetInvitation(ctx context.Context, id int64) (Invitation, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Invitation), args.Error(1)
}
func (m *MockRepository) RecordPinFailure(ctx context.Context, params PinFailureParams) (Invitation, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Invitation), args.Error(1)
}
func (m *MockRepository) AcceptInvitation(ctx context.Context, params AcceptInvitationParams) (Invitation, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Invitation), args.Error(1)
}
func (m *MockRepository) MarkInvitationJoined(ctx context.Context, id int64, now time.Time) error {
	args := m.Called(ctx, id, now)
	return args.Error(0)
}
func (m *MockRepository) DeactivateInvitation(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
