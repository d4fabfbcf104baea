package types

import (
	"time"
)

type Room struct {
	Id        int64     `json:"id"`
	OpaqueId  string    `json:"opaque_id,omitempty"`
	Status    string    `json:"status"`
	HasBuyer  bool      `json:"has_buyer"`
	HasSeller bool      `json:"has_seller"`
	Sessions  []Session `json:"sessions,omitempty"`
	ShowURL   string    `json:"show_url,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Session is the public view of a role-session. The session token is never
// serialized; it only travels in cookies.
type Session struct {
	RoomId      int64      `json:"room_id"`
	Role        Role       `json:"role"`
	DisplayName string     `json:"display_name"`
	IsOnline    bool       `json:"is_online"`
	JoinedAt    time.Time  `json:"joined_at"`
	LastSeen    time.Time  `json:"last_seen"`
	OfflineAt   *time.Time `json:"offline_at,omitempty"`
}

type Decision struct {
	CanJoin         bool   `json:"can_join"`
	Action          string `json:"action,omitempty"`
	Reason          Reason `json:"reason,omitempty"`
	AlternativeRole Role   `json:"alternative_role,omitempty"`
}

type Link struct {
	RoomId    int64     `json:"room_id"`
	Role      Role      `json:"role"`
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Invitation struct {
	Id         int64      `json:"id"`
	RoomId     int64      `json:"room_id"`
	Role       Role       `json:"role"`
	Email      string     `json:"email"`
	URL        string     `json:"url,omitempty"`
	Pin        string     `json:"pin,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	JoinedAt   *time.Time `json:"joined_at,omitempty"`
	Expired    bool       `json:"expired"`
	Locked     bool       `json:"locked"`
	IsActive   bool       `json:"is_active"`
}
