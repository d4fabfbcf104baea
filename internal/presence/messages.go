package presence

import (
	"time"

	"github.com/npezzotti/go-dealroom/internal/types"
)

type ClientMessage struct {
	Id        int        `json:"id,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
}

type Heartbeat struct{}

type ServerMessage struct {
	Id           int           `json:"id,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	Response     *Response     `json:"response,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int       `json:"response_code"`
	Error        string    `json:"error,omitempty"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
}

type Notification struct {
	Presence *Presence `json:"presence,omitempty"`
	Closed   *Closed   `json:"closed,omitempty"`
}

type Presence struct {
	RoomId int64      `json:"room_id"`
	Role   types.Role `json:"role"`
	Online bool       `json:"online"`
}

// Closed tells the client its session ended server side and it should
// stop reconnecting.
type Closed struct {
	Reason string `json:"reason"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

func heartbeatAck(id int, lastSeen time.Time) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Response:  &Response{ResponseCode: 200, LastSeen: lastSeen},
	}
}

func errInvalidMessage(id int) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Response:  &Response{ResponseCode: 400, Error: "invalid message"},
	}
}

func errSessionGone(id int) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Response:  &Response{ResponseCode: 410, Error: "session no longer active"},
	}
}

func presenceNotification(roomID int64, role types.Role, online bool) *ServerMessage {
	return &ServerMessage{
		Timestamp: Now(),
		Notification: &Notification{
			Presence: &Presence{RoomId: roomID, Role: role, Online: online},
		},
	}
}

func closedNotification(reason string) *ServerMessage {
	return &ServerMessage{
		Timestamp:    Now(),
		Notification: &Notification{Closed: &Closed{Reason: reason}},
	}
}
