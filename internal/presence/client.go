package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dealroom/internal/database"
	"github.com/npezzotti/go-dealroom/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 512

	// touchInterval bounds how often one connection writes last_seen.
	touchInterval = 15 * time.Second
)

// Tracker records liveness of a role-session.
type Tracker interface {
	Touch(ctx context.Context, session database.RoomUser) (database.RoomUser, error)
	Disconnect(ctx context.Context, session database.RoomUser) error
}

// Client is one websocket connection bound to a role-session.
type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	tracker   Tracker
	log       *log.Logger
	session   database.RoomUser
	roomID    int64
	sessionID int64
	role      types.Role
	send      chan *ServerMessage
	stop      chan struct{}
	stopOnce  sync.Once
	lastTouch time.Time
}

func NewClient(session database.RoomUser, conn *websocket.Conn, hub *Hub, tracker Tracker, l *log.Logger) *Client {
	return &Client{
		conn:      conn,
		hub:       hub,
		tracker:   tracker,
		log:       l,
		session:   session,
		roomID:    session.RoomId,
		sessionID: session.Id,
		role:      session.Role,
		send:      make(chan *ServerMessage, 32),
		stop:      make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.drain()
			c.sendMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// drain flushes queued messages so a closing notice reaches the client.
func (c *Client) drain() {
	for {
		select {
		case msg := <-c.send:
			if bytes, err := json.Marshal(msg); err == nil {
				c.sendMessage(websocket.TextMessage, bytes)
			}
		default:
			return
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch(false)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Heartbeat == nil {
			c.queueMessage(errInvalidMessage(msg.Id))
			continue
		}

		if !c.touch(true) {
			c.queueMessage(errSessionGone(msg.Id))
			c.stopClient()
			continue
		}
		c.queueMessage(heartbeatAck(msg.Id, c.session.LastSeen))
	}
}

// touch refreshes last_seen, skipping the write when the previous one is
// recent unless force is set. It reports false once the session is gone.
func (c *Client) touch(force bool) bool {
	if !force && time.Since(c.lastTouch) < touchInterval {
		return true
	}

	u, err := c.tracker.Touch(context.Background(), c.session)
	if errors.Is(err, types.ErrSessionNotFound) {
		return false
	}
	if err != nil {
		c.log.Printf("session %d: touch: %v", c.sessionID, err)
		return true
	}

	c.session = u
	c.lastTouch = time.Now()
	return true
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	last := c.hub.deregister(c)
	c.stopClient()

	// another tab may still hold the same session open
	if !last {
		return
	}
	if err := c.tracker.Disconnect(context.Background(), c.session); err != nil {
		c.log.Printf("session %d: disconnect: %v", c.sessionID, err)
	}
}
