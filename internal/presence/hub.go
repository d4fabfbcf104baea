package presence

import (
	"log"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dealroom/internal/database"
	"github.com/npezzotti/go-dealroom/internal/stats"
)

const (
	ReasonLeft     = "left"
	ReasonSwitched = "role_switched"
	ReasonReset    = "room_reset"
)

type deregisterReq struct {
	client *Client
	last   chan bool
}

// kickReq closes the connections of one session, or of the whole room
// when sessionId is zero.
type kickReq struct {
	roomId    int64
	sessionId int64
	reason    string
}

// Hub tracks the open presence connections per room.
type Hub struct {
	log            *log.Logger
	stats          stats.StatsProvider
	tracker        Tracker
	rooms          map[int64]map[*Client]struct{}
	registerChan   chan *Client
	deregisterChan chan deregisterReq
	kickChan       chan kickReq
	stop           chan struct{}
	done           chan struct{}
}

func NewHub(logger *log.Logger, tracker Tracker, sp stats.StatsProvider) *Hub {
	return &Hub{
		log:            logger,
		stats:          sp,
		tracker:        tracker,
		rooms:          make(map[int64]map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan deregisterReq),
		kickChan:       make(chan kickReq, 16),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.registerChan:
			h.addClient(c)
		case req := <-h.deregisterChan:
			req.last <- h.removeClient(req.client)
		case req := <-h.kickChan:
			h.kick(req)
		case <-h.stop:
			for _, clients := range h.rooms {
				for c := range clients {
					c.stopClient()
				}
			}
			close(h.done)
			return
		}
	}
}

// Serve binds conn to session and starts its pumps.
func (h *Hub) Serve(conn *websocket.Conn, session database.RoomUser) {
	c := NewClient(session, conn, h, h.tracker, h.log)

	select {
	case h.registerChan <- c:
	case <-h.done:
		conn.Close()
		return
	}

	c.touch(true)
	go c.Write()
	go c.Read()
}

// Kick ends every connection of a session, typically after it left or
// switched role.
func (h *Hub) Kick(roomId, sessionId int64, reason string) {
	h.enqueueKick(kickReq{roomId: roomId, sessionId: sessionId, reason: reason})
}

func (h *Hub) KickRoom(roomId int64, reason string) {
	h.enqueueKick(kickReq{roomId: roomId, reason: reason})
}

func (h *Hub) enqueueKick(req kickReq) {
	select {
	case h.kickChan <- req:
	case <-h.done:
	}
}

func (h *Hub) Shutdown() {
	h.log.Println("shutting down presence hub")
	close(h.stop)
	<-h.done
}

func (h *Hub) deregister(c *Client) bool {
	req := deregisterReq{client: c, last: make(chan bool, 1)}
	select {
	case h.deregisterChan <- req:
		return <-req.last
	case <-h.done:
		return true
	}
}

func (h *Hub) sessionConns(roomId, sessionId int64) int {
	n := 0
	for c := range h.rooms[roomId] {
		if c.sessionID == sessionId {
			n++
		}
	}
	return n
}

func (h *Hub) addClient(c *Client) {
	clients, ok := h.rooms[c.roomID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.rooms[c.roomID] = clients
	}

	first := h.sessionConns(c.roomID, c.sessionID) == 0
	clients[c] = struct{}{}
	h.stats.Incr(stats.PresenceConnections)

	if first {
		h.broadcast(c.roomID, c.sessionID, presenceNotification(c.roomID, c.role, true))
	}
}

// removeClient reports whether c was the last connection of its session.
func (h *Hub) removeClient(c *Client) bool {
	clients, ok := h.rooms[c.roomID]
	if !ok {
		return true
	}
	if _, ok := clients[c]; !ok {
		return h.sessionConns(c.roomID, c.sessionID) == 0
	}

	delete(clients, c)
	h.stats.Decr(stats.PresenceConnections)
	if len(clients) == 0 {
		delete(h.rooms, c.roomID)
	}

	last := h.sessionConns(c.roomID, c.sessionID) == 0
	if last {
		h.broadcast(c.roomID, c.sessionID, presenceNotification(c.roomID, c.role, false))
	}

	return last
}

func (h *Hub) broadcast(roomId, skipSession int64, msg *ServerMessage) {
	for c := range h.rooms[roomId] {
		if c.sessionID != skipSession {
			c.queueMessage(msg)
		}
	}
}

func (h *Hub) kick(req kickReq) {
	for c := range h.rooms[req.roomId] {
		if req.sessionId != 0 && c.sessionID != req.sessionId {
			continue
		}

		h.log.Printf("room %d: closing presence for session %d: %s", c.roomID, c.sessionID, req.reason)
		c.queueMessage(closedNotification(req.reason))
		c.stopClient()
	}
}
