/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one websocket subscriber. Its send channel is buffered and
// written to non-blockingly, so a slow receiver is evicted instead of
// stalling a broadcast. The mutex makes sends mutually exclusive with
// closing the channel: broadcasters hold snapshots of the subscriber set
// taken before an eviction or disconnect, so a send may race a close.
type client struct {
	conn     *websocket.Conn
	send     chan any
	identity string
	roomID   string

	mu     sync.Mutex
	closed bool
}

func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// trySend reports whether the message was queued. False means the
// channel was full or already closed; delivery is best-effort either
// way.
func (c *client) trySend(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

type socketMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// hub fans messages out to the sockets subscribed to each room channel.
// It holds no session state and is never invoked while a registry or
// room lock is held; a dispatch failure for one room is contained here
// so unrelated rooms keep functioning.
type hub struct {
	cfg   *Config
	mu    sync.RWMutex
	rooms map[string]map[*client]bool
}

func newHub(cfg *Config) *hub {
	return &hub{
		cfg:   cfg,
		rooms: make(map[string]map[*client]bool),
	}
}

func (h *hub) subscribe(roomID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers, ok := h.rooms[roomID]
	if !ok {
		subscribers = make(map[*client]bool)
		h.rooms[roomID] = subscribers
	}
	subscribers[c] = true
}

// unsubscribe reports whether the client was still subscribed; exactly
// one caller gets true and owns the final shutdown.
func (h *hub) unsubscribe(roomID string, c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers, ok := h.rooms[roomID]
	if !ok || !subscribers[c] {
		return false
	}

	delete(subscribers, c)
	if len(subscribers) == 0 {
		delete(h.rooms, roomID)
	}
	return true
}

// broadcast queues the envelope on every socket subscribed to the room.
// Fire-and-forget: clients whose buffers are full are evicted rather
// than waited on.
func (h *hub) broadcast(roomID string, msg any) {
	h.mu.RLock()
	subscribers := make([]*client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		subscribers = append(subscribers, c)
	}
	h.mu.RUnlock()

	var stale []*client

	for _, c := range subscribers {
		if !c.trySend(msg) {
			stale = append(stale, c)
		}
	}

	for _, c := range stale {
		if h.unsubscribe(roomID, c) {
			warnf("RELAY: Evicted slow socket %s from %s", c.identity, roomID)
			c.shutdown()
		}
	}
}

// closeAll disconnects every subscriber. Used on shutdown.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for roomID, subscribers := range h.rooms {
		for c := range subscribers {
			c.shutdown()
			_ = c.conn.Close()
		}
		delete(h.rooms, roomID)
	}
}

// handleSocketJoin is the transport half of the join handshake. The
// HTTP join and this one race from the same client, so an identity not
// yet present in the roster is admitted with a warning instead of being
// rejected; authorization for submit and leave still runs against the
// roster. State-sync rooms replay the last snapshot to the joiner.
func (r *Relay) handleSocketJoin(c *client, roomID string) {
	if roomID == "" {
		c.trySend(errorMessage{Type: "error", Message: "room id must not be empty"})
		return
	}

	_, session, lock := r.lookup(roomID)
	if session == nil || lock == nil {
		c.trySend(errorMessage{Type: "error", Message: "room does not exist"})
		return
	}

	if !lock.acquire(r.cfg.lockTimeout) {
		c.trySend(errorMessage{Type: "error", Message: "server busy, please retry"})
		return
	}

	if _, member := session.Players[c.identity]; !member {
		warnf("RELAY: Socket join from %s not in roster of %s, admitting anyway", c.identity, roomID)
	}
	session.Sockets[c.identity] = c

	var initial json.RawMessage
	if session.SyncType == SyncState && session.LastState != nil {
		initial = session.LastState
	}

	lock.release()

	// A socket follows one room at a time; joining another drops the old
	// subscription.
	if c.roomID != "" && c.roomID != roomID {
		r.hub.unsubscribe(c.roomID, c)
	}

	c.roomID = roomID
	r.hub.subscribe(roomID, c)

	c.trySend(roomJoinedMessage{
		Type:      "room_joined",
		RoomID:    roomID,
		Message:   "joined room",
		Timestamp: nowMillis(),
	})

	if initial != nil {
		c.trySend(stateSyncMessage{
			Type:      "initial_state",
			Data:      initial,
			Timestamp: nowMillis(),
		})
	}

	logf(r.cfg, "RELAY: Socket %s joined %s", c.identity, roomID)
}

// handleSocketDisconnect clears the live-socket entry only; the logical
// roster is untouched, disconnect and leave are different things.
func (r *Relay) handleSocketDisconnect(c *client) {
	defer c.shutdown()

	roomID := c.roomID
	if roomID == "" {
		return
	}

	r.hub.unsubscribe(roomID, c)

	_, session, lock := r.lookup(roomID)
	if session == nil || lock == nil {
		return
	}

	removed := false
	if lock.acquire(r.cfg.lockTimeout) {
		if session.Sockets[c.identity] == c {
			delete(session.Sockets, c.identity)
			removed = true
		}
		lock.release()
	}

	if removed {
		r.hub.broadcast(roomID, playerDisconnectedMessage{
			Type:      "player_disconnected",
			Player:    c.identity,
			Timestamp: nowMillis(),
		})
		logf(r.cfg, "RELAY: Socket %s disconnected from %s", c.identity, roomID)
	}
}

func (c *client) readPump(r *Relay) {
	defer func() {
		r.handleSocketDisconnect(c)
		_ = c.conn.Close()
	}()

	for {
		var msg socketMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "join_room":
			r.handleSocketJoin(c, msg.RoomID)
		default:
			// ignore unknown types
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
