/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Mode selects how a room synchronizes: p2p rooms only exchange the
// host's identity, relay rooms route everything through the server.
type Mode string

const (
	ModeP2P   Mode = "p2p"
	ModeRelay Mode = "relay"
)

// SyncType selects what a relay room exchanges per update.
type SyncType string

const (
	SyncState  SyncType = "state"  // full snapshots, latest kept
	SyncFrame  SyncType = "frame"  // discrete operations, delivered per tick
	SyncCustom SyncType = "custom" // opaque passthrough
)

func validMode(m Mode) bool {
	return m == ModeP2P || m == ModeRelay
}

func validSyncType(s SyncType) bool {
	return s == SyncState || s == SyncFrame || s == SyncCustom
}

// Operation is one queued frame-sync input.
type Operation struct {
	Data      any   `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

// opQueue is a bounded FIFO that drops its oldest entry on overflow, so
// a producer is never blocked by a full queue.
type opQueue struct {
	ops   []Operation
	limit int
}

func newOpQueue(limit int) *opQueue {
	return &opQueue{limit: limit}
}

func (q *opQueue) push(op Operation) {
	if len(q.ops) >= q.limit {
		q.ops = q.ops[1:]
	}
	q.ops = append(q.ops, op)
}

func (q *opQueue) drain() []Operation {
	if len(q.ops) == 0 {
		return nil
	}
	drained := q.ops
	q.ops = nil
	return drained
}

func (q *opQueue) len() int {
	return len(q.ops)
}

// Session holds the synchronization configuration and runtime state of
// one room. It exists iff its Room exists and is destroyed with it.
// Mode and SyncType are immutable after creation. Sockets is allowed to
// lag Players: the HTTP join and the socket join are independently
// racing handshakes from the same client, and membership authorization
// is enforced on Players, never on Sockets.
type Session struct {
	RoomID     string
	Mode       Mode
	SyncType   SyncType
	Players    map[string]struct{}
	CustomInfo map[string]any
	LastState  []byte
	Queues     map[string]*opQueue
	TickCount  uint64
	Sockets    map[string]*client
}

func (s *Session) roster() []string {
	players := make([]string, 0, len(s.Players))
	for id := range s.Players {
		players = append(players, id)
	}
	sort.Strings(players)
	return players
}

// Broadcast envelopes. Timestamps are unix milliseconds.

type stateSyncMessage struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type frameSyncMessage struct {
	Type      string                 `json:"type"`
	Tick      uint64                 `json:"tick"`
	Timestamp int64                  `json:"timestamp"`
	Players   map[string][]Operation `json:"players"`
}

type customSyncMessage struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type roomClosedMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type playerLeftMessage struct {
	Type      string   `json:"type"`
	Player    string   `json:"player"`
	Remaining []string `json:"remaining"`
	Timestamp int64    `json:"timestamp"`
}

type playerDisconnectedMessage struct {
	Type      string `json:"type"`
	Player    string `json:"player"`
	Timestamp int64  `json:"timestamp"`
}

type roomJoinedMessage struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// UpdateInfo is the host-only session operation. The first call for a
// room creates its Session, fixing mode and sync type; later calls only
// reconcile the roster and merge custom info. Returns the roster size.
func (r *Relay) UpdateInfo(roomID, callerID string, mode Mode, syncType SyncType, players []string, customInfo map[string]any) (int, error) {
	if !validMode(mode) {
		return 0, validationError("mode must be p2p or relay")
	}
	if !validSyncType(syncType) {
		return 0, validationError("sync_type must be state, frame or custom")
	}

	room, _, lock := r.lookup(roomID)
	if room == nil || lock == nil {
		return 0, errNotFound
	}
	if callerID != room.HostID {
		warnf("ROOMS: %s attempted update_info on %s, host is %s", callerID, roomID, room.HostID)
		return 0, errPermissionDenied
	}

	filtered := filterCustomInfo(customInfo)

	if !lock.acquire(r.cfg.lockTimeout) {
		return 0, errServerBusy
	}
	defer lock.release()

	// Re-check under the lock: the room may have been torn down, or the
	// session created, while we waited.
	r.mu.RLock()
	session := r.sessions[roomID]
	_, alive := r.rooms[roomID]
	r.mu.RUnlock()

	if !alive {
		return 0, errNotFound
	}

	if session == nil {
		session = &Session{
			RoomID:     roomID,
			Mode:       mode,
			SyncType:   syncType,
			Players:    map[string]struct{}{room.HostID: {}},
			CustomInfo: filtered,
			Queues:     make(map[string]*opQueue),
			Sockets:    make(map[string]*client),
		}
		if syncType == SyncFrame {
			session.Queues[room.HostID] = newOpQueue(r.cfg.queueSize)
		}

		r.mu.Lock()
		r.sessions[roomID] = session
		r.mu.Unlock()

		if syncType == SyncFrame {
			r.startTicker(roomID)
		}

		logf(r.cfg, "ROOMS: Initialized session for %s (mode %s, sync %s)", roomID, mode, syncType)
		return len(session.Players), nil
	}

	// Mode and sync type are immutable; only the roster and custom info
	// move on update.
	next := make(map[string]struct{}, len(players))
	for _, id := range players {
		next[id] = struct{}{}
	}

	for id := range next {
		if _, ok := session.Players[id]; ok {
			continue
		}
		if session.SyncType == SyncFrame {
			session.Queues[id] = newOpQueue(r.cfg.queueSize)
		}
	}
	for id := range session.Players {
		if _, ok := next[id]; ok {
			continue
		}
		delete(session.Queues, id)
		delete(session.Sockets, id)
	}

	session.Players = next
	for key, value := range filtered {
		session.CustomInfo[key] = value
	}

	count := len(session.Players)
	r.setPlayerCount(roomID, count)

	logf(r.cfg, "ROOMS: Updated session for %s, %d players", roomID, count)

	return count, nil
}

// joinResult is what a join_room caller gets back. Mode is "waiting"
// when the host has not initialized the session yet and the caller must
// poll.
type joinResult struct {
	Mode     string   `json:"mode"`
	HostID   string   `json:"host_id,omitempty"`
	SyncType SyncType `json:"sync_type,omitempty"`
	Players  []string `json:"players,omitempty"`
}

// Join adds the caller to a relay room's roster, or hands back the host
// identity for p2p rooms. Joining a room whose session does not exist
// yet reports waiting rather than failing.
func (r *Relay) Join(roomID, callerID string) (joinResult, error) {
	room, session, lock := r.lookup(roomID)
	if room == nil || lock == nil {
		return joinResult{}, errNotFound
	}

	if session == nil {
		return joinResult{Mode: "waiting"}, nil
	}

	if session.Mode == ModeP2P {
		// The caller negotiates with the host directly; no relay
		// bookkeeping for this room.
		return joinResult{Mode: string(ModeP2P), HostID: room.HostID}, nil
	}

	if !lock.acquire(r.cfg.lockTimeout) {
		return joinResult{}, errServerBusy
	}
	defer lock.release()

	if _, ok := session.Players[callerID]; !ok {
		if len(session.Players) >= room.MaxPlayers {
			return joinResult{}, errCapacityExceeded
		}

		session.Players[callerID] = struct{}{}
		if session.SyncType == SyncFrame {
			session.Queues[callerID] = newOpQueue(r.cfg.queueSize)
		}
		r.setPlayerCount(roomID, len(session.Players))

		logf(r.cfg, "ROOMS: %s joined %s", callerID, roomID)
	}

	return joinResult{
		Mode:     string(ModeRelay),
		SyncType: session.SyncType,
		Players:  session.roster(),
	}, nil
}

// Submit routes one payload according to the room's sync type. The
// payload must already be JSON-decoded; it is screened and sanitized
// before any lock is taken, and any broadcast goes out after the lock is
// released.
func (r *Relay) Submit(roomID, callerID string, payload any) error {
	if payload == nil {
		return validationError("missing payload")
	}
	if containsScript(payload, maxPayloadDepth) {
		warnf("ROOMS: Rejected script content from %s for %s", callerID, roomID)
		return validationError("payload contains disallowed content")
	}
	payload = sanitizePayload(payload, maxPayloadDepth)

	_, session, lock := r.lookup(roomID)
	if session == nil || lock == nil {
		return errNotFound
	}

	if !lock.acquire(r.cfg.lockTimeout) {
		return errServerBusy
	}

	var envelope any

	err := func() error {
		defer lock.release()

		if _, ok := session.Players[callerID]; !ok {
			return errForbidden
		}
		if session.Mode == ModeP2P {
			return errPeerToPeer
		}

		switch session.SyncType {
		case SyncState:
			encoded, err := json.Marshal(payload)
			if err != nil {
				return validationError(fmt.Sprintf("state payload not serializable: %v", err))
			}
			if int64(len(encoded)) > r.cfg.stateLimit {
				return errPayloadTooLarge
			}
			session.LastState = encoded
			envelope = stateSyncMessage{
				Type:      "state_sync",
				From:      callerID,
				Data:      payload,
				Timestamp: nowMillis(),
			}

		case SyncFrame:
			queue, ok := session.Queues[callerID]
			if !ok {
				queue = newOpQueue(r.cfg.queueSize)
				session.Queues[callerID] = queue
			}
			queue.push(Operation{Data: payload, Timestamp: nowMillis()})
			// No immediate broadcast: the ticker delivers queued
			// operations at the next tick.

		case SyncCustom:
			envelope = customSyncMessage{
				Type:      "custom_sync",
				From:      callerID,
				Data:      payload,
				Timestamp: nowMillis(),
			}
		}

		return nil
	}()
	if err != nil {
		return err
	}

	if envelope != nil {
		r.hub.broadcast(roomID, envelope)
	}

	return nil
}

// Leave removes the caller from the room. A host leaving tears the whole
// room down; the close event is queued for delivery before the registry
// entry disappears. Leaving a room that is already gone succeeds:
// clients race cleanup all the time and that race is not their error.
func (r *Relay) Leave(roomID, callerID string) error {
	room, session, lock := r.lookup(roomID)
	if room == nil {
		logf(r.cfg, "ROOMS: %s left already-removed room %s", callerID, roomID)
		return nil
	}

	if callerID == room.HostID {
		r.hub.broadcast(roomID, roomClosedMessage{
			Type:      "room_closed",
			Message:   "host exited, room closed",
			Timestamp: nowMillis(),
		})
		r.DestroyRoom(roomID)
		return nil
	}

	if session == nil || lock == nil {
		// Created but never initialized; nothing to remove the caller
		// from.
		return nil
	}

	if !lock.acquire(r.cfg.lockTimeout) {
		return errServerBusy
	}

	var remaining []string
	left := false

	func() {
		defer lock.release()

		if _, ok := session.Players[callerID]; !ok {
			return
		}

		delete(session.Players, callerID)
		delete(session.Queues, callerID)
		delete(session.Sockets, callerID)
		remaining = session.roster()
		left = true
	}()

	if left {
		r.setPlayerCount(roomID, len(remaining))
		r.hub.broadcast(roomID, playerLeftMessage{
			Type:      "player_left",
			Player:    callerID,
			Remaining: remaining,
			Timestamp: nowMillis(),
		})
		logf(r.cfg, "ROOMS: %s left %s, %d remaining", callerID, roomID, len(remaining))
	}

	return nil
}
