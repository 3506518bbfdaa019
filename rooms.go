/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// Room is the registry entry for one play session. Everything except
// CurrentPlayers is immutable after creation.
type Room struct {
	ID             string    `json:"room_id"`
	Name           string    `json:"room_name"`
	HostID         string    `json:"host_id"`
	CurrentPlayers int       `json:"current_players"`
	MaxPlayers     int       `json:"max_players"`
	CreatedAt      time.Time `json:"created_at"`
}

// newRoomID builds a sortable, collision-resistant id from the current
// millisecond timestamp and a six-digit random suffix. No coordination
// needed between concurrent creators.
func newRoomID() string {
	return fmt.Sprintf("%d%d", time.Now().UnixMilli(), 100000+rand.Intn(900000))
}

// roomLock serializes mutation within one session, so unrelated rooms
// never contend. It is a one-slot semaphore rather than a sync.Mutex so
// the hot submit/exit paths can give up after a bounded wait instead of
// blocking behind a stuck holder.
type roomLock struct {
	slot chan struct{}
}

func newRoomLock() *roomLock {
	return &roomLock{slot: make(chan struct{}, 1)}
}

// acquire returns false if the lock could not be obtained within the
// timeout. Callers surface that as a retryable busy condition.
func (l *roomLock) acquire(timeout time.Duration) bool {
	select {
	case l.slot <- struct{}{}:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.slot <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (l *roomLock) release() {
	<-l.slot
}

// Relay owns the room registry, the per-room sessions, and the frame
// tickers. All mutation of the shared collections goes through its
// methods; the registry mutex guards the maps themselves plus the
// CurrentPlayers counter, while each roomLock guards the internals of one
// session. Room locks are never acquired while holding the registry
// mutex, so the two levels cannot deadlock. Broadcasts are always issued
// after every lock is released.
type Relay struct {
	cfg *Config
	hub *hub

	mu       sync.RWMutex
	rooms    map[string]*Room
	sessions map[string]*Session
	locks    map[string]*roomLock

	tickersMu sync.Mutex
	tickers   map[string]*frameTicker
}

func newRelay(cfg *Config) *Relay {
	return &Relay{
		cfg:      cfg,
		hub:      newHub(cfg),
		rooms:    make(map[string]*Room),
		sessions: make(map[string]*Session),
		locks:    make(map[string]*roomLock),
		tickers:  make(map[string]*frameTicker),
	}
}

// CreateRoom validates and sanitizes the name, then registers a fresh
// room with the caller as host and sole occupant.
func (r *Relay) CreateRoom(name, hostID string) (Room, error) {
	sanitized, err := validateRoomName(name)
	if err != nil {
		return Room{}, err
	}

	room := &Room{
		ID:             newRoomID(),
		Name:           sanitized,
		HostID:         hostID,
		CurrentPlayers: 1,
		MaxPlayers:     r.cfg.maxPlayers,
		CreatedAt:      time.Now(),
	}

	r.mu.Lock()
	r.rooms[room.ID] = room
	r.locks[room.ID] = newRoomLock()
	r.mu.Unlock()

	logf(r.cfg, "ROOMS: Created %s (%q) for %s", room.ID, sanitized, hostID)

	return *room, nil
}

// Rooms returns a snapshot of the registry, newest first.
func (r *Relay) Rooms() []Room {
	r.mu.RLock()
	list := make([]Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		list = append(list, *room)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return strings.Compare(list[i].ID, list[j].ID) > 0
	})

	return list
}

// GetRoom returns a copy of the registry entry.
func (r *Relay) GetRoom(roomID string) (Room, error) {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()

	if !ok {
		return Room{}, errNotFound
	}
	return *room, nil
}

// DestroyRoom removes the room, its session, and its lock in one step,
// then signals the ticker to wind down. Destroying an id that is already
// gone is a no-op: concurrent host-exit and cleanup races are expected.
func (r *Relay) DestroyRoom(roomID string) {
	r.mu.Lock()
	_, existed := r.rooms[roomID]
	delete(r.rooms, roomID)
	delete(r.sessions, roomID)
	delete(r.locks, roomID)
	r.mu.Unlock()

	r.stopTicker(roomID)

	if existed {
		logf(r.cfg, "ROOMS: Destroyed %s", roomID)
	}
}

// setPlayerCount reconciles the registry counter after a roster change.
func (r *Relay) setPlayerCount(roomID string, count int) {
	r.mu.Lock()
	if room, ok := r.rooms[roomID]; ok {
		room.CurrentPlayers = count
	}
	r.mu.Unlock()
}

// lookup fetches the pieces a session operation needs in one registry
// read. Any of the three may be nil.
func (r *Relay) lookup(roomID string) (*Room, *Session, *roomLock) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID], r.sessions[roomID], r.locks[roomID]
}

// Stats summarizes the registry for the operational endpoint.
func (r *Relay) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totalPlayers := 0
	bySyncType := make(map[SyncType]int)
	for _, session := range r.sessions {
		bySyncType[session.SyncType]++
	}
	for _, room := range r.rooms {
		totalPlayers += room.CurrentPlayers
	}

	return map[string]any{
		"total_rooms":   len(r.rooms),
		"total_players": totalPlayers,
		"by_sync_type":  bySyncType,
	}
}

// Stop winds down every ticker and disconnects all sockets. Used on
// shutdown.
func (r *Relay) Stop() {
	r.tickersMu.Lock()
	for roomID, ticker := range r.tickers {
		ticker.signalStop()
		delete(r.tickers, roomID)
	}
	r.tickersMu.Unlock()

	r.hub.closeAll()
}
