/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBroadcastFansOut(t *testing.T) {
	h := newHub(testConfig())

	first := testClient(testHost)
	second := testClient(testPlayer)
	elsewhere := testClient(testOther)

	h.subscribe("room-a", first)
	h.subscribe("room-a", second)
	h.subscribe("room-b", elsewhere)

	h.broadcast("room-a", "hello")

	assert.Equal(t, "hello", <-first.send)
	assert.Equal(t, "hello", <-second.send)
	assert.Empty(t, elsewhere.send, "broadcasts stay within their room")
}

func TestHubEvictsSlowClient(t *testing.T) {
	h := newHub(testConfig())

	slow := &client{send: make(chan any, 1), identity: testPlayer}
	healthy := testClient(testHost)

	h.subscribe("room-a", slow)
	h.subscribe("room-a", healthy)

	slow.send <- "backlog"

	h.broadcast("room-a", "dropped")
	assert.Equal(t, "dropped", <-healthy.send)

	// The slow client was unsubscribed and its channel closed after the
	// backlog entry.
	assert.Equal(t, "backlog", <-slow.send)
	_, open := <-slow.send
	assert.False(t, open)

	h.broadcast("room-a", "next")
	assert.Equal(t, "next", <-healthy.send)
}

func TestClientSendAfterShutdown(t *testing.T) {
	c := testClient(testHost)

	assert.True(t, c.trySend("before"))

	c.shutdown()
	c.shutdown()

	assert.False(t, c.trySend("after"))
}

// Broadcasters hold snapshots taken before evictions complete, so sends
// race channel closure; overlapping broadcasts against unread clients
// must never panic.
func TestHubConcurrentBroadcastEviction(t *testing.T) {
	h := newHub(testConfig())

	for i := 0; i < 100; i++ {
		h.subscribe("room-a", &client{
			send:     make(chan any),
			identity: fmt.Sprintf("10.1.0.%d", i),
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				h.broadcast("room-a", "tick")
			}
		}()
	}
	wg.Wait()

	h.mu.RLock()
	remaining := len(h.rooms["room-a"])
	h.mu.RUnlock()
	assert.Zero(t, remaining, "unread clients are all evicted")
}

func TestHubUnsubscribeOwnership(t *testing.T) {
	h := newHub(testConfig())

	c := testClient(testHost)
	h.subscribe("room-a", c)

	assert.True(t, h.unsubscribe("room-a", c))
	assert.False(t, h.unsubscribe("room-a", c), "only one caller owns the shutdown")
	assert.False(t, h.unsubscribe("room-b", c))
}

func TestSocketJoinReplaysState(t *testing.T) {
	relay := newRelay(testConfig())

	room := newTestRoom(t, relay, ModeRelay, SyncState)
	require.NoError(t, relay.Submit(room.ID, testHost, map[string]any{"score": float64(7)}))

	c := testClient(testHost)
	relay.handleSocketJoin(c, room.ID)

	joined, ok := recvEnvelope(t, c).(roomJoinedMessage)
	require.True(t, ok)
	assert.Equal(t, "room_joined", joined.Type)
	assert.Equal(t, room.ID, joined.RoomID)

	initial, ok := recvEnvelope(t, c).(stateSyncMessage)
	require.True(t, ok)
	assert.Equal(t, "initial_state", initial.Type)

	raw, ok := initial.Data.(json.RawMessage)
	require.True(t, ok)

	var state map[string]any
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, float64(7), state["score"])

	_, session, _ := relay.lookup(room.ID)
	assert.Same(t, c, session.Sockets[testHost])
}

func TestSocketJoinAdmitsUnknownIdentity(t *testing.T) {
	relay := newRelay(testConfig())

	room := newTestRoom(t, relay, ModeRelay, SyncCustom)

	// Not in the roster: the HTTP join may still be in flight, so the
	// socket is admitted anyway.
	c := testClient(testOther)
	relay.handleSocketJoin(c, room.ID)

	joined, ok := recvEnvelope(t, c).(roomJoinedMessage)
	require.True(t, ok)
	assert.Equal(t, "room_joined", joined.Type)

	_, session, _ := relay.lookup(room.ID)
	assert.Same(t, c, session.Sockets[testOther])
	assert.NotContains(t, session.Players, testOther, "socket join must not grow the roster")
}

func TestSocketJoinErrors(t *testing.T) {
	relay := newRelay(testConfig())

	c := testClient(testHost)

	relay.handleSocketJoin(c, "")
	msg, ok := recvEnvelope(t, c).(errorMessage)
	require.True(t, ok)
	assert.Equal(t, "error", msg.Type)

	relay.handleSocketJoin(c, "1700000000000123456")
	msg, ok = recvEnvelope(t, c).(errorMessage)
	require.True(t, ok)
	assert.Contains(t, msg.Message, "does not exist")

	// A room that exists but was never initialized has no session yet.
	room, err := relay.CreateRoom("test room", testHost)
	require.NoError(t, err)

	relay.handleSocketJoin(c, room.ID)
	msg, ok = recvEnvelope(t, c).(errorMessage)
	require.True(t, ok)
	assert.Contains(t, msg.Message, "does not exist")
}

func TestSocketJoinSwitchesRooms(t *testing.T) {
	relay := newRelay(testConfig())

	first := newTestRoom(t, relay, ModeRelay, SyncCustom)

	second, err := relay.CreateRoom("second room", testPlayer)
	require.NoError(t, err)
	_, err = relay.UpdateInfo(second.ID, testPlayer, ModeRelay, SyncCustom, nil, nil)
	require.NoError(t, err)

	c := testClient(testHost)
	relay.handleSocketJoin(c, first.ID)
	recvEnvelope(t, c)

	relay.handleSocketJoin(c, second.ID)
	joined, ok := recvEnvelope(t, c).(roomJoinedMessage)
	require.True(t, ok)
	assert.Equal(t, second.ID, joined.RoomID)

	// The old subscription was dropped.
	relay.hub.broadcast(first.ID, "stale")
	relay.hub.broadcast(second.ID, "fresh")
	assert.Equal(t, "fresh", recvEnvelope(t, c))
}

func TestSocketDisconnect(t *testing.T) {
	relay := newRelay(testConfig())

	room := newTestRoom(t, relay, ModeRelay, SyncCustom)

	_, err := relay.Join(room.ID, testPlayer)
	require.NoError(t, err)

	c := testClient(testPlayer)
	relay.handleSocketJoin(c, room.ID)
	recvEnvelope(t, c)

	watcher := testClient(testHost)
	relay.hub.subscribe(room.ID, watcher)

	relay.handleSocketDisconnect(c)

	msg, ok := recvEnvelope(t, watcher).(playerDisconnectedMessage)
	require.True(t, ok)
	assert.Equal(t, "player_disconnected", msg.Type)
	assert.Equal(t, testPlayer, msg.Player)

	// Only the live-socket entry goes away; the roster survives for a
	// reconnect.
	_, session, _ := relay.lookup(room.ID)
	assert.NotContains(t, session.Sockets, testPlayer)
	assert.Contains(t, session.Players, testPlayer)

	_, open := <-c.send
	assert.False(t, open, "disconnect closes the send channel")
}

func TestSocketDisconnectSupersededEntry(t *testing.T) {
	relay := newRelay(testConfig())

	room := newTestRoom(t, relay, ModeRelay, SyncCustom)

	stale := testClient(testHost)
	relay.handleSocketJoin(stale, room.ID)
	recvEnvelope(t, stale)

	replacement := testClient(testHost)
	relay.handleSocketJoin(replacement, room.ID)
	recvEnvelope(t, replacement)

	// The stale socket's disconnect must not tear down the replacement's
	// registration.
	relay.handleSocketDisconnect(stale)

	_, session, _ := relay.lookup(room.ID)
	assert.Same(t, replacement, session.Sockets[testHost])
}
