/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"sync/atomic"
	"time"
)

const (
	tickerRunning int32 = iota
	tickerStopping
	tickerTerminated
)

// frameTicker drives one frame-sync room at a fixed cadence. There is no
// forced-cancel primitive: stopping is a signal observed at the next
// iteration boundary, and the loop also self-terminates once its room or
// sync mode disappears. A room destroy therefore becomes visible to the
// ticker within at most one tick interval.
type frameTicker struct {
	roomID string
	stop   chan struct{}
	state  atomic.Int32
}

func (t *frameTicker) signalStop() {
	if t.state.CompareAndSwap(tickerRunning, tickerStopping) {
		close(t.stop)
	}
}

// startTicker launches the frame loop for a room. Only one ticker may be
// active per room: an existing one is signalled to stop before the
// replacement starts.
func (r *Relay) startTicker(roomID string) {
	r.tickersMu.Lock()
	defer r.tickersMu.Unlock()

	if old, ok := r.tickers[roomID]; ok {
		warnf("TICKS: Replacing active ticker for %s", roomID)
		old.signalStop()
	}

	ticker := &frameTicker{
		roomID: roomID,
		stop:   make(chan struct{}),
	}
	r.tickers[roomID] = ticker

	go r.runTicker(ticker)

	logf(r.cfg, "TICKS: Started ticker for %s at %d/s", roomID, r.cfg.tickRate)
}

// stopTicker signals the room's ticker, if any, to wind down. The loop
// exits cooperatively, not synchronously.
func (r *Relay) stopTicker(roomID string) {
	r.tickersMu.Lock()
	defer r.tickersMu.Unlock()

	if ticker, ok := r.tickers[roomID]; ok {
		ticker.signalStop()
		delete(r.tickers, roomID)
	}
}

// tickerActive reports whether a ticker is registered for the room.
func (r *Relay) tickerActive(roomID string) bool {
	r.tickersMu.Lock()
	defer r.tickersMu.Unlock()

	ticker, ok := r.tickers[roomID]
	return ok && ticker.state.Load() == tickerRunning
}

// removeTicker clears the tracking entry, but only if it still points at
// this ticker; a replacement may already have taken the slot.
func (r *Relay) removeTicker(t *frameTicker) {
	r.tickersMu.Lock()
	defer r.tickersMu.Unlock()

	if current, ok := r.tickers[t.roomID]; ok && current == t {
		delete(r.tickers, t.roomID)
	}
}

// runTicker is the per-room frame loop. Each cycle sleeps until the next
// scheduled absolute tick time, re-checks that the room still exists and
// is still frame-synced, then drains every player's operation queue into
// one envelope and broadcasts it. Scheduling against absolute times
// avoids cumulative drift; falling more than one full interval behind
// resynchronizes the schedule instead of bursting to catch up.
func (r *Relay) runTicker(t *frameTicker) {
	interval := r.cfg.tickInterval()
	nextTick := time.Now().Add(interval)

	defer func() {
		t.state.Store(tickerTerminated)
		r.removeTicker(t)
		logf(r.cfg, "TICKS: Ticker for %s terminated", t.roomID)
	}()

	for {
		if wait := time.Until(nextTick); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-t.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		} else {
			select {
			case <-t.stop:
				return
			default:
			}
		}

		nextTick = nextTick.Add(interval)
		if behind := time.Since(nextTick); behind > interval {
			warnf("TICKS: Room %s running %s behind, resynchronizing", t.roomID, behind.Round(time.Millisecond))
			nextTick = time.Now().Add(interval)
		}

		room, session, lock := r.lookup(t.roomID)
		if room == nil || session == nil || lock == nil || session.SyncType != SyncFrame {
			logf(r.cfg, "TICKS: Room %s gone or no longer frame-synced", t.roomID)
			return
		}

		var envelope *frameSyncMessage

		if lock.acquire(interval) {
			session.TickCount++
			players := make(map[string][]Operation, len(session.Queues))
			for id, queue := range session.Queues {
				if ops := queue.drain(); ops != nil {
					players[id] = ops
				}
			}
			envelope = &frameSyncMessage{
				Type:      "frame_sync",
				Tick:      session.TickCount,
				Timestamp: nowMillis(),
				Players:   players,
			}
			lock.release()
		} else {
			warnf("TICKS: Room %s lock contended, skipping tick", t.roomID)
		}

		if envelope != nil {
			r.hub.broadcast(t.roomID, *envelope)
		}
	}
}
