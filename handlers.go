/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const maxRequestBody = 64 * 1024

type createRoomRequest struct {
	RoomName string `json:"room_name"`
}

type joinRoomRequest struct {
	RoomID string `json:"room_id"`
}

type updateInfoRequest struct {
	RoomID     string         `json:"room_id"`
	Mode       string         `json:"mode"`
	SyncType   string         `json:"sync_type"`
	Players    []string       `json:"players"`
	CustomInfo map[string]any `json:"custom_info"`
}

type submitRequest struct {
	RoomID string `json:"room_id"`
	Data   any    `json:"data"`
}

type exitRoomRequest struct {
	RoomID string `json:"room_id"`
}

func writeJSON(cfg *Config, w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	securityHeaders(cfg, w)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// writeError maps a relay error onto the response taxonomy. Unexpected
// errors are logged with context and answered generically, without
// leaking internals.
func writeError(cfg *Config, w http.ResponseWriter, r *http.Request, err error) {
	code, status := errorCode(err)

	message := err.Error()
	if code == "internal" {
		warnf("SERVE: Internal error for %s %s from %s: %v", r.Method, r.URL.Path, realIP(r), err)
		message = "an internal error occurred"
	}

	writeJSON(cfg, w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, limit int64, into any) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(body).Decode(into); err != nil {
		return validationError("malformed request body")
	}
	return nil
}

func serveCreateRoom(cfg *Config, relay *Relay) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		var req createRoomRequest
		if err := decodeRequest(w, r, maxRequestBody, &req); err != nil {
			writeError(cfg, w, r, err)
			return
		}

		room, err := relay.CreateRoom(req.RoomName, callerIdentity(r))
		if err != nil {
			writeError(cfg, w, r, err)
			return
		}

		writeJSON(cfg, w, http.StatusOK, map[string]any{
			"success":   true,
			"room_id":   room.ID,
			"room_name": room.Name,
			"host_id":   room.HostID,
		})

		logf(cfg, "SERVE: create_room %s for %s in %s",
			room.ID,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveListRooms(cfg *Config, relay *Relay) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		rooms := relay.Rooms()
		writeJSON(cfg, w, http.StatusOK, map[string]any{
			"rooms": rooms,
		})

		logf(cfg, "SERVE: %d rooms to %s in %s",
			len(rooms),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveJoinRoom(cfg *Config, relay *Relay) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req joinRoomRequest
		if err := decodeRequest(w, r, maxRequestBody, &req); err != nil {
			writeError(cfg, w, r, err)
			return
		}

		if strings.TrimSpace(req.RoomID) == "" {
			writeError(cfg, w, r, validationError("room id must not be empty"))
			return
		}

		result, err := relay.Join(req.RoomID, callerIdentity(r))
		if err != nil {
			writeError(cfg, w, r, err)
			return
		}

		writeJSON(cfg, w, http.StatusOK, struct {
			Success bool `json:"success"`
			joinResult
		}{true, result})
	}
}

func serveUpdateInfo(cfg *Config, relay *Relay) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req updateInfoRequest
		if err := decodeRequest(w, r, maxRequestBody, &req); err != nil {
			writeError(cfg, w, r, err)
			return
		}

		if strings.TrimSpace(req.RoomID) == "" {
			writeError(cfg, w, r, validationError("room id must not be empty"))
			return
		}

		count, err := relay.UpdateInfo(
			req.RoomID,
			callerIdentity(r),
			Mode(req.Mode),
			SyncType(req.SyncType),
			req.Players,
			req.CustomInfo,
		)
		if err != nil {
			writeError(cfg, w, r, err)
			return
		}

		writeJSON(cfg, w, http.StatusOK, map[string]any{
			"success":       true,
			"mode":          req.Mode,
			"sync_type":     req.SyncType,
			"players_count": count,
		})
	}
}

func serveSubmit(cfg *Config, relay *Relay) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req submitRequest
		if err := decodeRequest(w, r, cfg.stateLimit+maxRequestBody, &req); err != nil {
			writeError(cfg, w, r, err)
			return
		}

		if strings.TrimSpace(req.RoomID) == "" {
			writeError(cfg, w, r, validationError("room id must not be empty"))
			return
		}

		if err := relay.Submit(req.RoomID, callerIdentity(r), req.Data); err != nil {
			writeError(cfg, w, r, err)
			return
		}

		writeJSON(cfg, w, http.StatusOK, map[string]any{"success": true})
	}
}

func serveExitRoom(cfg *Config, relay *Relay) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req exitRoomRequest
		if err := decodeRequest(w, r, maxRequestBody, &req); err != nil {
			writeError(cfg, w, r, err)
			return
		}

		if strings.TrimSpace(req.RoomID) == "" {
			writeError(cfg, w, r, validationError("room id must not be empty"))
			return
		}

		if err := relay.Leave(req.RoomID, callerIdentity(r)); err != nil {
			writeError(cfg, w, r, err)
			return
		}

		writeJSON(cfg, w, http.StatusOK, map[string]any{
			"success": true,
			"message": "exited room",
		})
	}
}

func serveStats(cfg *Config, relay *Relay) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(cfg, w, http.StatusOK, relay.Stats())
	}
}

func serveSocket(cfg *Config, relay *Relay) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		identity := callerIdentity(r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			warnf("RELAY: Upgrade failed for %s: %v", realIP(r), err)
			return
		}

		c := &client{
			conn:     conn,
			send:     make(chan any, 16),
			identity: identity,
		}

		logf(cfg, "RELAY: Socket connected from %s", realIP(r))

		go c.writePump()
		c.readPump(relay)
	}
}

// serveRoomQR answers with a PNG QR code encoding the room's join URL,
// for sharing a room across devices.
func serveRoomQR(cfg *Config, relay *Relay) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")

		if _, err := relay.GetRoom(roomID); err != nil {
			writeError(cfg, w, r, err)
			return
		}

		scheme := cfg.scheme()
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "/qr")

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			writeError(cfg, w, r, err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}
