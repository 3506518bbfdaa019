/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"log"
	"net/http"
	"time"
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

// warnf logs unconditionally, for conditions worth recording even
// without --verbose.
func warnf(format string, args ...any) {
	log.Printf("%s | WARN: "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

// validationError rejects a request before any shared state is touched.
type validationError string

func (e validationError) Error() string {
	return string(e)
}

var (
	errNotFound         = errors.New("room does not exist")
	errPermissionDenied = errors.New("only the room host may perform this operation")
	errForbidden        = errors.New("caller is not a member of this room")
	errCapacityExceeded = errors.New("room is full")
	errPayloadTooLarge  = errors.New("state snapshot exceeds the configured size limit")
	errServerBusy       = errors.New("server busy, please retry")
	errPeerToPeer       = errors.New("p2p rooms do not use the relay")
)

// errorCode maps a relay error to the stable code string and HTTP status
// returned to clients. Anything unrecognized is reported as internal
// without leaking details.
func errorCode(err error) (string, int) {
	var verr validationError

	switch {
	case errors.As(err, &verr):
		return "validation_error", http.StatusBadRequest
	case errors.Is(err, errNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, errPermissionDenied):
		return "permission_denied", http.StatusForbidden
	case errors.Is(err, errForbidden):
		return "forbidden", http.StatusForbidden
	case errors.Is(err, errCapacityExceeded):
		return "capacity_exceeded", http.StatusBadRequest
	case errors.Is(err, errPayloadTooLarge):
		return "payload_too_large", http.StatusRequestEntityTooLarge
	case errors.Is(err, errServerBusy):
		return "server_busy", http.StatusServiceUnavailable
	case errors.Is(err, errPeerToPeer):
		return "bad_request", http.StatusBadRequest
	default:
		return "internal", http.StatusInternalServerError
	}
}
