package transport

import (
	"errors"
	"strings"
)

var (
	ErrNotConnected      = errors.New("transport: not connected")
	ErrConnectionClosed  = errors.New("transport: connection closed")
	ErrDisconnecting     = errors.New("transport: disconnecting")
	ErrKeepaliveTimeout  = errors.New("transport: keepalive timeout")
	ErrTimeout           = errors.New("transport: operation timed out")
	ErrConnectionRefused = errors.New("transport: connection refused")
)

// transientMarkers match error text from adapters that do not wrap our sentinels.
var transientMarkers = []string{
	"connection closed",
	"not connected",
	"reset",
	"premature close",
	"disconnect",
}

// IsTransient reports whether err is a connection-level failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrDisconnecting) ||
		errors.Is(err, ErrTimeout) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsDisconnecting reports whether err was caused by a disconnect in progress.
func IsDisconnecting(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDisconnecting) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "disconnecting")
}

// IsKeepaliveTimeout reports whether err signals a missed keepalive.
func IsKeepaliveTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKeepaliveTimeout) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "keepalive timeout") || strings.Contains(msg, "pingresp not received")
}
