package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not connected sentinel", ErrNotConnected, true},
		{"wrapped closed", fmt.Errorf("subscribe: %w", ErrConnectionClosed), true},
		{"disconnecting", ErrDisconnecting, true},
		{"reset text", errors.New("read: connection reset by peer"), true},
		{"premature close text", errors.New("Premature close"), true},
		{"client disconnected text", errors.New("client disconnected"), true},
		{"not authorized", errors.New("not authorized"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsDisconnecting(t *testing.T) {
	assert.True(t, IsDisconnecting(ErrDisconnecting))
	assert.True(t, IsDisconnecting(errors.New("client is disconnecting")))
	assert.False(t, IsDisconnecting(ErrNotConnected))
	assert.False(t, IsDisconnecting(nil))
}

func TestIsKeepaliveTimeout(t *testing.T) {
	assert.True(t, IsKeepaliveTimeout(fmt.Errorf("lost: %w", ErrKeepaliveTimeout)))
	assert.True(t, IsKeepaliveTimeout(errors.New("pingresp not received, disconnecting")))
	assert.True(t, IsKeepaliveTimeout(errors.New("Keepalive timeout")))
	assert.False(t, IsKeepaliveTimeout(ErrConnectionClosed))
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "connect", EventConnect.String())
	assert.Equal(t, "offline", EventOffline.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}
