package messaging

import "errors"

var (
	// ErrClosed is returned when operations are attempted on a closed Client
	ErrClosed = errors.New("messaging: client closed")

	// ErrConnectTimeout is returned by Connect when no connected event arrives in time
	ErrConnectTimeout = errors.New("messaging: connect timed out")

	// ErrManualDisconnect rejects pending Connect calls when Disconnect is called
	ErrManualDisconnect = errors.New("messaging: disconnected by request")

	// ErrReconnectExhausted is emitted when the rebuild policy runs out of attempts
	ErrReconnectExhausted = errors.New("messaging: reconnect attempts exhausted")

	// ErrRestoreFailed wraps a failure inside the post-connect restoration sequence
	ErrRestoreFailed = errors.New("messaging: subscription restore failed")
)
