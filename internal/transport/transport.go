// Package transport defines the contract between the messaging client and a
// physical broker connection. Adapters live in sub-packages (mqtt, wsjson).
package transport

import (
	"time"
)

// EventKind identifies a raw lifecycle event reported by a connection.
type EventKind int

const (
	EventConnect EventKind = iota
	EventReconnect
	EventClose
	EventOffline
	EventError
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventReconnect:
		return "reconnect"
	case EventClose:
		return "close"
	case EventOffline:
		return "offline"
	case EventError:
		return "error"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification or an inbound message.
type Event struct {
	Kind    EventKind
	Err     error  // set for EventError (and optionally EventClose)
	Topic   string // set for EventMessage
	Payload []byte // set for EventMessage
}

// Handler receives events from a connection. It may be called from any
// goroutine, including synchronously from inside a Conn method.
type Handler func(Event)

// Callback reports the outcome of an asynchronous operation.
// A nil callback is allowed and means the caller does not care.
type Callback func(err error)

// Options configure a single physical connection.
type Options struct {
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// AutoReconnect lets the adapter redial on its own after an unexpected
	// drop, emitting EventReconnect before each attempt.
	AutoReconnect     bool
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	ReconnectBackoff  float64
}

// Conn is one physical connection to a broker.
//
// The Connected, Reconnecting and Disconnecting flags are advisory: they may
// transiently disagree with the real socket state.
type Conn interface {
	Publish(topic string, payload []byte, qos byte, cb Callback)
	Subscribe(topic string, qos byte, cb Callback)
	Unsubscribe(topic string, cb Callback)

	// End closes the connection. force skips any graceful drain.
	End(force bool, cb func())

	// Reconnect asks the adapter to re-establish the socket.
	Reconnect() error

	Connected() bool
	Reconnecting() bool
	Disconnecting() bool

	ClientID() string
}

// Dialer creates connections. Dial must not block on network I/O: the
// outcome is reported through h as EventConnect, or EventError/EventClose.
type Dialer interface {
	Dial(url string, opts Options, h Handler) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(url string, opts Options, h Handler) (Conn, error)

func (f DialerFunc) Dial(url string, opts Options, h Handler) (Conn, error) {
	return f(url, opts, h)
}
