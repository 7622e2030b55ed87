package eventbus

import "github.com/observer/chatlink/internal/domain"

// Name identifies an event variant.
type Name string

const (
	NameConnected         Name = "connected"
	NameDisconnected      Name = "disconnected"
	NameReconnecting      Name = "reconnecting"
	NameError             Name = "error"
	NameSubscriptionError Name = "subscription_error"
	NameNewMessage        Name = "new_message"
	NameMessagesRead      Name = "messages_read"
	NameMessageDeleted    Name = "message_deleted"
	NameMessageSent       Name = "message_sent"
	NameUnknownMessage    Name = "unknown_message"
)

// Names lists every event name in declaration order.
var Names = []Name{
	NameConnected,
	NameDisconnected,
	NameReconnecting,
	NameError,
	NameSubscriptionError,
	NameNewMessage,
	NameMessagesRead,
	NameMessageDeleted,
	NameMessageSent,
	NameUnknownMessage,
}

// Event is implemented only by the variants in this package.
type Event interface {
	EventName() Name
	sealed()
}

// Connected fires when the client believes the broker connection is healthy.
type Connected struct {
	ClientID string
}

// Disconnected fires when the connection is lost or closed on request.
type Disconnected struct {
	Manual bool
}

// Reconnecting fires when the transport starts a reconnect attempt.
type Reconnecting struct {
	Attempt int
}

// Error carries a connection-level failure.
type Error struct {
	Err error
}

// SubscriptionError fires when a topic could not be subscribed.
type SubscriptionError struct {
	Topic string
	Err   error
}

// NewMessage carries a new_message envelope.
type NewMessage struct {
	Envelope *domain.Inbound
}

// MessagesRead carries a messages_read envelope.
type MessagesRead struct {
	Envelope *domain.Inbound
}

// MessageDeleted carries a message_deleted envelope.
type MessageDeleted struct {
	Envelope *domain.Inbound
}

// MessageSent carries a message_sent envelope.
type MessageSent struct {
	Envelope *domain.Inbound
}

// UnknownMessage carries a parsable envelope with an unrecognised type.
type UnknownMessage struct {
	Envelope *domain.Inbound
}

func (Connected) EventName() Name         { return NameConnected }
func (Disconnected) EventName() Name      { return NameDisconnected }
func (Reconnecting) EventName() Name      { return NameReconnecting }
func (Error) EventName() Name             { return NameError }
func (SubscriptionError) EventName() Name { return NameSubscriptionError }
func (NewMessage) EventName() Name        { return NameNewMessage }
func (MessagesRead) EventName() Name      { return NameMessagesRead }
func (MessageDeleted) EventName() Name    { return NameMessageDeleted }
func (MessageSent) EventName() Name       { return NameMessageSent }
func (UnknownMessage) EventName() Name    { return NameUnknownMessage }

func (Connected) sealed()         {}
func (Disconnected) sealed()      {}
func (Reconnecting) sealed()      {}
func (Error) sealed()             {}
func (SubscriptionError) sealed() {}
func (NewMessage) sealed()        {}
func (MessagesRead) sealed()      {}
func (MessageDeleted) sealed()    {}
func (MessageSent) sealed()       {}
func (UnknownMessage) sealed()    {}
