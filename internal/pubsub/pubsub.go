// Package pubsub is the fan-out backend of the test broker. Topics are plain
// strings matched exactly; the memory backend serves a single broker and the
// Redis backend lets several broker instances share subscribers.
package pubsub

import (
	"context"
)

// Message is one publish as seen by subscribers.
type Message struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`

	// Sender is the client ID of the publisher, if known.
	Sender string `json:"sender,omitempty"`
}

// Handler is a callback for processing messages. Handlers for one
// subscription run in publish order and must not block.
type Handler func(ctx context.Context, msg *Message)

// Subscription represents an active subscription that can be closed
type Subscription interface {
	// Unsubscribe removes the subscription
	Unsubscribe() error
}

// PubSub defines the interface for publish/subscribe operations.
// All implementations must be safe for concurrent use.
type PubSub interface {
	// Publish sends a message to all subscribers of the given topic.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers a handler for messages on the given topic.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close shuts down the pub/sub system and releases resources.
	Close() error
}
