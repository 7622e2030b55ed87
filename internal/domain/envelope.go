package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope types for client -> backend
const (
	EnvelopeSendMessage        = "send_message"
	EnvelopeMarkRead           = "mark_read"
	EnvelopeDeleteMessage      = "delete_message"
	EnvelopeCreateConversation = "create_conversation"
)

// Envelope types for backend -> client
const (
	EnvelopeNewMessage     = "new_message"
	EnvelopeMessagesRead   = "messages_read"
	EnvelopeMessageDeleted = "message_deleted"
	EnvelopeMessageSent    = "message_sent"
)

// TimestampLayout is ISO-8601 with millisecond precision in UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ============================================================================
// Client -> Backend
// ============================================================================

// Outbound is the envelope published to the shared send topic.
type Outbound struct {
	Type              string      `json:"type"`
	ProductID         string      `json:"productId,omitempty"`
	Text              string      `json:"text,omitempty"`
	MessageType       MessageType `json:"messageType,omitempty"`
	Attachment        *Attachment `json:"attachment,omitempty"`
	ReplyTo           string      `json:"replyTo,omitempty"`
	ConversationID    string      `json:"conversationId,omitempty"`
	ClientID          string      `json:"clientId,omitempty"`
	UserID            *string     `json:"userId"`
	Timestamp         string      `json:"timestamp"`
	DeleteForEveryone *bool       `json:"deleteForEveryone,omitempty"`
	MessageID         string      `json:"messageId,omitempty"`
}

// Stamp fills the sender identity and the send time.
// An empty userID is encoded as null.
func (o *Outbound) Stamp(userID string, now time.Time) {
	if userID != "" {
		id := userID
		o.UserID = &id
	} else {
		o.UserID = nil
	}
	o.Timestamp = now.UTC().Format(TimestampLayout)
}

// Validate checks the fields each envelope type needs.
func (o *Outbound) Validate() error {
	switch o.Type {
	case EnvelopeSendMessage:
		if o.Attachment != nil {
			if o.Attachment.Data == "" {
				return ErrEmptyAttachment
			}
			if o.Attachment.MimeType == "" {
				return ErrMissingMimeType
			}
			return nil
		}
		if o.Text == "" {
			return ErrEmptyMessage
		}
	case EnvelopeMarkRead:
		if o.ConversationID == "" {
			return ErrMissingConversation
		}
	case EnvelopeDeleteMessage:
		if o.MessageID == "" {
			return ErrMissingMessageID
		}
	case EnvelopeCreateConversation:
		if o.ProductID == "" {
			return ErrMissingProduct
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEnvelope, o.Type)
	}
	return nil
}

// Marshal encodes the envelope.
func (o *Outbound) Marshal() ([]byte, error) {
	return json.Marshal(o)
}

// ============================================================================
// Backend -> Client
// ============================================================================

// Inbound is an envelope received on a personal or conversation topic.
type Inbound struct {
	Type              string        `json:"type"`
	Message           *Message      `json:"message,omitempty"`
	Conversation      *Conversation `json:"conversation,omitempty"`
	UserID            string        `json:"userId,omitempty"`
	ConversationID    string        `json:"conversationId,omitempty"`
	ReadCount         int           `json:"readCount,omitempty"`
	MessageID         string        `json:"messageId,omitempty"`
	DeleteForEveryone bool          `json:"deleteForEveryone,omitempty"`
	Timestamp         string        `json:"timestamp,omitempty"`

	// Topic is the broker topic the envelope arrived on.
	Topic string `json:"-"`
	// Raw keeps the original payload for consumers that need unknown fields.
	Raw json.RawMessage `json:"-"`
}

// ParseInbound decodes a payload received from the broker.
func ParseInbound(topic string, payload []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("decode inbound envelope: %w", err)
	}
	in.Topic = topic
	in.Raw = append(json.RawMessage(nil), payload...)
	return &in, nil
}

// DedupKey identifies a delivery that may arrive on more than one topic.
// It is empty for envelopes that are not deduplicated.
func (in *Inbound) DedupKey() string {
	switch in.Type {
	case EnvelopeNewMessage, EnvelopeMessageSent:
		id := in.MessageID
		if in.Message != nil && in.Message.ID != "" {
			id = in.Message.ID
		}
		if id == "" {
			return ""
		}
		return in.Type + ":" + id
	default:
		return ""
	}
}
