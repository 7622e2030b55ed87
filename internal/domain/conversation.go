package domain

import "time"

// MessageType distinguishes plain text from attachment messages.
type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeFile  MessageType = "FILE"
)

// Conversation is a buyer/seller thread, usually scoped to one product listing.
type Conversation struct {
	ID           string        `json:"id"`
	ProductID    string        `json:"productId,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	UnreadCount  int           `json:"unreadCount,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`

	// Populated by the backend when the conversation is pushed with its newest message
	LastMessage *Message `json:"lastMessage,omitempty"`
}

// Message is a chat message as delivered by the backend.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId,omitempty"` // empty if sender deleted
	Text           string      `json:"text,omitempty"`
	Type           MessageType `json:"messageType,omitempty"`
	ReplyTo        string      `json:"replyTo,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ClientID       string      `json:"clientId,omitempty"` // echoed back for the sender
	IsRead         bool        `json:"isRead,omitempty"`
	IsDeleted      bool        `json:"isDeleted,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`

	// Populated on fetch
	Sender *Participant `json:"sender,omitempty"`
}
