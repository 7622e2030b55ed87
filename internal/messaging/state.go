package messaging

import "time"

// State is the lifecycle state of the broker connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Status is a diagnostic snapshot. It is meant for debugging and tests, not
// for control flow.
type Status struct {
	State              string    `json:"state"`
	Connected          bool      `json:"connected"`
	TransportConnected bool      `json:"transportConnected"`
	UserID             string    `json:"userId,omitempty"`
	ConversationID     string    `json:"conversationId,omitempty"`
	SubscribedCount    int       `json:"subscribedCount"`
	SubscribedTopics   []string  `json:"subscribedTopics"`
	PendingTopics      []string  `json:"pendingTopics"`
	ReconnectAttempts  int       `json:"reconnectAttempts"`
	ManualDisconnect   bool      `json:"manualDisconnect"`
	QueuedMessages     int       `json:"queuedMessages"`
	ClientID           string    `json:"clientId,omitempty"`
	LastError          string    `json:"lastError,omitempty"`
	LastErrorAt        time.Time `json:"lastErrorAt,omitempty"`
	LastConnectAt      time.Time `json:"lastConnectAt,omitempty"`
}

func (c *Client) snapshot() Status {
	transportConnected := c.conn != nil && c.conn.Connected()
	clientID := c.clientID
	if c.conn != nil && c.conn.ClientID() != "" {
		clientID = c.conn.ClientID()
	}
	subscribed := c.ledger.Subscribed()
	return Status{
		State:              c.state.String(),
		Connected:          c.state == StateConnected,
		TransportConnected: transportConnected,
		UserID:             c.userID,
		ConversationID:     c.conversationID,
		SubscribedCount:    len(subscribed),
		SubscribedTopics:   subscribed,
		PendingTopics:      c.ledger.Pending(),
		ReconnectAttempts:  c.reconnectAttempts,
		ManualDisconnect:   c.manualDisconnect,
		QueuedMessages:     c.queue.Len(),
		ClientID:           clientID,
		LastError:          c.lastError,
		LastErrorAt:        c.lastErrorAt,
		LastConnectAt:      c.lastConnectAt,
	}
}
