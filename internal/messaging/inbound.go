package messaging

import (
	"github.com/observer/chatlink/internal/domain"
	"github.com/observer/chatlink/internal/eventbus"
)

// onMessage decodes a backend envelope and republishes it as a typed event.
func (c *Client) onMessage(topic string, payload []byte) {
	in, err := domain.ParseInbound(topic, payload)
	if err != nil {
		c.logger.Warn("dropping undecodable message", "topic", topic, "error", err)
		return
	}

	// Messages fan out to both the personal and the conversation topic.
	if key := in.DedupKey(); key != "" {
		if seen, _ := c.seen.ContainsOrAdd(key, struct{}{}); seen {
			c.logger.Debug("duplicate delivery", "key", key, "topic", topic)
			return
		}
	}

	switch in.Type {
	case domain.EnvelopeNewMessage:
		c.emit(eventbus.NewMessage{Envelope: in})
	case domain.EnvelopeMessagesRead:
		c.emit(eventbus.MessagesRead{Envelope: in})
	case domain.EnvelopeMessageDeleted:
		c.emit(eventbus.MessageDeleted{Envelope: in})
	case domain.EnvelopeMessageSent:
		c.emit(eventbus.MessageSent{Envelope: in})
	default:
		c.logger.Debug("unknown envelope type", "type", in.Type, "topic", topic)
		c.emit(eventbus.UnknownMessage{Envelope: in})
	}
}
