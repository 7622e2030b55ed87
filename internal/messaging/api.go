package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/observer/chatlink/internal/domain"
	"github.com/observer/chatlink/internal/eventbus"
	"github.com/observer/chatlink/internal/transport"
)

// OutgoingMessage is a text message to send.
type OutgoingMessage struct {
	ConversationID string
	ProductID      string // starts a conversation when ConversationID is empty
	Text           string
	ReplyTo        string
}

// OutgoingAttachment is a file or image to send.
type OutgoingAttachment struct {
	ConversationID string
	ProductID      string
	Data           []byte
	MimeType       string
	FileName       string
	Text           string // optional caption
	ReplyTo        string
}

// Subscribe asks for topic to be subscribed now or after the next connect.
func (c *Client) Subscribe(topic string) {
	c.post(func() { c.subscribe(topic) })
}

// Unsubscribe forgets topic.
func (c *Client) Unsubscribe(topic string) {
	c.post(func() { c.unsubscribe(topic) })
}

// SubscribeToConversation makes id the active conversation, leaving the
// previous one.
func (c *Client) SubscribeToConversation(conversationID string) {
	if conversationID == "" {
		return
	}
	c.post(func() { c.enterConversation(conversationID) })
}

// LeaveConversation unsubscribes from the active conversation.
func (c *Client) LeaveConversation() {
	c.post(c.leaveConversation)
}

// Publish sends payload to topic, or queues it until the connection is ready.
func (c *Client) Publish(topic string, payload []byte) {
	payload = append([]byte(nil), payload...)
	c.post(func() { c.publishOrQueue(topic, payload) })
}

// PublishJSON encodes v and publishes it to topic.
func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	c.Publish(topic, data)
	return nil
}

// SendMessage sends a text message. Only invalid input is reported; delivery
// problems surface as events.
func (c *Client) SendMessage(m OutgoingMessage) error {
	return c.send(&domain.Outbound{
		Type:           domain.EnvelopeSendMessage,
		ConversationID: m.ConversationID,
		ProductID:      m.ProductID,
		Text:           m.Text,
		ReplyTo:        m.ReplyTo,
	})
}

// SendAttachment sends a file inline, typed as an image or file message by
// its MIME type.
func (c *Client) SendAttachment(a OutgoingAttachment) error {
	if len(a.Data) == 0 {
		return domain.ErrEmptyAttachment
	}
	return c.send(&domain.Outbound{
		Type:           domain.EnvelopeSendMessage,
		ConversationID: a.ConversationID,
		ProductID:      a.ProductID,
		Text:           a.Text,
		MessageType:    domain.TypeFromMime(a.MimeType),
		Attachment:     domain.NewAttachment(a.Data, a.MimeType, a.FileName),
		ReplyTo:        a.ReplyTo,
	})
}

// MarkAsRead marks every message of a conversation as read.
func (c *Client) MarkAsRead(conversationID string) error {
	return c.send(&domain.Outbound{
		Type:           domain.EnvelopeMarkRead,
		ConversationID: conversationID,
	})
}

// DeleteMessage deletes a message for the caller, or for everyone.
func (c *Client) DeleteMessage(messageID, conversationID string, forEveryone bool) error {
	return c.send(&domain.Outbound{
		Type:              domain.EnvelopeDeleteMessage,
		MessageID:         messageID,
		ConversationID:    conversationID,
		DeleteForEveryone: &forEveryone,
	})
}

// CreateConversation starts a conversation about a product with an opening
// message.
func (c *Client) CreateConversation(productID, text string) error {
	return c.send(&domain.Outbound{
		Type:      domain.EnvelopeCreateConversation,
		ProductID: productID,
		Text:      text,
	})
}

func (c *Client) send(env *domain.Outbound) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if !c.post(func() { c.sendOrQueue(env) }) {
		return ErrClosed
	}
	return nil
}

func (c *Client) sendOrQueue(env *domain.Outbound) {
	if !c.ready() {
		c.enqueue(op{name: env.Type, run: func() error { return c.sendNow(env) }})
		c.ensureConnected()
		return
	}
	if err := c.sendNow(env); err != nil {
		c.logger.Error("send failed", "type", env.Type, "error", err)
	}
}

// sendNow stamps and publishes env. The correlation id is kept across
// retries so the backend can match the acknowledgement.
func (c *Client) sendNow(env *domain.Outbound) error {
	if env.ClientID == "" {
		env.ClientID = c.correlationID()
	}
	env.Stamp(c.userID, c.clock.Now())
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return c.publishNow(Topics.Send(), data)
}

func (c *Client) publishOrQueue(topic string, payload []byte) {
	if !c.ready() {
		c.enqueuePublish(topic, payload)
		c.ensureConnected()
		return
	}
	if err := c.publishNow(topic, payload); err != nil {
		c.logger.Error("publish failed", "topic", topic, "error", err)
	}
}

func (c *Client) publishNow(topic string, payload []byte) error {
	if c.conn == nil {
		return transport.ErrNotConnected
	}
	gen := c.connGen
	c.conn.Publish(topic, payload, c.opts.QoS, func(err error) {
		if err == nil {
			return
		}
		c.post(func() { c.onPublishFailed(gen, topic, payload, err) })
	})
	return nil
}

func (c *Client) onPublishFailed(gen uint64, topic string, payload []byte, err error) {
	if c.manualDisconnect {
		c.logger.Warn("publish failed after disconnect", "topic", topic, "error", err)
		return
	}
	if transport.IsTransient(err) {
		c.logger.Warn("publish failed, queueing for retry", "topic", topic, "error", err)
		c.enqueuePublish(topic, payload)
		if gen == c.connGen && c.ready() {
			c.after(c.opts.SubscribeRetryDelay, func() {
				if c.ready() {
					c.flush()
				}
			})
			return
		}
		c.ensureConnected()
		return
	}
	c.logger.Error("publish rejected", "topic", topic, "error", err)
	c.emit(eventbus.Error{Err: fmt.Errorf("publish %s: %w", topic, err)})
}

func (c *Client) enqueuePublish(topic string, payload []byte) {
	c.enqueue(op{name: "publish " + topic, run: func() error { return c.publishNow(topic, payload) }})
}

func (c *Client) enqueue(o op) {
	if dropped, evicted := c.queue.Push(o); evicted {
		c.logger.Warn("outbound queue full, dropping oldest", "dropped", dropped.name, "capacity", c.queue.Capacity())
	}
	c.logger.Debug("queued operation", "op", o.name, "queued", c.queue.Len())
}

// flush runs every queued operation once, oldest first.
func (c *Client) flush() {
	ops := c.queue.Drain()
	if len(ops) == 0 {
		return
	}
	c.logger.Info("flushing queued operations", "count", len(ops))
	for _, o := range ops {
		if err := c.runQueued(o); err != nil {
			c.logger.Error("queued operation failed", "op", o.name, "error", err)
		}
	}
}

func (c *Client) runQueued(o op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return o.run()
}
