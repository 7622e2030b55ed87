package messaging

import (
	"github.com/observer/chatlink/internal/eventbus"
	"github.com/observer/chatlink/internal/transport"
)

// subscribe makes sure topic ends up subscribed on the broker. Topics that
// cannot be subscribed now are kept pending for the next restoration.
func (c *Client) subscribe(topic string) {
	if c.ledger.IsLeaving(topic) {
		// Wanted again before the ack arrived.
		c.ledger.MarkInflight(topic)
		return
	}
	if c.ledger.IsSubscribed(topic) || c.ledger.IsBusy(topic) {
		return
	}
	if !c.isConnected() || c.conn.Disconnecting() {
		c.ledger.AddPending(topic)
		c.ensureConnected()
		return
	}
	c.attemptSubscribe(topic, 0)
}

func (c *Client) attemptSubscribe(topic string, attempt int) {
	conn := c.conn
	if conn.Reconnecting() || conn.Disconnecting() {
		c.deferSubscribe(topic, attempt)
		return
	}

	c.ledger.MarkInflight(topic)
	gen := c.connGen
	conn.Subscribe(topic, c.opts.QoS, func(err error) {
		c.post(func() { c.onSubscribeResult(gen, topic, attempt, err) })
	})
}

// deferSubscribe postpones a subscribe while the transport is between
// sessions. Attempts inside the cooldown window are absorbed.
func (c *Client) deferSubscribe(topic string, attempt int) {
	now := c.clock.Now()
	first, ok := c.ledger.Defer(topic, now, c.opts.SubscribeCooldown)
	if !ok {
		if !c.ledger.IsBusy(topic) {
			c.ledger.AddPending(topic)
		}
		return
	}

	if now.Sub(first) > c.opts.StuckDeferralLimit {
		c.logger.Warn("subscribe deferred too long, checking connection",
			"topic", topic,
			"deferred_for", now.Sub(first),
		)
		c.ledger.RestartDeferral(topic, now)
		gen := c.connGen
		c.ensureConnected()
		if gen != c.connGen || !c.isConnected() {
			c.ledger.AddPending(topic)
			return
		}
	}

	c.ledger.MarkScheduled(topic)
	gen := c.connGen
	c.after(c.opts.SubscribeDeferDelay, func() {
		c.retrySubscribe(gen, topic, attempt)
	})
}

func (c *Client) retrySubscribe(gen uint64, topic string, attempt int) {
	// Unsubscribed or reset while waiting.
	if !c.ledger.IsBusy(topic) {
		return
	}
	if gen != c.connGen || !c.isConnected() {
		c.ledger.AddPending(topic)
		c.ensureConnected()
		return
	}
	c.attemptSubscribe(topic, attempt)
}

func (c *Client) onSubscribeResult(gen uint64, topic string, attempt int, err error) {
	if gen != c.connGen {
		return
	}
	if c.ledger.IsLeaving(topic) {
		c.ledger.Remove(topic)
		if err == nil {
			c.logger.Debug("subscribed after leaving, unsubscribing", "topic", topic)
			c.sendUnsubscribe(topic)
		}
		return
	}
	if !c.ledger.IsInflight(topic) {
		return
	}
	if err == nil {
		c.ledger.MarkSubscribed(topic)
		c.logger.Debug("subscribed", "topic", topic)
		return
	}

	if transport.IsTransient(err) && !c.subscribeRetry.Exhausted(attempt) {
		policy := c.subscribeRetry
		if transport.IsDisconnecting(err) {
			policy = c.subscribeDrain
		}
		delay := policy.Delay(attempt)
		c.logger.Warn("subscribe failed, retrying",
			"topic", topic,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		c.ledger.MarkScheduled(topic)
		c.after(delay, func() {
			c.retrySubscribe(gen, topic, attempt+1)
		})
		return
	}

	if transport.IsTransient(err) {
		// Keep it for the next restoration.
		c.ledger.AddPending(topic)
	} else {
		c.ledger.Remove(topic)
	}
	c.logger.Error("subscribe failed", "topic", topic, "attempts", attempt+1, "error", err)
	c.emit(eventbus.SubscriptionError{Topic: topic, Err: err})
}

// unsubscribe drops topic locally and, when the broker holds it, asks the
// broker to drop it too. A subscribe still awaiting its ack is unsubscribed
// once the ack arrives.
func (c *Client) unsubscribe(topic string) {
	if c.ledger.MarkLeaving(topic) {
		return
	}
	subscribed := c.ledger.IsSubscribed(topic)
	c.ledger.Remove(topic)
	if subscribed && c.isConnected() {
		c.sendUnsubscribe(topic)
	}
}

// sendUnsubscribe asks the broker to drop topic. The ledger entry is already
// gone, so a later subscribe of the same topic goes out after it.
func (c *Client) sendUnsubscribe(topic string) {
	if c.conn == nil {
		return
	}
	c.conn.Unsubscribe(topic, func(err error) {
		if err != nil {
			c.post(func() {
				c.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
			})
		}
	})
}

func (c *Client) enterConversation(conversationID string) {
	if c.conversationID != "" && c.conversationID != conversationID {
		for _, t := range Topics.ConversationAll(c.conversationID) {
			c.unsubscribe(t)
		}
	}
	c.conversationID = conversationID
	for _, t := range Topics.ConversationAll(conversationID) {
		c.subscribe(t)
	}
}

func (c *Client) leaveConversation() {
	if c.conversationID == "" {
		return
	}
	for _, t := range Topics.ConversationAll(c.conversationID) {
		c.unsubscribe(t)
	}
	c.conversationID = ""
}
