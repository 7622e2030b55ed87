package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/observer/chatlink/internal/eventbus"
	"github.com/observer/chatlink/internal/transport"
)

// Connect sets the user identity and waits until the broker connection is up.
// It returns nil immediately when already connected. An empty userID keeps
// the current identity.
func (c *Client) Connect(ctx context.Context, userID string) error {
	return c.await(ctx, func(result chan<- error) {
		c.connect(userID, result)
	})
}

// Disconnect closes the connection on request. Automatic reconnection stops
// until the next Connect. Queued operations are dropped.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.await(ctx, c.disconnect)
}

func (c *Client) connect(userID string, result chan<- error) {
	c.manualDisconnect = false
	if c.gaveUp {
		c.gaveUp = false
		c.reconnectAttempts = 0
	}
	c.startWatchdog()

	if userID != "" && userID != c.userID {
		c.switchUser(userID)
	}

	if c.isConnected() {
		result <- nil
		return
	}

	c.addWaiter(result)

	if c.conn == nil || c.discardConn || c.isStale() {
		c.rebuild("connect")
		return
	}
	c.ensureConnected()
}

// switchUser moves the personal subscriptions to a new identity.
func (c *Client) switchUser(userID string) {
	old := c.userID
	c.userID = userID
	c.logger.Info("user changed", "previous", old, "user_id", userID)

	if old != "" {
		for _, t := range Topics.User(old) {
			c.unsubscribe(t)
		}
	}
	// Before restoration the settle sequence picks up the new identity.
	if c.isConnected() && c.restored {
		for _, t := range Topics.User(userID) {
			c.subscribe(t)
		}
	}
}

// isStale reports whether the current transport has been trying to connect
// for longer than its own timeout.
func (c *Client) isStale() bool {
	if c.conn == nil || c.conn.Connected() {
		return false
	}
	return c.clock.Since(c.lastConnectAt) > c.opts.ConnectTimeout+c.opts.StaleGrace
}

func (c *Client) addWaiter(result chan<- error) {
	c.nextWaiter++
	id := c.nextWaiter
	w := &waiter{ch: result}
	w.timer = c.clock.AfterFunc(c.opts.ConnectWait, func() {
		c.post(func() {
			if _, ok := c.waiters[id]; !ok {
				return
			}
			delete(c.waiters, id)
			c.discardConn = true
			c.logger.Warn("connect timed out", "after", c.opts.ConnectWait, "client_id", c.clientID)
			w.ch <- ErrConnectTimeout
		})
	})
	c.waiters[id] = w
}

func (c *Client) resolveWaiters(err error) {
	for id, w := range c.waiters {
		w.timer.Stop()
		delete(c.waiters, id)
		w.ch <- err
	}
}

// rebuild discards the current transport and dials a fresh one.
func (c *Client) rebuild(reason string) {
	c.teardown()
	c.discardConn = false

	attempt := c.reconnectAttempts
	c.reconnectAttempts++
	c.clientID = c.ids.Next(attempt)
	c.lastConnectAt = c.clock.Now()
	c.setState(StateConnecting)

	c.logger.Info("building transport",
		"reason", reason,
		"client_id", c.clientID,
		"attempt", attempt,
	)

	gen := c.connGen
	conn, err := c.dialer.Dial(c.opts.URL, c.transportOptions(), c.handlerFor(gen))
	if err != nil {
		c.logger.Error("dial failed", "error", err, "client_id", c.clientID)
		c.recordError(err.Error())
		c.setState(StateDisconnected)
		c.emit(eventbus.Error{Err: err})
		c.resolveWaiters(fmt.Errorf("connect: %w", err))
		c.scheduleRebuild("dial failed")
		return
	}
	c.conn = conn
}

func (c *Client) transportOptions() transport.Options {
	return transport.Options{
		ClientID:          c.clientID,
		KeepAlive:         c.opts.KeepAlive,
		ConnectTimeout:    c.opts.ConnectTimeout,
		AutoReconnect:     !c.opts.NoTransportReconnect,
		ReconnectDelay:    c.opts.ReconnectDelay,
		MaxReconnectDelay: c.opts.MaxReconnectDelay,
		ReconnectBackoff:  c.opts.ReconnectBackoff,
	}
}

// handlerFor binds transport events to one connection generation. Events from
// replaced transports are dropped.
func (c *Client) handlerFor(gen uint64) transport.Handler {
	return func(ev transport.Event) {
		c.post(func() {
			if gen != c.connGen || c.conn == nil {
				return
			}
			c.handleEvent(ev)
		})
	}
}

func (c *Client) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnect:
		c.onConnect()
	case transport.EventReconnect:
		c.onReconnect()
	case transport.EventClose, transport.EventOffline:
		c.onClose(ev.Kind)
	case transport.EventError:
		c.onError(ev.Err)
	case transport.EventMessage:
		c.onMessage(ev.Topic, ev.Payload)
	}
}

// teardown ends the current transport and invalidates everything bound to it.
func (c *Client) teardown() {
	c.cancelSessionTimers()
	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		conn.End(true, nil)
	}
	c.connGen++
	c.ledger.Requeue()
	c.restored = false
	c.reconciledGen = 0
	c.disconnectingStartAt = time.Time{}
}

func (c *Client) onConnect() {
	if c.reconciledGen == c.connGen && c.reconciledGen != 0 {
		// Already adopted this session.
		c.reconciledGen = 0
		c.logger.Debug("connect event for a reconciled session", "client_id", c.correlationID())
		return
	}
	c.setState(StateConnected)
	c.reconnectAttempts = 0
	c.discardConn = false
	c.disconnectingStartAt = time.Time{}
	c.restored = false
	// Sessions are clean, so every subscription has to be made again.
	c.ledger.Requeue()

	clientID := c.clientID
	if id := c.conn.ClientID(); id != "" {
		clientID = id
	}
	c.logger.Info("connected", "client_id", clientID, "user_id", c.userID)

	c.resolveWaiters(nil)
	c.emit(eventbus.Connected{ClientID: clientID})

	gen := c.connGen
	c.after(c.opts.SettleDelay, func() {
		if gen != c.connGen || !c.isConnected() || c.restored {
			return
		}
		c.restore()
	})
}

func (c *Client) onReconnect() {
	c.reconciledGen = 0
	if c.manualDisconnect {
		return
	}
	c.reconnectAttempts++
	c.lastConnectAt = c.clock.Now()
	c.setState(StateReconnecting)
	c.logger.Info("transport reconnecting", "attempt", c.reconnectAttempts)
	c.emit(eventbus.Reconnecting{Attempt: c.reconnectAttempts})
}

func (c *Client) onClose(kind transport.EventKind) {
	c.reconciledGen = 0
	if c.manualDisconnect {
		return
	}
	wasDown := c.state == StateDisconnected
	c.setState(StateDisconnected)
	c.restored = false
	c.disconnectingStartAt = time.Time{}
	if wasDown {
		return
	}
	c.logger.Warn("connection lost", "event", kind.String(), "client_id", c.clientID)
	c.emit(eventbus.Disconnected{})
}

func (c *Client) onError(err error) {
	if c.manualDisconnect || err == nil {
		return
	}
	c.logger.Error("transport error", "error", err, "client_id", c.clientID)
	c.recordError(err.Error())
	c.emit(eventbus.Error{Err: err})
	c.resolveWaiters(fmt.Errorf("connect: %w", err))

	if !transport.IsKeepaliveTimeout(err) {
		return
	}
	gen := c.connGen
	c.after(c.opts.KeepaliveCheckDelay, func() {
		if gen != c.connGen || c.conn == nil {
			return
		}
		if c.conn.Connected() || c.conn.Reconnecting() {
			c.forceReset("keepalive timeout but transport still reports a live session")
		}
	})
}

// restore re-establishes every subscription after a connect and then flushes
// the outbound queue.
func (c *Client) restore() {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrRestoreFailed, r)
			c.logger.Error("restore panicked", "error", err)
			c.recordError(err.Error())
			c.emit(eventbus.Error{Err: err})
		}
	}()

	if c.userID != "" {
		for _, t := range Topics.User(c.userID) {
			c.subscribe(t)
		}
	}
	if c.conversationID != "" {
		for _, t := range Topics.ConversationAll(c.conversationID) {
			c.subscribe(t)
		}
	}
	for _, t := range c.ledger.DrainPending() {
		c.subscribe(t)
	}

	c.restored = true
	c.logger.Info("subscriptions restored", "subscribed", c.ledger.Counts().Subscribed)
	c.flush()
}

// ensureConnected nudges the transport towards a connected state. It is safe
// to call at any time and is a no-op while a connection attempt is running.
func (c *Client) ensureConnected() {
	if c.manualDisconnect || c.gaveUp {
		return
	}
	if c.conn == nil {
		if !c.rebuildScheduled {
			c.rebuild("no transport")
		}
		return
	}

	now := c.clock.Now()

	if c.conn.Connected() {
		if c.state != StateConnected {
			c.reconcile()
		}
		return
	}

	if c.state == StateConnected {
		c.logger.Warn("transport reports disconnected while client believes connected")
		c.onClose(transport.EventOffline)
	}

	if c.conn.Disconnecting() {
		if c.disconnectingStartAt.IsZero() {
			c.disconnectingStartAt = now
			return
		}
		if now.Sub(c.disconnectingStartAt) > c.opts.EnsureDisconnectingWait {
			c.forceReset("transport stuck disconnecting")
		}
		return
	}
	c.disconnectingStartAt = time.Time{}

	if c.conn.Reconnecting() {
		since := c.lastConnectAt
		if c.lastErrorAt.After(since) {
			since = c.lastErrorAt
		}
		if now.Sub(since) > c.opts.StuckReconnectTimeout {
			c.forceReset("transport stuck reconnecting")
		}
		return
	}

	if c.state == StateConnecting && now.Sub(c.lastConnectAt) < c.opts.ConnectTimeout {
		return
	}

	if err := c.conn.Reconnect(); err != nil {
		c.logger.Warn("reconnect failed, rebuilding transport", "error", err)
		c.rebuild("reconnect failed")
		return
	}
	c.lastConnectAt = now
	c.reconnectAttempts++
	c.setState(StateReconnecting)
	c.emit(eventbus.Reconnecting{Attempt: c.reconnectAttempts})
}

// reconcile adopts the transport's view when it reports a live session the
// client missed the connect event for.
func (c *Client) reconcile() {
	c.logger.Warn("transport connected but client state is stale, reconciling", "state", c.state.String())
	c.setState(StateConnected)
	c.reconnectAttempts = 0
	c.disconnectingStartAt = time.Time{}
	c.reconciledGen = c.connGen
	c.ledger.Requeue()
	c.resolveWaiters(nil)
	c.emit(eventbus.Connected{ClientID: c.correlationID()})
	c.restore()
}

// forceReset throws the transport away and schedules a rebuild.
func (c *Client) forceReset(reason string) {
	c.logger.Warn("forcing transport reset", "reason", reason, "client_id", c.clientID)
	wasConnected := c.state == StateConnected

	c.teardown()
	c.setState(StateDisconnected)
	c.recordError(reason)

	if wasConnected {
		c.emit(eventbus.Disconnected{})
	}
	c.scheduleRebuild(reason)
}

// scheduleRebuild arms the rebuild timer using the reset backoff, throttled
// by the reset limiter.
func (c *Client) scheduleRebuild(reason string) {
	if c.manualDisconnect || c.rebuildScheduled {
		return
	}
	if c.rebuildPolicy.Exhausted(c.reconnectAttempts) {
		c.gaveUp = true
		c.logger.Error("giving up on reconnecting", "attempts", c.reconnectAttempts)
		c.recordError(ErrReconnectExhausted.Error())
		c.emit(eventbus.Error{Err: ErrReconnectExhausted})
		c.resolveWaiters(ErrReconnectExhausted)
		return
	}

	delay := c.rebuildPolicy.Delay(c.reconnectAttempts)
	now := c.clock.Now()
	if r := c.resetLimiter.ReserveN(now, 1); r.OK() {
		if d := r.DelayFrom(now); d > delay {
			delay = d
		}
	}

	c.rebuildScheduled = true
	c.logger.Info("rebuild scheduled", "reason", reason, "delay", delay)
	c.after(delay, func() {
		c.rebuildScheduled = false
		if c.conn != nil || c.manualDisconnect {
			return
		}
		c.rebuild(reason)
	})
}

func (c *Client) disconnect(result chan<- error) {
	c.manualDisconnect = true
	c.stopWatchdog()
	c.cancelSessionTimers()
	c.resolveWaiters(ErrManualDisconnect)

	if n := c.queue.Clear(); n > 0 {
		c.logger.Warn("dropping queued operations on disconnect", "count", n)
	}
	c.ledger.Clear()
	c.restored = false
	c.disconnectingStartAt = time.Time{}

	conn := c.conn
	c.conn = nil
	c.connGen++

	done := func() {
		c.post(func() {
			if c.manualDisconnect {
				c.setState(StateDisconnected)
			}
			c.logger.Info("disconnected", "user_id", c.userID)
			c.emit(eventbus.Disconnected{Manual: true})
			result <- nil
		})
	}
	if conn == nil {
		c.setState(StateDisconnected)
		done()
		return
	}
	c.setState(StateDisconnecting)
	conn.End(true, done)
}
