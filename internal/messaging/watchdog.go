package messaging

import "time"

// startWatchdog arms the periodic health check if it is not running.
func (c *Client) startWatchdog() {
	if c.watchdog != nil {
		return
	}
	c.armWatchdog()
}

func (c *Client) armWatchdog() {
	gen := c.watchdogGen
	c.watchdog = c.clock.AfterFunc(c.opts.WatchdogInterval, func() {
		c.post(func() {
			if gen != c.watchdogGen {
				return
			}
			c.watchdog = nil
			c.watchdogTick()
			if !c.manualDisconnect {
				c.armWatchdog()
			}
		})
	})
}

func (c *Client) stopWatchdog() {
	c.watchdogGen++
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

// watchdogTick detects transports that stopped making progress without
// telling us: stuck disconnecting, inert, or connected behind our back.
func (c *Client) watchdogTick() {
	if c.manualDisconnect || c.gaveUp || c.conn == nil {
		return
	}
	now := c.clock.Now()

	if c.conn.Disconnecting() {
		if c.disconnectingStartAt.IsZero() {
			c.disconnectingStartAt = now
			return
		}
		if now.Sub(c.disconnectingStartAt) > c.opts.DisconnectingLimit {
			c.forceReset("watchdog: transport stuck disconnecting")
		}
		return
	}
	c.disconnectingStartAt = time.Time{}

	connected := c.conn.Connected()
	if connected && c.state != StateConnected {
		c.reconcile()
		return
	}
	if !connected && !c.conn.Reconnecting() && now.Sub(c.lastConnectAt) > c.opts.InertTimeout {
		c.forceReset("watchdog: transport inert")
		return
	}
	if !connected && c.state == StateConnected {
		c.ensureConnected()
	}
}
