// Package mqtt adapts an Eclipse Paho MQTT client to transport.Conn.
package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/observer/chatlink/internal/transport"
)

// Quiesce period granted to in-flight work on a graceful End.
const quiesceMillis = 250

// subscribeFailure is the SUBACK return code for a refused subscription.
const subscribeFailure = 0x80

// Dialer opens MQTT connections over tcp://, ssl://, ws:// or wss:// URLs.
type Dialer struct {
	TLS    *tls.Config
	Logger *slog.Logger
}

// NewDialer creates a Dialer.
func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{Logger: logger}
}

// Dial implements transport.Dialer. The connect itself runs in the
// background and its outcome is reported through h.
func (d *Dialer) Dial(url string, opts transport.Options, h transport.Handler) (transport.Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		handler: h,
		logger:  logger.With("component", "mqtt", "client_id", opts.ClientID),
		opts:    opts,
	}
	c.client = paho.NewClient(c.clientOptions(url, d.TLS))

	go c.connect()
	return c, nil
}

// Conn is an MQTT connection.
type Conn struct {
	client  paho.Client
	handler transport.Handler
	logger  *slog.Logger
	opts    transport.Options

	reconnecting  atomic.Bool
	disconnecting atomic.Bool
	ended         atomic.Bool
}

func (c *Conn) clientOptions(url string, tlsConfig *tls.Config) *paho.ClientOptions {
	o := paho.NewClientOptions().
		AddBroker(url).
		SetClientID(c.opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(c.opts.AutoReconnect).
		SetConnectRetry(false).
		SetDefaultPublishHandler(c.onMessage).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(c.onReconnecting)

	if c.opts.KeepAlive > 0 {
		o.SetKeepAlive(c.opts.KeepAlive)
	}
	if c.opts.ConnectTimeout > 0 {
		o.SetConnectTimeout(c.opts.ConnectTimeout)
	}
	if c.opts.MaxReconnectDelay > 0 {
		o.SetMaxReconnectInterval(c.opts.MaxReconnectDelay)
	}
	if tlsConfig != nil {
		o.SetTLSConfig(tlsConfig)
	}
	return o
}

func (c *Conn) emit(ev transport.Event) {
	if c.ended.Load() {
		return
	}
	c.handler(ev)
}

func (c *Conn) connect() {
	tok := c.client.Connect()
	tok.Wait()
	c.reconnecting.Store(false)
	if err := tok.Error(); err != nil {
		c.logger.Warn("connect failed", "error", err)
		c.emit(transport.Event{Kind: transport.EventError, Err: fmt.Errorf("%w: %v", transport.ErrConnectionRefused, err)})
		c.emit(transport.Event{Kind: transport.EventClose})
	}
}

func (c *Conn) onConnect(paho.Client) {
	c.reconnecting.Store(false)
	c.logger.Info("connected")
	c.emit(transport.Event{Kind: transport.EventConnect})
}

func (c *Conn) onConnectionLost(_ paho.Client, err error) {
	c.logger.Warn("connection lost", "error", err)
	c.emit(transport.Event{Kind: transport.EventError, Err: mapErr(err)})
	c.emit(transport.Event{Kind: transport.EventOffline})
	c.emit(transport.Event{Kind: transport.EventClose})
}

func (c *Conn) onReconnecting(paho.Client, *paho.ClientOptions) {
	c.reconnecting.Store(true)
	c.emit(transport.Event{Kind: transport.EventReconnect})
}

func (c *Conn) onMessage(_ paho.Client, m paho.Message) {
	c.emit(transport.Event{Kind: transport.EventMessage, Topic: m.Topic(), Payload: m.Payload()})
}

// ClientID implements transport.Conn.
func (c *Conn) ClientID() string {
	r := c.client.OptionsReader()
	return r.ClientID()
}

// Connected implements transport.Conn.
func (c *Conn) Connected() bool { return c.client.IsConnectionOpen() }

// Reconnecting implements transport.Conn.
func (c *Conn) Reconnecting() bool {
	return c.reconnecting.Load() && !c.client.IsConnectionOpen()
}

// Disconnecting implements transport.Conn.
func (c *Conn) Disconnecting() bool { return c.disconnecting.Load() }

// wait resolves tok in the background and reports its outcome to cb.
func (c *Conn) wait(tok paho.Token, cb transport.Callback, check func() error) {
	timeout := c.opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	go func() {
		var err error
		switch {
		case !tok.WaitTimeout(timeout):
			err = transport.ErrTimeout
		case tok.Error() != nil:
			err = mapErr(tok.Error())
		case check != nil:
			err = check()
		}
		if cb != nil {
			cb(err)
		}
	}()
}

func (c *Conn) precheck(cb transport.Callback) bool {
	var err error
	switch {
	case c.disconnecting.Load():
		err = transport.ErrDisconnecting
	case !c.client.IsConnectionOpen():
		err = transport.ErrNotConnected
	default:
		return true
	}
	if cb != nil {
		cb(err)
	}
	return false
}

// Publish implements transport.Conn.
func (c *Conn) Publish(topic string, payload []byte, qos byte, cb transport.Callback) {
	if !c.precheck(cb) {
		return
	}
	c.wait(c.client.Publish(topic, qos, false, payload), cb, nil)
}

// Subscribe implements transport.Conn. Inbound messages arrive through the
// default publish handler.
func (c *Conn) Subscribe(topic string, qos byte, cb transport.Callback) {
	if !c.precheck(cb) {
		return
	}
	tok := c.client.Subscribe(topic, qos, nil)
	c.wait(tok, cb, func() error {
		st, ok := tok.(*paho.SubscribeToken)
		if !ok {
			return nil
		}
		if code, ok := st.Result()[topic]; ok && code >= subscribeFailure {
			return fmt.Errorf("mqtt: subscription to %q refused by broker", topic)
		}
		return nil
	})
}

// Unsubscribe implements transport.Conn.
func (c *Conn) Unsubscribe(topic string, cb transport.Callback) {
	if !c.precheck(cb) {
		return
	}
	c.wait(c.client.Unsubscribe(topic), cb, nil)
}

// Reconnect implements transport.Conn. With auto-reconnect on, paho owns
// the retry loop and this is a no-op while it runs.
func (c *Conn) Reconnect() error {
	if c.ended.Load() {
		return transport.ErrConnectionClosed
	}
	if c.client.IsConnectionOpen() || c.client.IsConnected() {
		return nil
	}
	if c.reconnecting.Swap(true) {
		return nil
	}
	c.emit(transport.Event{Kind: transport.EventReconnect})
	go c.connect()
	return nil
}

// End implements transport.Conn.
func (c *Conn) End(force bool, cb func()) {
	if c.ended.Swap(true) {
		if cb != nil {
			go cb()
		}
		return
	}
	c.disconnecting.Store(true)

	go func() {
		var quiesce uint = quiesceMillis
		if force {
			quiesce = 0
		}
		c.client.Disconnect(quiesce)
		c.disconnecting.Store(false)
		c.reconnecting.Store(false)
		c.logger.Debug("ended", "force", force)
		if cb != nil {
			cb()
		}
	}()
}

// mapErr translates paho errors to transport sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, paho.ErrNotConnected) {
		return fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "pingresp not received"):
		return fmt.Errorf("%w: %v", transport.ErrKeepaliveTimeout, err)
	case strings.Contains(msg, "eof"), strings.Contains(msg, "use of closed network connection"):
		return fmt.Errorf("%w: %v", transport.ErrConnectionClosed, err)
	}
	return err
}
