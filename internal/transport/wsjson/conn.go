package wsjson

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/observer/chatlink/internal/backoff"
	"github.com/observer/chatlink/internal/transport"
)

const (
	// Time allowed to write a frame to the broker
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the broker (attachments travel inline)
	maxFrameSize = 8 << 20

	// Buffered outgoing frames per session
	sendBuffer = 256
)

// Dialer opens wsjson connections.
type Dialer struct {
	WS     *websocket.Dialer // nil uses websocket.DefaultDialer
	Header http.Header
	Logger *slog.Logger
}

// NewDialer creates a Dialer with the default WebSocket settings.
func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{Logger: logger}
}

// Dial implements transport.Dialer. It returns immediately; the outcome of
// the first connection attempt is reported through h.
func (d *Dialer) Dial(url string, opts transport.Options, h transport.Handler) (transport.Conn, error) {
	ws := d.WS
	if ws == nil {
		ws = websocket.DefaultDialer
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:            url,
		header:         d.Header,
		ws:             ws,
		opts:           opts,
		handler:        h,
		logger:         logger.With("component", "wsjson", "client_id", opts.ClientID),
		pingPeriod:     keepAlive,
		pongWait:       keepAlive + keepAlive/2,
		connectTimeout: connectTimeout,
		policy: backoff.Policy{
			Initial:    reconnectDelay,
			Multiplier: opts.ReconnectBackoff,
			Max:        opts.MaxReconnectDelay,
			Jitter:     0.2,
		},
		ctx:     ctx,
		cancel:  cancel,
		kick:    make(chan struct{}, 1),
		pending: make(map[uint64]transport.Callback),
	}
	c.clientID.Store(opts.ClientID)

	go c.run()
	return c, nil
}

// Conn is a wsjson connection. It redials on its own when AutoReconnect is set.
type Conn struct {
	url            string
	header         http.Header
	ws             *websocket.Dialer
	opts           transport.Options
	handler        transport.Handler
	logger         *slog.Logger
	pingPeriod     time.Duration
	pongWait       time.Duration
	connectTimeout time.Duration
	policy         backoff.Policy

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}

	connected     atomic.Bool
	reconnecting  atomic.Bool
	disconnecting atomic.Bool
	ended         atomic.Bool
	clientID      atomic.Value // string

	mu      sync.Mutex
	sock    *websocket.Conn
	send    chan []byte
	pending map[uint64]transport.Callback
	nextID  uint64
}

// ClientID implements transport.Conn. It is the identifier the broker
// assigned, or the requested one.
func (c *Conn) ClientID() string {
	id, _ := c.clientID.Load().(string)
	return id
}

// Connected implements transport.Conn.
func (c *Conn) Connected() bool { return c.connected.Load() }

// Reconnecting implements transport.Conn.
func (c *Conn) Reconnecting() bool { return c.reconnecting.Load() }

// Disconnecting implements transport.Conn.
func (c *Conn) Disconnecting() bool { return c.disconnecting.Load() }

func (c *Conn) emit(ev transport.Event) {
	if c.ended.Load() {
		return
	}
	c.handler(ev)
}

// run dials sessions until the connection is ended.
func (c *Conn) run() {
	attempt := 0
	for {
		if c.session() {
			attempt = 0
		}
		if c.ended.Load() {
			return
		}

		if c.opts.AutoReconnect {
			delay := c.policy.Delay(attempt)
			attempt++
			select {
			case <-time.After(delay):
			case <-c.kick:
			case <-c.ctx.Done():
				return
			}
		} else {
			select {
			case <-c.kick:
			case <-c.ctx.Done():
				return
			}
		}

		c.reconnecting.Store(true)
		c.emit(transport.Event{Kind: transport.EventReconnect})
	}
}

// session runs one connection from dial to close. It reports whether the
// broker accepted the connection.
func (c *Conn) session() bool {
	sock, err := c.dial()
	if err != nil {
		c.reconnecting.Store(false)
		if !c.ended.Load() {
			c.logger.Warn("connect failed", "url", c.url, "error", err)
			c.emit(transport.Event{Kind: transport.EventError, Err: err})
			c.emit(transport.Event{Kind: transport.EventClose})
		}
		return false
	}

	send := make(chan []byte, sendBuffer)
	c.mu.Lock()
	if c.ended.Load() {
		c.mu.Unlock()
		_ = sock.Close()
		return false
	}
	c.sock = sock
	c.send = send
	c.mu.Unlock()

	c.reconnecting.Store(false)
	c.connected.Store(true)
	c.logger.Info("connected", "url", c.url)
	c.emit(transport.Event{Kind: transport.EventConnect})

	done := make(chan struct{})
	go c.writePump(sock, send, done)
	readErr := c.readPump(sock)
	close(done)

	c.connected.Store(false)
	c.mu.Lock()
	if c.sock == sock {
		c.sock = nil
		c.send = nil
	}
	c.mu.Unlock()
	_ = sock.Close()
	c.failPending(transport.ErrConnectionClosed)

	if !c.ended.Load() {
		if readErr != nil {
			c.logger.Warn("connection lost", "error", readErr)
			c.emit(transport.Event{Kind: transport.EventError, Err: readErr})
		}
		c.emit(transport.Event{Kind: transport.EventOffline})
		c.emit(transport.Event{Kind: transport.EventClose})
	}
	return true
}

// dial opens the socket and performs the connect handshake.
func (c *Conn) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.connectTimeout)
	defer cancel()

	sock, _, err := c.ws.DialContext(ctx, c.url, c.header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrConnectionRefused, err)
	}

	hello := Frame{
		Type:      FrameConnect,
		ClientID:  c.ClientID(),
		KeepAlive: int(c.pingPeriod / time.Second),
	}
	_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sock.WriteJSON(&hello); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("%w: write connect: %v", transport.ErrConnectionClosed, err)
	}

	_ = sock.SetReadDeadline(time.Now().Add(c.connectTimeout))
	_, data, err := sock.ReadMessage()
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("%w: read connack: %v", transport.ErrConnectionClosed, err)
	}
	ack, err := Decode(data)
	if err != nil || ack.Type != FrameConnack {
		_ = sock.Close()
		return nil, fmt.Errorf("%w: unexpected handshake reply", transport.ErrConnectionRefused)
	}
	if err := ack.Err(); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("%w: %v", transport.ErrConnectionRefused, err)
	}
	if ack.ClientID != "" {
		c.clientID.Store(ack.ClientID)
	}
	return sock, nil
}

// readPump pumps frames from the broker until the socket fails.
func (c *Conn) readPump(sock *websocket.Conn) error {
	sock.SetReadLimit(maxFrameSize)
	_ = sock.SetReadDeadline(time.Now().Add(c.pongWait))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if c.ended.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: no pong within %s", transport.ErrKeepaliveTimeout, c.pongWait)
			}
			return fmt.Errorf("%w: %v", transport.ErrConnectionClosed, err)
		}

		f, err := Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.handleFrame(f)
	}
}

// writePump pumps queued frames to the broker and keeps the socket alive
// with pings.
func (c *Conn) writePump(sock *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case data := <-send:
			_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = sock.Close()
				return
			}
		case <-ticker.C:
			_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = sock.Close()
				return
			}
		}
	}
}

func (c *Conn) handleFrame(f *Frame) {
	switch f.Type {
	case FrameSuback, FrameUnsuback, FramePuback:
		c.complete(f.ID, f.Err())
	case FrameMessage:
		c.emit(transport.Event{Kind: transport.EventMessage, Topic: f.Topic, Payload: f.Payload})
	case FrameError:
		if f.ID != 0 {
			c.complete(f.ID, f.Err())
			return
		}
		c.emit(transport.Event{Kind: transport.EventError, Err: f.Err()})
	default:
		c.logger.Debug("ignoring frame", "type", f.Type)
	}
}

func (c *Conn) complete(id uint64, err error) {
	c.mu.Lock()
	cb, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok && cb != nil {
		cb(err)
	}
}

func (c *Conn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]transport.Callback)
	c.mu.Unlock()
	for _, cb := range pending {
		if cb != nil {
			cb(err)
		}
	}
}

// request queues f for the broker. When ack is true cb runs once the broker
// acknowledges; otherwise it runs as soon as the frame is queued.
func (c *Conn) request(f Frame, ack bool, cb transport.Callback) {
	fail := func(err error) {
		if cb != nil {
			cb(err)
		}
	}
	if c.disconnecting.Load() {
		fail(transport.ErrDisconnecting)
		return
	}

	c.mu.Lock()
	if c.send == nil {
		c.mu.Unlock()
		fail(transport.ErrNotConnected)
		return
	}
	c.nextID++
	f.ID = c.nextID
	data, err := f.Encode()
	if err != nil {
		c.mu.Unlock()
		fail(err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.mu.Unlock()
		fail(fmt.Errorf("%w: send buffer full", transport.ErrTimeout))
		return
	}
	if ack && cb != nil {
		c.pending[f.ID] = cb
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fail(nil)
}

// Publish implements transport.Conn. QoS 0 publishes are not acknowledged.
func (c *Conn) Publish(topic string, payload []byte, qos byte, cb transport.Callback) {
	c.request(Frame{Type: FramePublish, Topic: topic, Payload: payload, QoS: qos}, qos > 0, cb)
}

// Subscribe implements transport.Conn.
func (c *Conn) Subscribe(topic string, qos byte, cb transport.Callback) {
	c.request(Frame{Type: FrameSubscribe, Topic: topic, QoS: qos}, true, cb)
}

// Unsubscribe implements transport.Conn.
func (c *Conn) Unsubscribe(topic string, cb transport.Callback) {
	c.request(Frame{Type: FrameUnsubscribe, Topic: topic}, true, cb)
}

// Reconnect implements transport.Conn. It cuts the reconnect delay short.
func (c *Conn) Reconnect() error {
	if c.ended.Load() {
		return transport.ErrConnectionClosed
	}
	if c.connected.Load() {
		return nil
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

// End implements transport.Conn. A graceful end sends a close frame first.
func (c *Conn) End(force bool, cb func()) {
	if c.ended.Swap(true) {
		if cb != nil {
			go cb()
		}
		return
	}
	c.disconnecting.Store(true)
	c.cancel()

	go func() {
		c.mu.Lock()
		sock := c.sock
		c.sock = nil
		c.send = nil
		c.mu.Unlock()

		if sock != nil {
			if !force {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			_ = sock.Close()
		}
		c.failPending(transport.ErrConnectionClosed)

		c.connected.Store(false)
		c.reconnecting.Store(false)
		c.disconnecting.Store(false)
		c.logger.Debug("ended", "force", force)
		if cb != nil {
			cb()
		}
	}()
}
