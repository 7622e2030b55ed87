// Package transporttest provides a scriptable in-memory transport for tests.
package transporttest

import (
	"sync"

	"github.com/observer/chatlink/internal/transport"
)

// Published records one Publish call.
type Published struct {
	Topic   string
	Payload []byte
	QoS     byte
}

type pendingOp struct {
	topic string
	cb    transport.Callback
}

// Dialer hands out Conns and remembers every one it created.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn

	// DialErr, when set, is returned by Dial instead of a connection.
	DialErr error
	// AutoConnect fires EventConnect right after Dial.
	AutoConnect bool
	// ManualAcks leaves subscribe/publish callbacks pending until the test
	// completes them with AckSubscribe/AckPublish.
	ManualAcks bool
	// SubscribeErr decides the outcome of auto-acknowledged subscribes.
	SubscribeErr func(topic string) error
	// PublishErr decides the outcome of auto-acknowledged publishes.
	PublishErr func(topic string) error
}

// NewDialer returns a dialer whose connections connect immediately.
func NewDialer() *Dialer {
	return &Dialer{AutoConnect: true}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(url string, opts transport.Options, h transport.Handler) (transport.Conn, error) {
	d.mu.Lock()
	if d.DialErr != nil {
		err := d.DialErr
		d.mu.Unlock()
		return nil, err
	}
	c := &Conn{
		dialer:  d,
		url:     url,
		opts:    opts,
		handler: h,
	}
	d.conns = append(d.conns, c)
	auto := d.AutoConnect
	d.mu.Unlock()

	if auto {
		c.Connect()
	}
	return c, nil
}

// Conns returns every connection dialed so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Count returns how many connections were dialed.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *Dialer) settings() (manual bool, subErr, pubErr func(string) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ManualAcks, d.SubscribeErr, d.PublishErr
}

// Conn is a fake broker connection.
type Conn struct {
	dialer  *Dialer
	url     string
	opts    transport.Options
	handler transport.Handler

	mu             sync.Mutex
	connected      bool
	reconnecting   bool
	disconnecting  bool
	ended          bool
	reconnectCalls int
	subscribes     []string
	unsubscribes   []string
	publishes      []Published
	pendingSubs    []pendingOp
	pendingPubs    []pendingOp
}

// URL returns the dialed broker URL.
func (c *Conn) URL() string { return c.url }

// Options returns the dial options.
func (c *Conn) Options() transport.Options { return c.opts }

// ClientID implements transport.Conn.
func (c *Conn) ClientID() string { return c.opts.ClientID }

// Connected implements transport.Conn.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Reconnecting implements transport.Conn.
func (c *Conn) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnecting
}

// Disconnecting implements transport.Conn.
func (c *Conn) Disconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnecting
}

// SetFlags overrides the advisory flags without firing events.
func (c *Conn) SetFlags(connected, reconnecting, disconnecting bool) {
	c.mu.Lock()
	c.connected = connected
	c.reconnecting = reconnecting
	c.disconnecting = disconnecting
	c.mu.Unlock()
}

// Fire delivers a raw event to the client.
func (c *Conn) Fire(ev transport.Event) {
	c.handler(ev)
}

// Connect marks the connection up and fires EventConnect.
func (c *Conn) Connect() {
	c.SetFlags(true, false, false)
	c.Fire(transport.Event{Kind: transport.EventConnect})
}

// Drop marks the connection down and fires EventOffline and EventClose.
func (c *Conn) Drop() {
	c.SetFlags(false, false, false)
	c.Fire(transport.Event{Kind: transport.EventOffline})
	c.Fire(transport.Event{Kind: transport.EventClose})
}

// Deliver fires an inbound message.
func (c *Conn) Deliver(topic string, payload []byte) {
	c.Fire(transport.Event{Kind: transport.EventMessage, Topic: topic, Payload: payload})
}

// Fail fires an error event.
func (c *Conn) Fail(err error) {
	c.Fire(transport.Event{Kind: transport.EventError, Err: err})
}

// Publish implements transport.Conn.
func (c *Conn) Publish(topic string, payload []byte, qos byte, cb transport.Callback) {
	manual, _, pubErr := c.dialer.settings()

	c.mu.Lock()
	c.publishes = append(c.publishes, Published{Topic: topic, Payload: append([]byte(nil), payload...), QoS: qos})
	if manual {
		c.pendingPubs = append(c.pendingPubs, pendingOp{topic: topic, cb: cb})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var err error
	if pubErr != nil {
		err = pubErr(topic)
	}
	if cb != nil {
		cb(err)
	}
}

// Subscribe implements transport.Conn.
func (c *Conn) Subscribe(topic string, qos byte, cb transport.Callback) {
	manual, subErr, _ := c.dialer.settings()

	c.mu.Lock()
	c.subscribes = append(c.subscribes, topic)
	if manual {
		c.pendingSubs = append(c.pendingSubs, pendingOp{topic: topic, cb: cb})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var err error
	if subErr != nil {
		err = subErr(topic)
	}
	if cb != nil {
		cb(err)
	}
}

// Unsubscribe implements transport.Conn.
func (c *Conn) Unsubscribe(topic string, cb transport.Callback) {
	c.mu.Lock()
	c.unsubscribes = append(c.unsubscribes, topic)
	c.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}

// End implements transport.Conn.
func (c *Conn) End(force bool, cb func()) {
	c.mu.Lock()
	c.ended = true
	c.connected = false
	c.reconnecting = false
	c.disconnecting = false
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Reconnect implements transport.Conn.
func (c *Conn) Reconnect() error {
	c.mu.Lock()
	c.reconnectCalls++
	c.reconnecting = true
	c.mu.Unlock()
	return nil
}

// AckSubscribe completes the oldest pending subscribe of topic.
// It returns false when nothing was pending.
func (c *Conn) AckSubscribe(topic string, err error) bool {
	return c.ack(&c.pendingSubs, topic, err)
}

// AckPublish completes the oldest pending publish to topic.
func (c *Conn) AckPublish(topic string, err error) bool {
	return c.ack(&c.pendingPubs, topic, err)
}

func (c *Conn) ack(list *[]pendingOp, topic string, err error) bool {
	c.mu.Lock()
	var op *pendingOp
	for i := range *list {
		if (*list)[i].topic == topic {
			found := (*list)[i]
			op = &found
			*list = append((*list)[:i], (*list)[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if op == nil {
		return false
	}
	if op.cb != nil {
		op.cb(err)
	}
	return true
}

// Subscribes returns every topic passed to Subscribe, in call order.
func (c *Conn) Subscribes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribes...)
}

// SubscribeCount returns how many times topic was subscribed.
func (c *Conn) SubscribeCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.subscribes {
		if s == topic {
			n++
		}
	}
	return n
}

// Unsubscribes returns every topic passed to Unsubscribe.
func (c *Conn) Unsubscribes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubscribes...)
}

// Publishes returns every Publish call in order.
func (c *Conn) Publishes() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.publishes...)
}

// Ended reports whether End was called.
func (c *Conn) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// ReconnectCalls returns how many times Reconnect was called.
func (c *Conn) ReconnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectCalls
}
