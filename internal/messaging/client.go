// Package messaging is the resilient pub/sub client used by the marketplace
// chat. It keeps one broker connection alive, restores subscriptions after
// every reconnect, queues outgoing operations while the connection is not
// ready, and republishes backend envelopes as typed events.
//
// All connection state is owned by a single goroutine. Public methods,
// transport callbacks and timers post closures to it, so none of the
// lifecycle code needs locks. Events are handed to listeners from a second
// goroutine, which lets listeners call back into the Client freely.
package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/observer/chatlink/internal/backoff"
	"github.com/observer/chatlink/internal/eventbus"
	"github.com/observer/chatlink/internal/identity"
	"github.com/observer/chatlink/internal/ledger"
	"github.com/observer/chatlink/internal/outbox"
	"github.com/observer/chatlink/internal/transport"
)

// op is an operation deferred until the connection is ready.
type op struct {
	name string
	run  func() error
}

type waiter struct {
	ch    chan<- error
	timer clockwork.Timer
}

// Client is a single logical connection to the broker.
type Client struct {
	opts   Options
	dialer transport.Dialer
	clock  clockwork.Clock
	logger *slog.Logger
	bus    *eventbus.Bus
	ids    *identity.Generator

	box     *mailbox[func()]
	events  *mailbox[eventbus.Event]
	stop    chan struct{}
	stopped chan struct{}
	closing sync.Once

	// Everything below is owned by the loop goroutine.
	conn                 transport.Conn
	connGen              uint64
	state                State
	manualDisconnect     bool
	discardConn          bool
	gaveUp               bool
	rebuildScheduled     bool
	restored             bool
	reconciledGen        uint64 // generation adopted by reconcile before its connect event arrived
	userID               string
	conversationID       string
	clientID             string
	reconnectAttempts    int
	lastError            string
	lastErrorAt          time.Time
	lastConnectAt        time.Time
	disconnectingStartAt time.Time

	ledger *ledger.Ledger
	queue  *outbox.Queue[op]
	seen   *lru.Cache[string, struct{}]

	waiters    map[uint64]*waiter
	nextWaiter uint64

	timers    map[uint64]clockwork.Timer
	nextTimer uint64
	epoch     uint64

	watchdog    clockwork.Timer
	watchdogGen uint64

	rebuildPolicy  backoff.Policy
	subscribeRetry backoff.Policy
	subscribeDrain backoff.Policy
	resetLimiter   *rate.Limiter
}

// New creates a Client and starts its loop. Nothing is dialed until Connect
// or the first operation that needs a connection.
func New(dialer transport.Dialer, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	seen, err := lru.New[string, struct{}](opts.DedupCacheSize)
	if err != nil {
		return nil, err
	}

	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New(opts.Logger)
	}

	ids := identity.New(opts.IDPrefix)
	ids.Now = opts.Clock.Now

	c := &Client{
		opts:    opts,
		dialer:  dialer,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "messaging"),
		bus:     bus,
		ids:     ids,
		box:     newMailbox[func()](),
		events:  newMailbox[eventbus.Event](),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		ledger:  ledger.New(),
		queue:   outbox.New[op](opts.OutboxCapacity),
		seen:    seen,
		waiters: make(map[uint64]*waiter),
		timers:  make(map[uint64]clockwork.Timer),
		rebuildPolicy: backoff.Policy{
			Initial:     opts.ResetDelay,
			Multiplier:  opts.ReconnectBackoff,
			Max:         opts.MaxReconnectDelay,
			MaxAttempts: opts.MaxReconnectAttempts,
		},
		subscribeRetry: backoff.Fixed(opts.SubscribeRetryDelay, opts.SubscribeRetries),
		subscribeDrain: backoff.Fixed(opts.SubscribeRetryDelayDisconnected, opts.SubscribeRetries),
		resetLimiter:   rate.NewLimiter(rate.Every(opts.ResetInterval), opts.ResetBurst),
	}

	go c.run()
	go c.dispatch()

	return c, nil
}

// Events returns the bus listeners subscribe to.
func (c *Client) Events() *eventbus.Bus {
	return c.bus
}

// Status returns a diagnostic snapshot of the connection.
func (c *Client) Status() Status {
	var st Status
	if !c.call(func() { st = c.snapshot() }) {
		return Status{State: StateDisconnected.String(), ManualDisconnect: true}
	}
	return st
}

// Close disconnects and stops the client's goroutines. The Client cannot be
// used afterwards.
func (c *Client) Close() error {
	c.closing.Do(func() {
		c.call(c.shutdown)
		close(c.stop)
		<-c.stopped
		c.events.close()
	})
	return nil
}

func (c *Client) shutdown() {
	c.manualDisconnect = true
	c.stopWatchdog()
	c.cancelSessionTimers()
	c.resolveWaiters(ErrClosed)
	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		c.connGen++
		conn.End(true, nil)
	}
	c.setState(StateDisconnected)
}

// run is the loop that owns all connection state.
func (c *Client) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.stop:
			return
		case <-c.box.notify:
			for _, fn := range c.box.take() {
				fn()
			}
		}
	}
}

// dispatch hands events to listeners in the order they were emitted.
func (c *Client) dispatch() {
	for {
		evs, ok := c.events.wait()
		if !ok {
			return
		}
		for _, ev := range evs {
			c.bus.Emit(ev)
		}
	}
}

// post schedules fn on the loop. It returns false once the client is closed.
func (c *Client) post(fn func()) bool {
	select {
	case <-c.stop:
		return false
	default:
	}
	c.box.put(fn)
	return true
}

// call runs fn on the loop and waits for it to finish.
func (c *Client) call(fn func()) bool {
	done := make(chan struct{})
	if !c.post(func() {
		fn()
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-c.stopped:
		return false
	}
}

// await posts fn, which must eventually write exactly once to the channel it
// is given, and waits for that result.
func (c *Client) await(ctx context.Context, fn func(chan<- error)) error {
	result := make(chan error, 1)
	if !c.post(func() { fn(result) }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
}

func (c *Client) emit(ev eventbus.Event) {
	c.events.put(ev)
}

// after runs fn on the loop once d has elapsed, unless the session timers are
// cancelled first.
func (c *Client) after(d time.Duration, fn func()) {
	epoch := c.epoch
	c.nextTimer++
	id := c.nextTimer
	c.timers[id] = c.clock.AfterFunc(d, func() {
		c.post(func() {
			delete(c.timers, id)
			if epoch != c.epoch {
				return
			}
			fn()
		})
	})
}

// cancelSessionTimers stops every pending session timer, including a
// scheduled rebuild.
func (c *Client) cancelSessionTimers() {
	c.epoch++
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.rebuildScheduled = false
}

func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("state change", "from", c.state.String(), "to", s.String())
	c.state = s
}

func (c *Client) recordError(msg string) {
	c.lastError = msg
	c.lastErrorAt = c.clock.Now()
}

// isConnected reports whether the client believes it is connected and the
// transport agrees.
func (c *Client) isConnected() bool {
	return c.state == StateConnected && c.conn != nil && c.conn.Connected()
}

// ready reports whether operations can be sent right away.
func (c *Client) ready() bool {
	return c.isConnected() && c.restored
}

// correlationID returns the identifier stamped on outgoing envelopes.
func (c *Client) correlationID() string {
	if c.conn != nil {
		if id := c.conn.ClientID(); id != "" {
			return id
		}
	}
	return c.ids.Next(c.reconnectAttempts)
}

// mailbox is an unbounded FIFO with a wake-up channel. Producers never block.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{notify: make(chan struct{}, 1)}
}

func (m *mailbox[T]) put(item T) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) take() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// wait blocks until items are available or the mailbox is closed and empty.
func (m *mailbox[T]) wait() ([]T, bool) {
	for {
		if items := m.take(); len(items) > 0 {
			return items, true
		}
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, false
		}
		<-m.notify
	}
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}
