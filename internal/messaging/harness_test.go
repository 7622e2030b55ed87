package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/observer/chatlink/internal/eventbus"
	"github.com/observer/chatlink/internal/transport/transporttest"
)

type harness struct {
	t      *testing.T
	c      *Client
	dialer *transporttest.Dialer
	events *recorder

	advanceClock func(time.Duration)
	now          func() time.Time
}

func newHarness(t *testing.T, configure ...func(*Options, *transporttest.Dialer)) *harness {
	t.Helper()

	clock := clockwork.NewFakeClock()
	dialer := transporttest.NewDialer()

	opts := DefaultOptions()
	opts.URL = "ws://broker.test:8083/mqtt"
	opts.Clock = clock
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	for _, fn := range configure {
		fn(&opts, dialer)
	}

	c, err := New(dialer, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return &harness{
		t:            t,
		c:            c,
		dialer:       dialer,
		events:       record(c.Events()),
		advanceClock: clock.Advance,
		now:          clock.Now,
	}
}

func manualConnect(_ *Options, d *transporttest.Dialer) {
	d.AutoConnect = false
}

// do runs fn on the client loop and waits for it.
func (h *harness) do(fn func()) {
	h.t.Helper()
	require.True(h.t, h.c.call(fn), "client loop stopped")
}

// sync waits until everything posted so far has run.
func (h *harness) sync() {
	h.t.Helper()
	h.do(func() {})
}

// advance moves the fake clock and lets fired timers reach the loop.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.advanceClock(d)
	time.Sleep(20 * time.Millisecond)
	h.sync()
}

// connect connects as userID and waits for subscriptions to be restored.
func (h *harness) connect(userID string) *transporttest.Conn {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.c.Connect(ctx, userID))
	// The settle timer is armed right after the waiter is released.
	h.sync()
	h.advance(h.c.opts.SettleDelay)
	h.waitFor(func() bool { return h.restored() })
	return h.dialer.Last()
}

func (h *harness) restored() bool {
	var ok bool
	h.do(func() { ok = h.c.restored })
	return ok
}

func (h *harness) waitFor(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 5*time.Millisecond)
}

// assertExclusive checks that no topic is both subscribed and pending.
func (h *harness) assertExclusive() {
	h.t.Helper()
	st := h.c.Status()
	subscribed := make(map[string]bool, len(st.SubscribedTopics))
	for _, t := range st.SubscribedTopics {
		subscribed[t] = true
	}
	for _, t := range st.PendingTopics {
		require.False(h.t, subscribed[t], "topic %q is both subscribed and pending", t)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func record(bus *eventbus.Bus) *recorder {
	r := &recorder{}
	for _, name := range eventbus.Names {
		bus.Add(name, r.add)
	}
	return r
}

func (r *recorder) add(ev eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(name eventbus.Name) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.EventName() == name {
			n++
		}
	}
	return n
}

func eventsOf[E eventbus.Event](r *recorder) []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []E
	for _, ev := range r.events {
		if typed, ok := ev.(E); ok {
			out = append(out, typed)
		}
	}
	return out
}
