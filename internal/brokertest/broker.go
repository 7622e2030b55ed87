// Package brokertest runs an in-process wsjson broker for tests and local
// development. It fans messages out through a pubsub backend and exposes
// fault hooks for exercising client recovery.
package brokertest

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/observer/chatlink/internal/pubsub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Broker is a wsjson broker. The zero value is not usable; call New.
type Broker struct {
	ps     pubsub.PubSub
	logger *slog.Logger
	server *httptest.Server

	mu        sync.RWMutex
	sessions  map[*session]bool
	published []pubsub.Message

	// RejectSubscribe, when set, returns a non-empty reason to refuse a
	// subscribe request for topic.
	rejectSubscribe atomic.Value // func(topic string) string

	refuse  atomic.Bool
	silent  atomic.Bool
	limiter atomic.Pointer[publishLimiter]
}

// New creates a broker on top of ps. A nil ps uses an in-memory backend.
func New(ps pubsub.PubSub, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if ps == nil {
		ps = pubsub.NewMemoryPubSub(logger)
	}
	return &Broker{
		ps:       ps,
		logger:   logger.With("component", "broker"),
		sessions: make(map[*session]bool),
	}
}

// Start serves the broker on a loopback listener.
func (b *Broker) Start() {
	b.server = httptest.NewServer(b)
	b.logger.Info("broker listening", "url", b.URL())
}

// URL returns the WebSocket URL of a started broker.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/mqtt"
}

// Close drops every session, stops the listener and closes the backend.
func (b *Broker) Close() {
	b.DropAll()
	if b.server != nil {
		b.server.Close()
	}
	_ = b.ps.Close()
}

// ServeHTTP upgrades HTTP to WebSocket and serves one session.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s := newSession(b, conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.writePump(ctx)
	s.readPump(ctx)
}

func (b *Broker) register(s *session) {
	b.mu.Lock()
	b.sessions[s] = true
	b.mu.Unlock()
	b.logger.Debug("session registered", "client_id", s.clientID)
}

func (b *Broker) unregister(s *session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
	if pl := b.limiter.Load(); pl != nil {
		pl.forget(s.clientID)
	}
	b.logger.Debug("session unregistered", "client_id", s.clientID)
}

func (b *Broker) assignClientID(requested string) string {
	if requested != "" {
		return requested
	}
	return "broker_" + uuid.NewString()
}

func (b *Broker) record(msg pubsub.Message) {
	b.mu.Lock()
	b.published = append(b.published, msg)
	b.mu.Unlock()
}

// Publish injects a message as if another client had published it.
func (b *Broker) Publish(topic string, payload []byte) error {
	return b.ps.Publish(context.Background(), &pubsub.Message{Topic: topic, Payload: payload})
}

// Published returns the messages clients have published, in order.
func (b *Broker) Published() []pubsub.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]pubsub.Message, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedOn returns the payloads clients have published to topic.
func (b *Broker) PublishedOn(topic string) [][]byte {
	var out [][]byte
	for _, m := range b.Published() {
		if m.Topic == topic {
			out = append(out, m.Payload)
		}
	}
	return out
}

// Sessions returns the number of live sessions.
func (b *Broker) Sessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Subscribed reports whether any live session holds a subscription to topic.
func (b *Broker) Subscribed(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.sessions {
		if s.subscribed(topic) {
			return true
		}
	}
	return false
}

// DropAll closes every session's socket without a close frame.
func (b *Broker) DropAll() {
	b.mu.RLock()
	sessions := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	for _, s := range sessions {
		_ = s.conn.Close()
	}
}

// SetRefuse makes the broker reject new connections.
func (b *Broker) SetRefuse(refuse bool) { b.refuse.Store(refuse) }

// SetSilent stops the broker from answering pings.
func (b *Broker) SetSilent(silent bool) { b.silent.Store(silent) }

// SetPublishLimit caps publishes per client per minute. Publishes over the
// limit are refused in the acknowledgement. Zero removes the limit.
func (b *Broker) SetPublishLimit(perMinute int) {
	if perMinute <= 0 {
		b.limiter.Store(nil)
		return
	}
	b.limiter.Store(newPublishLimiter(perMinute))
}

func (b *Broker) allowPublish(clientID string) bool {
	pl := b.limiter.Load()
	return pl == nil || pl.allow(clientID)
}

// SetRejectSubscribe installs a subscribe filter. fn returns a non-empty
// reason to refuse topic. A nil fn accepts everything.
func (b *Broker) SetRejectSubscribe(fn func(topic string) string) {
	b.rejectSubscribe.Store(fn)
}

func (b *Broker) subscribeRejection(topic string) string {
	fn, _ := b.rejectSubscribe.Load().(func(string) string)
	if fn == nil {
		return ""
	}
	return fn(topic)
}
