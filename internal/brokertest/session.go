package brokertest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/observer/chatlink/internal/pubsub"
	"github.com/observer/chatlink/internal/transport/wsjson"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 8 << 20
	sendBuffer   = 256
)

// session is one connected client.
type session struct {
	broker   *Broker
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	clientID string
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[string]pubsub.Subscription
}

func newSession(b *Broker, conn *websocket.Conn) *session {
	return &session{
		broker: b,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]pubsub.Subscription),
		logger: b.logger,
	}
}

func (s *session) subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[topic]
	return ok
}

// handshake reads the connect frame and answers it.
func (s *session) handshake() bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(writeWait))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return false
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	f, err := wsjson.Decode(data)
	if err != nil || f.Type != wsjson.FrameConnect {
		s.logger.Warn("expected connect frame", "error", err)
		return false
	}

	ack := wsjson.Frame{Type: wsjson.FrameConnack}
	if s.broker.refuse.Load() {
		ack.Error = "connection refused: server unavailable"
		s.write(ack)
		return false
	}

	s.clientID = s.broker.assignClientID(f.ClientID)
	s.logger = s.logger.With("client_id", s.clientID)
	ack.ClientID = s.clientID
	s.write(ack)
	return true
}

// write queues a frame for the write pump.
func (s *session) write(f wsjson.Frame) {
	data, err := f.Encode()
	if err != nil {
		s.logger.Error("failed to encode frame", "error", err)
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	default:
		s.logger.Warn("send buffer full, dropping frame", "type", f.Type)
	}
}

// readPump pumps frames from the client until the socket fails.
func (s *session) readPump(ctx context.Context) {
	defer func() {
		close(s.done)
		s.closeSubscriptions()
		s.broker.unregister(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetPingHandler(func(data string) error {
		if s.broker.silent.Load() {
			return nil
		}
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	if !s.handshake() {
		// let the connack reach the client before closing
		time.Sleep(50 * time.Millisecond)
		return
	}
	s.broker.register(s)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read error", "error", err)
			}
			return
		}

		f, err := wsjson.Decode(data)
		if err != nil {
			s.logger.Warn("invalid frame", "error", err)
			continue
		}
		s.handle(ctx, f)
	}
}

// writePump pumps queued frames to the client.
func (s *session) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (s *session) handle(ctx context.Context, f *wsjson.Frame) {
	switch f.Type {
	case wsjson.FrameSubscribe:
		s.handleSubscribe(ctx, f)
	case wsjson.FrameUnsubscribe:
		s.handleUnsubscribe(f)
	case wsjson.FramePublish:
		s.handlePublish(ctx, f)
	default:
		s.write(wsjson.Frame{Type: wsjson.FrameError, ID: f.ID, Error: "unknown frame type: " + f.Type})
	}
}

func (s *session) handleSubscribe(ctx context.Context, f *wsjson.Frame) {
	ack := wsjson.Frame{Type: wsjson.FrameSuback, ID: f.ID, Topic: f.Topic}
	if reason := s.broker.subscribeRejection(f.Topic); reason != "" {
		ack.Error = reason
		s.write(ack)
		return
	}

	s.mu.Lock()
	_, exists := s.subs[f.Topic]
	s.mu.Unlock()
	if !exists {
		sub, err := s.broker.ps.Subscribe(ctx, f.Topic, func(_ context.Context, msg *pubsub.Message) {
			s.write(wsjson.Frame{Type: wsjson.FrameMessage, Topic: msg.Topic, Payload: msg.Payload})
		})
		if err != nil {
			ack.Error = err.Error()
			s.write(ack)
			return
		}
		s.mu.Lock()
		s.subs[f.Topic] = sub
		s.mu.Unlock()
	}

	s.logger.Debug("subscribed", "topic", f.Topic)
	s.write(ack)
}

func (s *session) handleUnsubscribe(f *wsjson.Frame) {
	s.mu.Lock()
	sub, ok := s.subs[f.Topic]
	delete(s.subs, f.Topic)
	s.mu.Unlock()
	if ok {
		_ = sub.Unsubscribe()
	}
	s.write(wsjson.Frame{Type: wsjson.FrameUnsuback, ID: f.ID, Topic: f.Topic})
}

func (s *session) handlePublish(ctx context.Context, f *wsjson.Frame) {
	if !s.broker.allowPublish(s.clientID) {
		s.logger.Debug("publish rate limited", "topic", f.Topic)
		if f.QoS > 0 {
			s.write(wsjson.Frame{Type: wsjson.FramePuback, ID: f.ID, Topic: f.Topic, Error: "rate limit exceeded"})
		}
		return
	}

	msg := pubsub.Message{Topic: f.Topic, Payload: f.Payload, Sender: s.clientID}
	s.broker.record(msg)

	err := s.broker.ps.Publish(ctx, &msg)
	if f.QoS == 0 {
		return
	}
	ack := wsjson.Frame{Type: wsjson.FramePuback, ID: f.ID, Topic: f.Topic}
	if err != nil {
		ack.Error = err.Error()
	}
	s.write(ack)
}

func (s *session) closeSubscriptions() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]pubsub.Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}
