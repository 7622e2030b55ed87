package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub implements PubSub on Redis channels so that several broker
// instances share one topic space.
type RedisPubSub struct {
	client        *redis.Client
	mu            sync.RWMutex
	subscriptions map[uint64]*redisSubscription
	nextID        atomic.Uint64
	closed        bool
	logger        *slog.Logger
}

type redisSubscription struct {
	ps      *RedisPubSub
	id      uint64
	topic   string
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	handler Handler
	done    chan struct{}
}

func (s *redisSubscription) Unsubscribe() error {
	s.cancel()
	err := s.pubsub.Close()
	<-s.done
	s.ps.removeSub(s.id)
	return err
}

// NewRedisPubSub connects to url (redis://[:password@]host:port[/db]).
func NewRedisPubSub(ctx context.Context, url string, logger *slog.Logger) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ps := NewRedisPubSubClient(client, logger)
	ps.logger.Info("connected to Redis", "addr", opts.Addr)
	return ps, nil
}

// NewRedisPubSubClient wraps an existing client. Close closes the client.
func NewRedisPubSubClient(client *redis.Client, logger *slog.Logger) *RedisPubSub {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPubSub{
		client:        client,
		subscriptions: make(map[uint64]*redisSubscription),
		logger:        logger.With("component", "pubsub", "backend", "redis"),
	}
}

// Publish sends a message to all subscribers across all instances.
func (ps *RedisPubSub) Publish(ctx context.Context, msg *Message) error {
	ps.mu.RLock()
	closed := ps.closed
	ps.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	result := ps.client.Publish(ctx, msg.Topic, data)
	if err := result.Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}

	ps.logger.Debug("published to topic", "topic", msg.Topic, "subscribers", result.Val())
	return nil
}

// Subscribe registers a handler for messages on the given topic. It returns
// once Redis has confirmed the subscription.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil, ErrClosed
	}

	redisPubSub := ps.client.Subscribe(ctx, topic)
	if _, err := redisPubSub.Receive(ctx); err != nil {
		ps.mu.Unlock()
		_ = redisPubSub.Close()
		return nil, fmt.Errorf("failed to subscribe to redis channel: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		ps:      ps,
		id:      ps.nextID.Add(1),
		topic:   topic,
		pubsub:  redisPubSub,
		cancel:  cancel,
		handler: handler,
		done:    make(chan struct{}),
	}
	ps.subscriptions[sub.id] = sub
	ps.mu.Unlock()

	go ps.receiveMessages(subCtx, sub)

	ps.logger.Debug("subscribed to topic", "topic", topic, "sub_id", sub.id)
	return sub, nil
}

// receiveMessages dispatches messages from the Redis channel in order.
func (ps *RedisPubSub) receiveMessages(ctx context.Context, sub *redisSubscription) {
	defer close(sub.done)
	ch := sub.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case redisMsg, ok := <-ch:
			if !ok {
				return
			}

			var msg Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				ps.logger.Error("failed to unmarshal message", "error", err, "topic", sub.topic)
				continue
			}
			sub.handler(ctx, &msg)
		}
	}
}

func (ps *RedisPubSub) removeSub(id uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.subscriptions, id)
}

// Close shuts down all subscriptions and the Redis client.
func (ps *RedisPubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	subs := ps.subscriptions
	ps.subscriptions = make(map[uint64]*redisSubscription)
	ps.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		_ = sub.pubsub.Close()
	}

	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	ps.logger.Info("Redis pubsub closed")
	return nil
}

// SubscriberCount returns the number of local subscribers for a topic.
func (ps *RedisPubSub) SubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	count := 0
	for _, sub := range ps.subscriptions {
		if sub.topic == topic {
			count++
		}
	}
	return count
}
