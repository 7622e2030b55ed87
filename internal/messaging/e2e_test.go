package messaging_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/chatlink/internal/brokertest"
	"github.com/observer/chatlink/internal/eventbus"
	"github.com/observer/chatlink/internal/messaging"
	"github.com/observer/chatlink/internal/pubsub"
	"github.com/observer/chatlink/internal/transport/wsjson"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newLiveClient(t *testing.T, b *brokertest.Broker) *messaging.Client {
	t.Helper()
	opts := messaging.DefaultOptions()
	opts.URL = b.URL()
	opts.Logger = quietLogger()
	opts.SettleDelay = 50 * time.Millisecond
	opts.ReconnectDelay = 50 * time.Millisecond
	opts.MaxReconnectDelay = 200 * time.Millisecond
	opts.KeepAlive = time.Second

	c, err := messaging.New(wsjson.NewDialer(quietLogger()), opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func connectLive(t *testing.T, c *messaging.Client, userID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, userID))
}

func runEndToEnd(t *testing.T, b *brokertest.Broker) {
	c := newLiveClient(t, b)

	var news atomic.Int32
	var reconnects atomic.Int32
	eventbus.On(c.Events(), func(ev eventbus.NewMessage) {
		if ev.Envelope.Message != nil && ev.Envelope.Message.Text == "ping" {
			news.Add(1)
		}
	})
	eventbus.On(c.Events(), func(eventbus.Reconnecting) { reconnects.Add(1) })

	connectLive(t, c, "u1")
	c.SubscribeToConversation("c1")

	require.Eventually(t, func() bool {
		return b.Subscribed(messaging.Topics.UserMessages("u1")) &&
			b.Subscribed(messaging.Topics.Conversation("c1"))
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Publish(messaging.Topics.UserMessages("u1"),
		[]byte(`{"type":"new_message","message":{"id":"m1","conversationId":"c1","text":"ping"}}`)))
	require.Eventually(t, func() bool { return news.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SendMessage(messaging.OutgoingMessage{ConversationID: "c1", Text: "hello"}))
	require.Eventually(t, func() bool { return len(b.PublishedOn(messaging.Topics.Send())) == 1 }, 5*time.Second, 10*time.Millisecond)

	var env map[string]any
	require.NoError(t, json.Unmarshal(b.PublishedOn(messaging.Topics.Send())[0], &env))
	assert.Equal(t, "send_message", env["type"])
	assert.Equal(t, "u1", env["userId"])
	assert.Equal(t, c.Status().ClientID, env["clientId"])

	// The broker drops everyone; the client comes back with its topics.
	b.DropAll()
	require.Eventually(t, func() bool { return reconnects.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st := c.Status()
		return st.Connected && b.Subscribed(messaging.Topics.Conversation("c1")) &&
			b.Subscribed(messaging.Topics.UserMessages("u1"))
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Publish(messaging.Topics.Conversation("c1"),
		[]byte(`{"type":"new_message","message":{"id":"m2","conversationId":"c1","text":"ping"}}`)))
	require.Eventually(t, func() bool { return news.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Disconnect(ctx))
	require.Eventually(t, func() bool { return b.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, b.Sessions(), "no reconnect after a manual disconnect")
	assert.True(t, c.Status().ManualDisconnect)
}

func TestEndToEnd_MemoryBroker(t *testing.T) {
	b := brokertest.New(nil, quietLogger())
	b.Start()
	t.Cleanup(b.Close)

	runEndToEnd(t, b)
}

func TestEndToEnd_RedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	ps := pubsub.NewRedisPubSubClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), quietLogger())

	b := brokertest.New(ps, quietLogger())
	b.Start()
	t.Cleanup(b.Close)

	runEndToEnd(t, b)
}

func TestEndToEnd_SubscriptionRefused(t *testing.T) {
	b := brokertest.New(nil, quietLogger())
	b.SetRejectSubscribe(func(topic string) string {
		if topic == "restricted" {
			return "not authorized"
		}
		return ""
	})
	b.Start()
	t.Cleanup(b.Close)

	c := newLiveClient(t, b)
	failed := make(chan eventbus.SubscriptionError, 1)
	eventbus.On(c.Events(), func(ev eventbus.SubscriptionError) { failed <- ev })

	connectLive(t, c, "u1")
	c.Subscribe("restricted")

	select {
	case ev := <-failed:
		assert.Equal(t, "restricted", ev.Topic)
		assert.Contains(t, ev.Err.Error(), "not authorized")
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription error")
	}
	assert.NotContains(t, c.Status().PendingTopics, "restricted")
}
