package messaging

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/chatlink/internal/eventbus"
	"github.com/observer/chatlink/internal/transport"
	"github.com/observer/chatlink/internal/transport/transporttest"
)

func countOf(topics []string, topic string) int {
	n := 0
	for _, t := range topics {
		if t == topic {
			n++
		}
	}
	return n
}

func TestSubscribe_Idempotent(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("u1")

	h.c.Subscribe("x")
	h.c.Subscribe("x")
	h.sync()

	assert.Equal(t, 1, conn.SubscribeCount("x"))
	assert.Equal(t, 1, countOf(h.c.Status().SubscribedTopics, "x"))
	h.assertExclusive()
}

func TestSubscribe_IdempotentWhileInflight(t *testing.T) {
	h := newHarness(t, func(_ *Options, d *transporttest.Dialer) {
		d.ManualAcks = true
	})
	conn := h.connect("u1")

	h.c.Subscribe("x")
	h.c.Subscribe("x")
	h.sync()
	assert.Equal(t, 1, conn.SubscribeCount("x"))
	assert.NotContains(t, h.c.Status().SubscribedTopics, "x")

	require.True(t, conn.AckSubscribe("x", nil))
	h.sync()
	h.c.Subscribe("x")
	h.sync()

	assert.Equal(t, 1, conn.SubscribeCount("x"))
	assert.Equal(t, 1, countOf(h.c.Status().SubscribedTopics, "x"))
}

func TestSubscribeToConversation_BeforeConnectCompletes(t *testing.T) {
	h := newHarness(t, manualConnect)

	errc := connectAsync(h.c, "u1")
	h.waitFor(func() bool { return h.dialer.Count() == 1 })

	h.c.SubscribeToConversation("c1")
	h.sync()
	st := h.c.Status()
	assert.Equal(t, "c1", st.ConversationID)
	assert.ElementsMatch(t, Topics.ConversationAll("c1"), st.PendingTopics)
	assert.Equal(t, 1, h.dialer.Count(), "a connect in progress is not interrupted")

	h.dialer.Last().Connect()
	require.NoError(t, waitErr(t, errc))
	h.sync()

	for i := 0; i < 3; i++ {
		h.advance(2 * time.Second)
	}
	h.waitFor(func() bool {
		st := h.c.Status()
		return countOf(st.SubscribedTopics, Topics.Conversation("c1")) == 1 &&
			countOf(st.SubscribedTopics, Topics.ConversationStatus("c1")) == 1
	})
	assert.Empty(t, h.c.Status().PendingTopics)
	h.assertExclusive()
}

func TestSubscribe_TransientFailureRetries(t *testing.T) {
	var mu sync.Mutex
	failures := 2
	h := newHarness(t, func(_ *Options, d *transporttest.Dialer) {
		d.SubscribeErr = func(topic string) error {
			if topic != "x" {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if failures > 0 {
				failures--
				return transport.ErrConnectionClosed
			}
			return nil
		}
	})
	conn := h.connect("u1")

	h.c.Subscribe("x")
	h.sync()
	assert.NotContains(t, h.c.Status().SubscribedTopics, "x")

	h.advance(1500 * time.Millisecond)
	h.advance(1500 * time.Millisecond)

	h.waitFor(func() bool { return countOf(h.c.Status().SubscribedTopics, "x") == 1 })
	assert.Equal(t, 3, conn.SubscribeCount("x"))
	assert.Zero(t, h.events.count(eventbus.NameSubscriptionError))
}

func TestSubscribe_RetriesExhaustedKeepTopicPending(t *testing.T) {
	h := newHarness(t, func(_ *Options, d *transporttest.Dialer) {
		d.SubscribeErr = func(topic string) error {
			if topic == "x" {
				return errors.New("connection reset by peer")
			}
			return nil
		}
	})
	conn := h.connect("u1")

	h.c.Subscribe("x")
	h.sync()
	for i := 0; i < 5; i++ {
		h.advance(1500 * time.Millisecond)
	}

	h.waitFor(func() bool { return h.events.count(eventbus.NameSubscriptionError) == 1 })
	ev := eventsOf[eventbus.SubscriptionError](h.events)[0]
	assert.Equal(t, "x", ev.Topic)
	assert.Equal(t, 6, conn.SubscribeCount("x"))
	assert.Contains(t, h.c.Status().PendingTopics, "x")
	h.assertExclusive()
}

func TestSubscribe_PermanentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, func(_ *Options, d *transporttest.Dialer) {
		d.SubscribeErr = func(topic string) error {
			if topic == "x" {
				return errors.New("not authorized")
			}
			return nil
		}
	})
	conn := h.connect("u1")

	h.c.Subscribe("x")
	h.sync()
	h.advance(5 * time.Second)

	h.waitFor(func() bool { return h.events.count(eventbus.NameSubscriptionError) == 1 })
	assert.Equal(t, 1, conn.SubscribeCount("x"))
	st := h.c.Status()
	assert.NotContains(t, st.PendingTopics, "x")
	assert.NotContains(t, st.SubscribedTopics, "x")
}

func TestSubscribe_DeferredWhileTransportReconnecting(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("u1")

	conn.SetFlags(true, true, false)
	h.c.Subscribe("x")
	h.c.Subscribe("x")
	h.sync()
	assert.Zero(t, conn.SubscribeCount("x"))

	conn.SetFlags(true, false, false)
	h.advance(700 * time.Millisecond)

	h.waitFor(func() bool { return countOf(h.c.Status().SubscribedTopics, "x") == 1 })
	assert.Equal(t, 1, conn.SubscribeCount("x"))
}

func TestSubscribe_WhileDisconnectedGoesPending(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("u1")

	conn.Drop()
	h.sync()
	h.c.Subscribe("x")
	h.sync()

	st := h.c.Status()
	assert.Contains(t, st.PendingTopics, "x")
	assert.Zero(t, conn.SubscribeCount("x"))
	assert.Equal(t, 1, conn.ReconnectCalls(), "subscribe asks for reconnection")
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("u1")

	h.c.Subscribe("x")
	h.sync()
	h.c.Unsubscribe("x")
	h.sync()

	assert.Equal(t, []string{"x"}, conn.Unsubscribes())
	assert.NotContains(t, h.c.Status().SubscribedTopics, "x")
}

func TestUnsubscribe_PendingTopicIsForgotten(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("u1")

	conn.Drop()
	h.sync()
	h.c.Subscribe("x")
	h.c.Unsubscribe("x")
	h.sync()

	assert.NotContains(t, h.c.Status().PendingTopics, "x")
	assert.Empty(t, conn.Unsubscribes())
}

func TestSubscribeToConversation_SwitchesAndLeaves(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("u1")

	h.c.SubscribeToConversation("c1")
	h.sync()
	h.c.SubscribeToConversation("c2")
	h.sync()

	assert.ElementsMatch(t, Topics.ConversationAll("c1"), conn.Unsubscribes())
	st := h.c.Status()
	assert.Equal(t, "c2", st.ConversationID)
	assert.Subset(t, st.SubscribedTopics, Topics.ConversationAll("c2"))
	assert.NotContains(t, st.SubscribedTopics, Topics.Conversation("c1"))

	h.c.LeaveConversation()
	h.sync()
	st = h.c.Status()
	assert.Empty(t, st.ConversationID)
	assert.NotContains(t, st.SubscribedTopics, Topics.Conversation("c2"))
	assert.Equal(t, 4, st.SubscribedCount)
}

func TestSubscribeToConversation_SwitchBeforeAckUnsubscribesLate(t *testing.T) {
	h := newHarness(t, func(_ *Options, d *transporttest.Dialer) {
		d.ManualAcks = true
	})
	conn := h.connect("u1")

	h.c.SubscribeToConversation("c1")
	h.sync()
	h.c.SubscribeToConversation("c2")
	h.sync()
	assert.Empty(t, conn.Unsubscribes(), "nothing to unsubscribe before the broker confirms")

	for _, topic := range Topics.ConversationAll("c1") {
		require.True(t, conn.AckSubscribe(topic, nil))
	}
	h.sync()

	assert.ElementsMatch(t, Topics.ConversationAll("c1"), conn.Unsubscribes())
	st := h.c.Status()
	assert.NotContains(t, st.SubscribedTopics, Topics.Conversation("c1"))
	assert.NotContains(t, st.PendingTopics, Topics.Conversation("c1"))

	for _, topic := range Topics.ConversationAll("c2") {
		require.True(t, conn.AckSubscribe(topic, nil))
	}
	h.sync()
	assert.Subset(t, h.c.Status().SubscribedTopics, Topics.ConversationAll("c2"))
	h.assertExclusive()
}

func TestSubscribeToConversation_ReturnBeforeAckKeepsSubscription(t *testing.T) {
	h := newHarness(t, func(_ *Options, d *transporttest.Dialer) {
		d.ManualAcks = true
	})
	conn := h.connect("u1")

	h.c.SubscribeToConversation("c1")
	h.c.SubscribeToConversation("c2")
	h.c.SubscribeToConversation("c1")
	h.sync()

	for _, topic := range Topics.ConversationAll("c1") {
		require.True(t, conn.AckSubscribe(topic, nil))
	}
	h.sync()

	assert.Equal(t, 1, conn.SubscribeCount(Topics.Conversation("c1")))
	assert.NotContains(t, conn.Unsubscribes(), Topics.Conversation("c1"))
	assert.Subset(t, h.c.Status().SubscribedTopics, Topics.ConversationAll("c1"))
}

func TestUnsubscribe_InflightFailureIsForgotten(t *testing.T) {
	h := newHarness(t, func(_ *Options, d *transporttest.Dialer) {
		d.ManualAcks = true
	})
	conn := h.connect("u1")

	h.c.Subscribe("x")
	h.sync()
	h.c.Unsubscribe("x")
	h.sync()

	require.True(t, conn.AckSubscribe("x", errors.New("not authorized")))
	h.sync()

	assert.Empty(t, conn.Unsubscribes())
	assert.Equal(t, 1, conn.SubscribeCount("x"), "no retry for a topic nobody wants")
	assert.Zero(t, h.events.count(eventbus.NameSubscriptionError))
}
