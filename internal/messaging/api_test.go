package messaging

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/chatlink/internal/domain"
	"github.com/observer/chatlink/internal/eventbus"
	"github.com/observer/chatlink/internal/transport"
	"github.com/observer/chatlink/internal/transport/transporttest"
)

func decodeSent(t *testing.T, p transporttest.Published) map[string]any {
	t.Helper()
	require.Equal(t, Topics.Send(), p.Topic)
	var env map[string]any
	require.NoError(t, json.Unmarshal(p.Payload, &env))
	return env
}

func TestSendMessage_QueuedUntilConnected(t *testing.T) {
	h := newHarness(t, manualConnect)

	errc := connectAsync(h.c, "u1")
	h.waitFor(func() bool { return h.dialer.Count() == 1 })

	require.NoError(t, h.c.SendMessage(OutgoingMessage{ProductID: "p1", Text: "hello", ConversationID: "c1"}))
	h.sync()

	conn := h.dialer.Last()
	assert.Equal(t, 1, h.c.Status().QueuedMessages)
	assert.Empty(t, conn.Publishes())

	conn.Connect()
	require.NoError(t, waitErr(t, errc))
	h.sync()
	h.advance(2 * time.Second)

	h.waitFor(func() bool { return len(conn.Publishes()) == 1 })
	env := decodeSent(t, conn.Publishes()[0])
	assert.Equal(t, "send_message", env["type"])
	assert.Equal(t, "hello", env["text"])
	assert.Equal(t, "p1", env["productId"])
	assert.Equal(t, "c1", env["conversationId"])
	assert.Equal(t, "u1", env["userId"])
	assert.Equal(t, conn.ClientID(), env["clientId"])
	assert.NotEmpty(t, env["timestamp"])
	assert.Zero(t, h.c.Status().QueuedMessages)
}

func TestFlush_PreservesOrderAndRunsOnce(t *testing.T) {
	h := newHarness(t, manualConnect)

	errc := connectAsync(h.c, "u1")
	h.waitFor(func() bool { return h.dialer.Count() == 1 })

	for _, name := range []string{"a", "b", "c"} {
		h.c.Publish("t/"+name, []byte(name))
	}
	h.sync()
	require.Equal(t, 3, h.c.Status().QueuedMessages)

	conn := h.dialer.Last()
	conn.Connect()
	require.NoError(t, waitErr(t, errc))
	h.sync()

	// Connected but not yet restored: new work lines up behind the queue.
	h.c.Publish("t/d", []byte("d"))
	h.sync()
	assert.Empty(t, conn.Publishes())

	h.advance(2 * time.Second)
	h.waitFor(func() bool { return len(conn.Publishes()) == 4 })

	var topics []string
	for _, p := range conn.Publishes() {
		topics = append(topics, p.Topic)
	}
	assert.Equal(t, []string{"t/a", "t/b", "t/c", "t/d"}, topics)
	assert.Len(t, conn.Subscribes(), 4, "subscriptions are restored before the flush")

	h.advance(2 * time.Second)
	assert.Len(t, conn.Publishes(), 4)
}

func TestFlush_QueueDropsOldest(t *testing.T) {
	h := newHarness(t, func(o *Options, d *transporttest.Dialer) {
		o.OutboxCapacity = 3
		d.AutoConnect = false
	})

	errc := connectAsync(h.c, "u1")
	h.waitFor(func() bool { return h.dialer.Count() == 1 })
	for _, name := range []string{"A", "B", "C", "D"} {
		h.c.Publish("t", []byte(name))
	}
	h.sync()
	assert.Equal(t, 3, h.c.Status().QueuedMessages)

	conn := h.dialer.Last()
	conn.Connect()
	require.NoError(t, waitErr(t, errc))
	h.sync()
	h.advance(2 * time.Second)

	h.waitFor(func() bool { return len(conn.Publishes()) == 3 })
	var payloads []string
	for _, p := range conn.Publishes() {
		payloads = append(payloads, string(p.Payload))
	}
	assert.Equal(t, []string{"B", "C", "D"}, payloads)
}

func TestPublish_ImmediateWhenReady(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("u1")

	require.NoError(t, h.c.PublishJSON("custom/topic", map[string]int{"n": 1}))
	h.sync()

	require.Len(t, conn.Publishes(), 1)
	assert.JSONEq(t, `{"n":1}`, string(conn.Publishes()[0].Payload))
	assert.Equal(t, byte(1), conn.Publishes()[0].QoS)
}

func TestPublish_TransientFailureIsRequeued(t *testing.T) {
	var mu sync.Mutex
	failed := false
	h := newHarness(t, func(_ *Options, d *transporttest.Dialer) {
		d.PublishErr = func(string) error {
			mu.Lock()
			defer mu.Unlock()
			if !failed {
				failed = true
				return transport.ErrNotConnected
			}
			return nil
		}
	})
	conn := h.connect("u1")

	h.c.Publish("t", []byte("x"))
	h.sync()
	assert.Equal(t, 1, h.c.Status().QueuedMessages)

	h.advance(1500 * time.Millisecond)
	h.waitFor(func() bool { return len(conn.Publishes()) == 2 })
	assert.Zero(t, h.c.Status().QueuedMessages)
}

func TestPublish_PermanentFailureEmitsError(t *testing.T) {
	h := newHarness(t, func(_ *Options, d *transporttest.Dialer) {
		d.PublishErr = func(string) error { return assert.AnError }
	})
	h.connect("u1")

	h.c.Publish("t", []byte("x"))
	h.sync()

	h.waitFor(func() bool { return h.events.count(eventbus.NameError) == 1 })
	assert.Zero(t, h.c.Status().QueuedMessages)
}

func TestEnvelopes(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("u1")

	require.NoError(t, h.c.MarkAsRead("c1"))
	require.NoError(t, h.c.DeleteMessage("m1", "c1", false))
	require.NoError(t, h.c.CreateConversation("p9", "is this available?"))
	require.NoError(t, h.c.SendAttachment(OutgoingAttachment{
		ConversationID: "c1",
		Data:           []byte{0x89, 'P', 'N', 'G'},
		MimeType:       "image/png",
		FileName:       "photo.png",
	}))
	h.sync()

	pubs := conn.Publishes()
	require.Len(t, pubs, 4)

	read := decodeSent(t, pubs[0])
	assert.Equal(t, "mark_read", read["type"])
	assert.Equal(t, "c1", read["conversationId"])

	del := decodeSent(t, pubs[1])
	assert.Equal(t, "delete_message", del["type"])
	assert.Equal(t, "m1", del["messageId"])
	assert.Equal(t, false, del["deleteForEveryone"])

	create := decodeSent(t, pubs[2])
	assert.Equal(t, "create_conversation", create["type"])
	assert.Equal(t, "p9", create["productId"])
	assert.NotContains(t, create, "messageType")

	att := decodeSent(t, pubs[3])
	assert.Equal(t, "IMAGE", att["messageType"])
	attachment := att["attachment"].(map[string]any)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'}), attachment["data"])
	assert.Equal(t, "image/png", attachment["mimeType"])
	assert.Equal(t, "photo.png", attachment["fileName"])
}

func TestEnvelopes_NullUserBeforeIdentity(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("")

	require.NoError(t, h.c.MarkAsRead("c1"))
	h.sync()

	require.Len(t, conn.Publishes(), 1)
	env := decodeSent(t, conn.Publishes()[0])
	assert.Contains(t, env, "userId")
	assert.Nil(t, env["userId"])
}

func TestSend_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.c.SendMessage(OutgoingMessage{ConversationID: "c1"}), domain.ErrEmptyMessage)
	assert.ErrorIs(t, h.c.MarkAsRead(""), domain.ErrMissingConversation)
	assert.ErrorIs(t, h.c.DeleteMessage("", "c1", true), domain.ErrMissingMessageID)
	assert.ErrorIs(t, h.c.CreateConversation("", "hi"), domain.ErrMissingProduct)
	assert.ErrorIs(t, h.c.SendAttachment(OutgoingAttachment{MimeType: "image/png"}), domain.ErrEmptyAttachment)
	assert.ErrorIs(t, h.c.SendAttachment(OutgoingAttachment{Data: []byte("x")}), domain.ErrMissingMimeType)

	assert.Zero(t, h.c.Status().QueuedMessages)
	assert.Zero(t, h.dialer.Count())
}

func TestInbound_RoutesTypedEvents(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("u1")

	msg := []byte(`{"type":"new_message","message":{"id":"m1","conversationId":"c1","senderId":"u2","text":"hi"}}`)
	conn.Deliver(Topics.UserMessages("u1"), msg)
	conn.Deliver(Topics.Conversation("c1"), msg)
	conn.Deliver(Topics.Conversation("c1"), []byte(`{"type":"messages_read","conversationId":"c1","userId":"u2","readCount":3}`))
	conn.Deliver(Topics.Conversation("c1"), []byte(`{"type":"message_deleted","messageId":"m0","deleteForEveryone":true}`))
	conn.Deliver(Topics.UserResponses("u1"), []byte(`{"type":"message_sent","message":{"id":"m2","clientId":"abc"}}`))
	conn.Deliver(Topics.UserStatus("u1"), []byte(`not json`))
	conn.Deliver(Topics.UserStatus("u1"), []byte(`{"type":"typing","userId":"u2"}`))
	h.sync()

	h.waitFor(func() bool { return h.events.count(eventbus.NameUnknownMessage) == 1 })

	news := eventsOf[eventbus.NewMessage](h.events)
	require.Len(t, news, 1, "the fan-out duplicate is dropped")
	assert.Equal(t, "hi", news[0].Envelope.Message.Text)
	assert.Equal(t, Topics.UserMessages("u1"), news[0].Envelope.Topic)

	reads := eventsOf[eventbus.MessagesRead](h.events)
	require.Len(t, reads, 1)
	assert.Equal(t, 3, reads[0].Envelope.ReadCount)

	deleted := eventsOf[eventbus.MessageDeleted](h.events)
	require.Len(t, deleted, 1)
	assert.True(t, deleted[0].Envelope.DeleteForEveryone)

	sent := eventsOf[eventbus.MessageSent](h.events)
	require.Len(t, sent, 1)
	assert.Equal(t, "abc", sent[0].Envelope.Message.ClientID)

	unknown := eventsOf[eventbus.UnknownMessage](h.events)
	assert.Equal(t, "typing", unknown[0].Envelope.Type)
	assert.JSONEq(t, `{"type":"typing","userId":"u2"}`, string(unknown[0].Envelope.Raw))
}

func TestTopics(t *testing.T) {
	assert.Equal(t, []string{
		"users/u1/messages",
		"users/u1/responses",
		"users/u1/notifications",
		"users/u1/status",
	}, Topics.User("u1"))
	assert.Equal(t, []string{"conversations/c1", "conversations/c1/status"}, Topics.ConversationAll("c1"))
	assert.Equal(t, "messages/send", Topics.Send())
}
