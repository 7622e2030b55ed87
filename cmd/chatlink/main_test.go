package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/chatlink/internal/brokertest"
	"github.com/observer/chatlink/internal/messaging"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func startBroker(t *testing.T) *brokertest.Broker {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("SETTLE_DELAY", "50ms")
	b := brokertest.New(nil, slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})))
	b.Start()
	t.Cleanup(b.Close)
	return b
}

func TestStatusOffline(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	out, err := runCLI(t, "status", "--offline", "--transport", "wsjson")
	require.NoError(t, err)

	var st messaging.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.False(t, st.Connected)
	assert.Zero(t, st.SubscribedCount)
}

func TestConnect(t *testing.T) {
	b := startBroker(t)

	out, err := runCLI(t, "connect", "--transport", "wsjson", "--broker", b.URL(), "--user", "u1")
	require.NoError(t, err)

	var st messaging.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Connected)
	assert.Equal(t, "u1", st.UserID)
	assert.ElementsMatch(t, messaging.Topics.User("u1"), st.SubscribedTopics)
}

func TestSend(t *testing.T) {
	b := startBroker(t)

	_, err := runCLI(t, "send", "--transport", "wsjson", "--broker", b.URL(), "--user", "u1",
		"--conversation", "c1", "--text", "hello", "--wait", "300ms")
	require.NoError(t, err)

	sent := b.PublishedOn(messaging.Topics.Send())
	require.Len(t, sent, 1)
	var env map[string]any
	require.NoError(t, json.Unmarshal(sent[0], &env))
	assert.Equal(t, "hello", env["text"])
	assert.Equal(t, "c1", env["conversationId"])
}

func TestUnknownTransport(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	_, err := runCLI(t, "status", "--offline", "--transport", "pigeon")
	assert.Error(t, err)
}
