package transporttest

import (
	"errors"
	"testing"

	"github.com/observer/chatlink/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialer_AutoConnect(t *testing.T) {
	d := NewDialer()

	var kinds []transport.EventKind
	conn, err := d.Dial("ws://broker", transport.Options{ClientID: "c1"}, func(ev transport.Event) {
		kinds = append(kinds, ev.Kind)
	})
	require.NoError(t, err)

	assert.True(t, conn.Connected())
	assert.Equal(t, "c1", conn.ClientID())
	assert.Equal(t, []transport.EventKind{transport.EventConnect}, kinds)
	assert.Same(t, d.Last(), conn)
}

func TestDialer_DialErr(t *testing.T) {
	d := NewDialer()
	d.DialErr = transport.ErrConnectionRefused

	_, err := d.Dial("ws://broker", transport.Options{}, func(transport.Event) {})
	assert.ErrorIs(t, err, transport.ErrConnectionRefused)
	assert.Equal(t, 0, d.Count())
}

func TestConn_ManualAcks(t *testing.T) {
	d := &Dialer{ManualAcks: true}
	c, _ := d.Dial("ws://broker", transport.Options{}, func(transport.Event) {})
	conn := c.(*Conn)

	var got error
	done := false
	conn.Subscribe("a", 1, func(err error) { got = err; done = true })
	assert.False(t, done)

	assert.True(t, conn.AckSubscribe("a", errors.New("nope")))
	assert.True(t, done)
	assert.EqualError(t, got, "nope")
	assert.False(t, conn.AckSubscribe("a", nil))
}

func TestConn_SubscribeErr(t *testing.T) {
	d := NewDialer()
	d.SubscribeErr = func(topic string) error {
		if topic == "bad" {
			return transport.ErrNotConnected
		}
		return nil
	}
	c, _ := d.Dial("ws://broker", transport.Options{}, func(transport.Event) {})

	var errs []error
	c.Subscribe("good", 1, func(err error) { errs = append(errs, err) })
	c.Subscribe("bad", 1, func(err error) { errs = append(errs, err) })

	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], transport.ErrNotConnected)
	assert.Equal(t, 1, c.(*Conn).SubscribeCount("bad"))
}

func TestConn_EndClearsFlags(t *testing.T) {
	d := NewDialer()
	c, _ := d.Dial("ws://broker", transport.Options{}, func(transport.Event) {})
	conn := c.(*Conn)
	conn.SetFlags(true, true, true)

	called := false
	conn.End(true, func() { called = true })

	assert.True(t, called)
	assert.True(t, conn.Ended())
	assert.False(t, conn.Connected())
	assert.False(t, conn.Disconnecting())
}
