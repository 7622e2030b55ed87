// Package wsjson is a transport that speaks a small JSON pub/sub protocol over
// a WebSocket. It is used where an MQTT broker is not available and by the
// in-process test broker.
package wsjson

import (
	"encoding/json"
	"errors"
)

// Frame types for client -> broker
const (
	FrameConnect     = "connect"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
)

// Frame types for broker -> client
const (
	FrameConnack  = "connack"
	FrameSuback   = "suback"
	FrameUnsuback = "unsuback"
	FramePuback   = "puback"
	FrameMessage  = "message"
	FrameError    = "error"
)

// Frame is one protocol message. Requests carry an ID that the broker echoes
// in the matching acknowledgement.
type Frame struct {
	Type      string `json:"type"`
	ID        uint64 `json:"id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	QoS       byte   `json:"qos,omitempty"`
	KeepAlive int    `json:"keepalive,omitempty"` // seconds
	Error     string `json:"error,omitempty"`
}

// Err returns the broker-reported failure of an acknowledgement.
func (f *Frame) Err() error {
	if f.Error == "" {
		return nil
	}
	return errors.New(f.Error)
}

// Encode marshals the frame.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, errors.New("wsjson: frame without type")
	}
	return &f, nil
}
