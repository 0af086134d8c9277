// Package protocol defines the websocket frame format, the queue events
// carried inside it, and the client-side projection that folds events into
// a consistent view of a queue.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const (
	// MaxFramePayloadBytes is the largest inbound frame accepted.
	MaxFramePayloadBytes = 16 * 1024

	// MaxFramesPerSecond bounds inbound frames per connection.
	MaxFramesPerSecond = 40

	// MaxDecodeErrors is how many undecodable frames a connection may send
	// before it is closed.
	MaxDecodeErrors = 3
)

// Frame types sent by clients.
const (
	FrameJoin  = "join"
	FrameLeave = "leave"
	FramePing  = "ping"
)

// Frame types sent by the server.
const (
	FrameHello = "hello"
	FrameEvent = "event"
	FrameAck   = "ack"
	FrameError = "error"
	FramePong  = "pong"
)

var ErrFrameTooLarge = errors.New("protocol: frame too large")

// Frame is the envelope for every websocket message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RawID is an identifier exactly as a client sent it. Clients may send
// either a JSON string or a JSON number; validation happens later so a
// malformed identifier is reported as such rather than as a decode error.
type RawID string

func (r *RawID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RawID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol: id must be a string or number: %w", err)
	}
	*r = RawID(n.String())
	return nil
}

// JoinPayload subscribes the connection to a queue.
type JoinPayload struct {
	QueueID RawID `json:"queue_id"`
}

// LeavePayload unsubscribes the connection from a queue.
type LeavePayload struct {
	QueueID RawID `json:"queue_id"`
}

// HelloPayload is the first frame the server sends on a connection.
type HelloPayload struct {
	SessionID string `json:"session_id"`
	Epoch     string `json:"epoch"`
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name"`
}

// AckPayload confirms a join or leave.
type AckPayload struct {
	Type    string `json:"type"`
	QueueID int64  `json:"queue_id"`
}

// ErrorEnvelope is the payload of an error frame.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failed request. QueueID is set when the server
// dropped a subscription on its own; the client must rejoin that queue.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	QueueID   int64  `json:"queue_id,omitempty"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(frameType, requestID string, payload any) (Frame, error) {
	f := Frame{Type: frameType, RequestID: requestID}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: marshal %s payload: %w", frameType, err)
	}
	f.Payload = data
	return f, nil
}

// DecodeFrame parses a raw inbound message.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) > MaxFramePayloadBytes {
		return Frame{}, ErrFrameTooLarge
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, errors.New("protocol: frame type is required")
	}
	return f, nil
}

// DecodePayload unmarshals a frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("protocol: %s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", f.Type, err)
	}
	return nil
}

// FormatRawID renders a numeric id as a RawID.
func FormatRawID(id int64) RawID {
	return RawID(strconv.FormatInt(id, 10))
}
