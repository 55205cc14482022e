package ingest

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound message types sent by a DJ producer.
const (
	TypeHello = "hello"
	TypeFrame = "frame"
	TypePong  = "pong"
)

// Outbound message types sent to a DJ producer.
const (
	TypeWelcome   = "welcome"
	TypePing      = "ping"
	TypeAuthority = "authority"
	TypeError     = "error"
)

// Inbound is the JSON envelope of every producer message. Only the fields
// relevant to Type are populated.
type Inbound struct {
	Type string `json:"type"`

	// hello
	Token string `json:"token,omitempty"`
	Name  string `json:"name,omitempty"`

	// frame
	Bands     []float64 `json:"bands,omitempty"`
	Amplitude *float64  `json:"amplitude,omitempty"`
	BPM       float64   `json:"bpm,omitempty"`
	Beat      bool      `json:"beat,omitempty"`
	Timestamp int64     `json:"ts,omitempty"` // producer clock, unix milliseconds

	// pong
	ProbeID  uint64 `json:"id,omitempty"`
	Received int64  `json:"recv,omitempty"` // producer clock, unix milliseconds
}

type Outbound struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	ProbeID   uint64 `json:"id,omitempty"`
	Sent      int64  `json:"sent,omitempty"`
	Message   string `json:"message,omitempty"`
}

func Decode(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch msg.Type {
	case TypeHello, TypeFrame, TypePong:
		return msg, nil
	default:
		return Inbound{}, fmt.Errorf("%w: unknown message type %q", ErrInvalidFrame, msg.Type)
	}
}

func (m Inbound) ProducerTime() time.Time {
	return time.UnixMilli(m.Timestamp)
}

func (m Inbound) ReceivedTime() time.Time {
	return time.UnixMilli(m.Received)
}
