package connection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/khanglvm/weapon-watch/internal/detection"
)

// Inbound message type tags.
const (
	TypeConnectionEstablished = "connection_established"
	TypePong                  = "pong"
	TypePing                  = "ping"
)

// ErrMalformed wraps payloads that are not valid JSON objects or whose
// detection fields have the wrong shape.
var ErrMalformed = errors.New("malformed push message")

// Message is a decoded inbound push message. The concrete type is one of
// ConnectionEstablished, Pong, DetectionEvent or Unrecognized.
type Message interface {
	isMessage()
}

// ConnectionEstablished is the server's greeting after the channel opens.
type ConnectionEstablished struct {
	Message string
}

// Pong acknowledges a keep-alive ping.
type Pong struct{}

// DetectionEvent carries a detection record pushed by the backend.
type DetectionEvent struct {
	Detection detection.Detection
}

// Unrecognized is any well-formed payload that matches no known shape.
type Unrecognized struct {
	Type string
}

func (ConnectionEstablished) isMessage() {}
func (Pong) isMessage()                  {}
func (DetectionEvent) isMessage()        {}
func (Unrecognized) isMessage()          {}

// envelope holds the discriminating fields of an inbound payload.
type envelope struct {
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	ID        json.RawMessage `json:"id"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// DecodeMessage classifies an inbound payload. A payload is a detection when
// it carries both a non-empty id and a non-empty timestamp.
func DecodeMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeConnectionEstablished:
		return ConnectionEstablished{Message: env.Message}, nil
	case TypePong:
		return Pong{}, nil
	}

	if present(env.ID) && present(env.Timestamp) {
		var d detection.Detection
		if err := json.Unmarshal(trimmed, &d); err != nil {
			return nil, fmt.Errorf("%w: detection: %v", ErrMalformed, err)
		}
		if d.ID == "" || d.Timestamp.IsZero() {
			return Unrecognized{Type: env.Type}, nil
		}
		return DetectionEvent{Detection: d}, nil
	}

	return Unrecognized{Type: env.Type}, nil
}

// present reports whether a raw field is set to something other than
// null, false, 0 or "".
func present(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

// EncodePing returns the keep-alive payload.
func EncodePing() []byte {
	return []byte(`{"type":"ping"}`)
}
