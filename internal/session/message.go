// Package session defines the messaging facade the playback protocol runs on:
// a reliable ordered transport between the members of one session, one of
// which is the coordinator.
package session

import (
	"encoding/json"
	"fmt"
)

// Message is the envelope carried between peers. From is filled in by the
// transport and cannot be chosen by the sender.
type Message struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into a message of the given type.
func NewMessage(typ string, payload any) (Message, error) {
	msg := Message{Type: typ}
	if payload == nil {
		return msg, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	msg.Payload = b
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// EventKind distinguishes transport events.
type EventKind int

const (
	EventMessage EventKind = iota
	EventPeerJoined
	EventPeerLeft
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventPeerJoined:
		return "peer_joined"
	case EventPeerLeft:
		return "peer_left"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is delivered by a Transport in arrival order.
type Event struct {
	Kind EventKind
	Peer string
	Msg  Message
}
