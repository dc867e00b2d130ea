package session

import "errors"

var (
	ErrClosed      = errors.New("session closed")
	ErrUnknownPeer = errors.New("peer is not a session member")
)

// Transport is the messaging facade. Broadcasts reach every member including
// the sender. Buffered broadcasts are also replayed to members that join later.
// Delivery from one sender is ordered; there is no global order across senders.
type Transport interface {
	SelfID() string
	CoordinatorID() string
	IsCoordinator() bool
	// Peers lists every current member, the local peer included, sorted.
	Peers() []string

	BroadcastToAll(msg Message) error
	BroadcastToAllBuffered(msg Message) error
	SendToPeer(peerID string, msg Message) error
	SendToCoordinator(msg Message) error

	Events() <-chan Event
}

// Send marshals payload and broadcasts it to all members.
func Send(t Transport, typ string, payload any) error {
	msg, err := NewMessage(typ, payload)
	if err != nil {
		return err
	}
	return t.BroadcastToAll(msg)
}

// SendBuffered marshals payload and broadcasts it with replay for late joiners.
func SendBuffered(t Transport, typ string, payload any) error {
	msg, err := NewMessage(typ, payload)
	if err != nil {
		return err
	}
	return t.BroadcastToAllBuffered(msg)
}

// SendTo marshals payload and sends it to a single member.
func SendTo(t Transport, peerID, typ string, payload any) error {
	msg, err := NewMessage(typ, payload)
	if err != nil {
		return err
	}
	return t.SendToPeer(peerID, msg)
}

// SendCoordinator marshals payload and sends it to the coordinator.
func SendCoordinator(t Transport, typ string, payload any) error {
	msg, err := NewMessage(typ, payload)
	if err != nil {
		return err
	}
	return t.SendToCoordinator(msg)
}
