package group

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame type constants for the session stream wire format.
const (
	TypeJoin    = "join"
	TypeWelcome = "welcome"
	TypeMembers = "members"
	TypeMsg     = "msg"
	TypeLeave   = "leave"
	TypeClose   = "close"
	TypeError   = "error"
)

// Frame is the JSON wire format on a session stream.
// Frames are newline-delimited JSON. A msg frame carries a session.Message
// as its payload; To is empty for broadcasts.
type Frame struct {
	Type     string          `json:"type"`
	Session  string          `json:"session,omitempty"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Buffered bool            `json:"buffered,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func newFrame(typ string, payload any) Frame {
	f := Frame{Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Errorf("marshal %s frame: %v", typ, err)
		}
		f.Payload = b
	}
	return f
}

func (f Frame) decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame: empty payload", f.Type)
	}
	return json.Unmarshal(f.Payload, v)
}

// WelcomePayload is sent to a new member after joining.
type WelcomePayload struct {
	Session string       `json:"session"`
	HostID  string       `json:"host_id"`
	Members []MemberInfo `json:"members"`
}

// MembersPayload is broadcast when membership changes. The host is implied.
type MembersPayload struct {
	Members []MemberInfo `json:"members"`
}

// MemberInfo describes a session member.
type MemberInfo struct {
	PeerID   string `json:"peer_id"`
	JoinedAt int64  `json:"joined_at"`
}

// ErrorPayload is sent when a join is refused.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Invite is the wire format for a session invitation.
type Invite struct {
	Session    string   `json:"session"`
	HostPeerID string   `json:"host_peer_id"`
	Addrs      []string `json:"addrs,omitempty"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }
