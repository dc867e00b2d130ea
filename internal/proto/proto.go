package proto

import "time"

const (
	MdnsTag = "boombox-mdns"

	// libp2p stream protocol ID for the host-relayed playback session
	SessionProtoID = "/boombox/session/1.0.0"

	// libp2p stream protocol ID for session invitations
	SessionInviteProtoID = "/boombox/session-invite/1.0.0"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// SessionAnnounce is published on the announce topic by peers hosting a session.
type SessionAnnounce struct {
	Type       string   `json:"type"` // online|update|offline
	PeerID     string   `json:"peerId"`
	Label      string   `json:"label,omitempty"`
	Session    string   `json:"session,omitempty"`
	Members    int      `json:"members"`
	NowPlaying string   `json:"nowPlaying,omitempty"`
	Addrs      []string `json:"addrs,omitempty"`
	TS         int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
