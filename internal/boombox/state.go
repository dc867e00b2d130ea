package boombox

import (
	"errors"
	"time"
)

var (
	ErrInvalidURL = errors.New("invalid media URL")
	ErrBusy       = errors.New("a download is already in progress")
	ErrNoControl  = errors.New("this peer does not hold the controls")
	ErrNotPlaying = errors.New("nothing is playing")
)

// Notice lines shown to users.
const (
	noticeBusy         = "Please wait for the current download to complete."
	noticeInvalidURL   = "Error: Invalid media URL."
	noticeSomeErrors   = "Some peers had download errors. Continuing playback for %d peers."
	noticeSomeTimedOut = "Some peers timed out. Continuing playback for %d peers."
	noticeAllTimedOut  = "Download timed out for all peers."
	noticeAllFailed    = "Download failed for all peers."
	noticeDownloading  = "Downloading audio from %s..."
	noticeWaiting      = "Waiting for all peers to be ready..."
	noticeNowPlaying   = "Now playing: %s"
	noticePaused       = "Paused: %s"
	noticeStopped      = "Stopped: %s"
	noticeFetchFailed  = "Error: %s"
	noticeCatchingUp   = "Catching up on %s..."
	unknownTitle       = "Unknown Title"
)

// PlaybackState is the local player state.
type PlaybackState int

const (
	StateIdle PlaybackState = iota
	StateDownloading
	StateAwaitingSyncBarrier
	StatePlaying
	StatePaused
	StateStopped
)

func (s PlaybackState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateAwaitingSyncBarrier:
		return "awaiting_sync_barrier"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s PlaybackState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Role says why a peer is resolving a barrier.
type Role int

const (
	RoleRequester Role = iota
	RoleCoordinatorRecovery
)

func (r Role) String() string {
	if r == RoleCoordinatorRecovery {
		return "coordinator_recovery"
	}
	return "requester"
}

// Request is the download request currently open on this peer.
type Request struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	RequesterID string    `json:"requester_id"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Notice is a timestamped status line.
type Notice struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Status is a point-in-time view of one peer's player.
type Status struct {
	PeerID      string        `json:"peer_id"`
	Coordinator bool          `json:"coordinator"`
	State       PlaybackState `json:"state"`
	MediaKey    string        `json:"media_key,omitempty"`
	Title       string        `json:"title,omitempty"`
	Quality     int           `json:"quality"`
	Volume      float64       `json:"volume"`
	Busy        bool          `json:"busy"`
	Request     *Request      `json:"request,omitempty"`
	Ready       int           `json:"ready"`
	Errored     int           `json:"errored"`
	Peers       int           `json:"peers"`
	AwaitingAs  string        `json:"awaiting_as,omitempty"`
	Notice      string        `json:"notice,omitempty"`
	Cached      []string      `json:"cached,omitempty"`
}

// Play describes a synchronized playback start, reported to OnPlay.
type Play struct {
	RequestID   string    `json:"request_id"`
	Key         string    `json:"key"`
	Title       string    `json:"title"`
	RequesterID string    `json:"requester_id"`
	Ready       int       `json:"ready"`
	Errored     int       `json:"errored"`
	Recovered   bool      `json:"recovered"`
	At          time.Time `json:"at"`
}
