package boombox

// Wire message types.
const (
	TypeRequestPlay  = "boombox.request_play"
	TypeReportReady  = "boombox.report_ready"
	TypeReportError  = "boombox.report_error"
	TypeNotifyErrors = "boombox.notify_errors"
	TypeSetTitle     = "boombox.set_title"
	TypeSyncPlay     = "boombox.sync_play"
	TypePause        = "boombox.pause"
	TypeStop         = "boombox.stop"
	TypeSetQuality   = "boombox.set_quality"
	TypeSetVolume    = "boombox.set_volume"
)

type RequestPlay struct {
	URL         string `json:"url"`
	RequesterID string `json:"requester_id"`
	RequestID   string `json:"request_id"`
}

type ReportReady struct {
	PeerID    string `json:"peer_id"`
	URL       string `json:"url"`
	RequestID string `json:"request_id,omitempty"`
}

type ReportError struct {
	PeerID    string `json:"peer_id"`
	URL       string `json:"url"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// NotifyErrors is a user-facing notice. Terminal marks a request that ended
// without playback.
type NotifyErrors struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Terminal  bool   `json:"terminal,omitempty"`
}

type SetTitle struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// SyncPlay starts playback from the local cache. CatchUp is set when the
// coordinator brings a late joiner into the current song; such a peer
// fetches on a cache miss instead of giving up.
type SyncPlay struct {
	URL         string `json:"url"`
	RequesterID string `json:"requester_id"`
	RequestID   string `json:"request_id,omitempty"`
	CatchUp     bool   `json:"catch_up,omitempty"`
}

type Pause struct {
	RequesterID string `json:"requester_id"`
}

type Stop struct {
	RequesterID string `json:"requester_id"`
}

type SetQuality struct {
	Level       int    `json:"level"`
	RequesterID string `json:"requester_id"`
}

type SetVolume struct {
	Level       float64 `json:"level"`
	RequesterID string  `json:"requester_id"`
}
