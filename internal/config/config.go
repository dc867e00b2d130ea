package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/boombox/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Session  Session  `json:"session"`
	Boombox  Boombox  `json:"boombox"`
	Fetcher  Fetcher  `json:"fetcher"`
	Audio    Audio    `json:"audio"`
	Viewer   Viewer   `json:"viewer"`
	History  History  `json:"history"`
	Logging  Logging  `json:"logging"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
	Label   string `json:"label"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Session struct {
	Name string `json:"name"`

	// Topic used to announce hosted sessions on the LAN mesh.
	AnnounceTopic string `json:"announce_topic"`
	AnnounceSec   int    `json:"announce_seconds"`
	TTLSec        int    `json:"ttl_seconds"`

	// Buffered messages replayed to late joiners.
	ReplayBuffer int `json:"replay_buffer"`
}

type Boombox struct {
	DownloadTimeoutSec int `json:"download_timeout_seconds"`
	GracePeriodMs      int `json:"grace_period_ms"`
	PollIntervalMs     int `json:"poll_interval_ms"`
	NoticeBuffer       int `json:"notice_buffer"`
}

type Fetcher struct {
	Binary         string `json:"binary"`
	FFmpegLocation string `json:"ffmpeg_location"`
	AudioFormat    string `json:"audio_format"`
	AudioQuality   string `json:"audio_quality"`
	WorkDir        string `json:"work_dir"`
	TitleTimeout   int    `json:"title_timeout_seconds"`
	FileWaitSec    int    `json:"file_wait_seconds"`
}

type Audio struct {
	// MaxVolume scales the normalized 0..1 volume to what the device plays.
	MaxVolume      float64 `json:"max_volume"`
	DefaultVolume  float64 `json:"default_volume"`
	DefaultQuality int     `json:"default_quality"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type History struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`
}

type Logging struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
			Label:   "boombox",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "boombox-mdns",
		},
		Session: Session{
			Name:          "boombox",
			AnnounceTopic: "boombox.sessions.v1",
			AnnounceSec:   5,
			TTLSec:        20,
			ReplayBuffer:  32,
		},
		Boombox: Boombox{
			DownloadTimeoutSec: 40,
			GracePeriodMs:      5000,
			PollIntervalMs:     100,
			NoticeBuffer:       50,
		},
		Fetcher: Fetcher{
			Binary:       "yt-dlp",
			AudioFormat:  "mp3",
			AudioQuality: "192K",
			WorkDir:      "data/cache",
			TitleTimeout: 10,
			FileWaitSec:  5,
		},
		Audio: Audio{
			MaxVolume:      0.8,
			DefaultVolume:  0.3,
			DefaultQuality: 3,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8080",
		},
		History: History{
			Enabled: true,
			Dir:     "data",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Session
	if strings.TrimSpace(c.Session.Name) == "" {
		return errors.New("session.name is required")
	}
	if strings.TrimSpace(c.Session.AnnounceTopic) == "" {
		return errors.New("session.announce_topic is required")
	}
	if c.Session.AnnounceSec <= 0 {
		return errors.New("session.announce_seconds must be > 0")
	}
	if c.Session.AnnounceSec >= c.Session.TTLSec {
		return errors.New("session.announce_seconds must be < session.ttl_seconds")
	}
	if c.Session.ReplayBuffer < 1 {
		return errors.New("session.replay_buffer must be >= 1")
	}

	// Boombox
	if c.Boombox.DownloadTimeoutSec < 1 {
		return errors.New("boombox.download_timeout_seconds must be >= 1")
	}
	if c.Boombox.GracePeriodMs < 0 {
		return errors.New("boombox.grace_period_ms must be >= 0")
	}
	if c.Boombox.GracePeriodMs >= c.Boombox.DownloadTimeoutSec*1000 {
		return errors.New("boombox.grace_period_ms must be shorter than the download timeout")
	}
	if c.Boombox.PollIntervalMs < 10 {
		return errors.New("boombox.poll_interval_ms must be >= 10")
	}
	if c.Boombox.NoticeBuffer < 1 {
		return errors.New("boombox.notice_buffer must be >= 1")
	}

	// Fetcher
	if strings.TrimSpace(c.Fetcher.Binary) == "" {
		return errors.New("fetcher.binary is required")
	}
	if strings.TrimSpace(c.Fetcher.AudioFormat) == "" {
		return errors.New("fetcher.audio_format is required")
	}
	if strings.TrimSpace(c.Fetcher.WorkDir) == "" {
		return errors.New("fetcher.work_dir is required")
	}
	if c.Fetcher.TitleTimeout < 1 || c.Fetcher.TitleTimeout > 60 {
		return errors.New("fetcher.title_timeout_seconds must be 1..60")
	}
	if c.Fetcher.FileWaitSec < 0 {
		return errors.New("fetcher.file_wait_seconds must be >= 0")
	}

	// Audio
	if c.Audio.MaxVolume <= 0 || c.Audio.MaxVolume > 1 {
		return errors.New("audio.max_volume must be in (0, 1]")
	}
	if c.Audio.DefaultVolume < 0 || c.Audio.DefaultVolume > 1 {
		return errors.New("audio.default_volume must be 0..1")
	}
	if c.Audio.DefaultQuality < 0 || c.Audio.DefaultQuality > 4 {
		return errors.New("audio.default_quality must be 0..4")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// History
	if c.History.Enabled && strings.TrimSpace(c.History.Dir) == "" {
		return errors.New("history.dir is required when history is enabled")
	}

	return nil
}

// DownloadTimeout is the per-request watchdog duration.
func (b Boombox) DownloadTimeout() time.Duration {
	return time.Duration(b.DownloadTimeoutSec) * time.Second
}

// GracePeriod is how long a mixed ready/errored barrier waits before resolving.
func (b Boombox) GracePeriod() time.Duration {
	return time.Duration(b.GracePeriodMs) * time.Millisecond
}

// PollInterval is the fallback barrier re-check interval.
func (b Boombox) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalMs) * time.Millisecond
}

func (s Session) AnnounceInterval() time.Duration {
	return time.Duration(s.AnnounceSec) * time.Second
}

func (s Session) TTL() time.Duration {
	return time.Duration(s.TTLSec) * time.Second
}

func (f Fetcher) TitleTimeoutDuration() time.Duration {
	return time.Duration(f.TitleTimeout) * time.Second
}

func (f Fetcher) FileWait() time.Duration {
	return time.Duration(f.FileWaitSec) * time.Second
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
