package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// ErrNothingPlaying is returned by Stream when no clip is playing.
var ErrNothingPlaying = errors.New("nothing playing")

// State is a snapshot of the stream device.
type State struct {
	Playing   bool    `json:"playing"`
	Paused    bool    `json:"paused"`
	Path      string  `json:"path,omitempty"`
	Format    string  `json:"format,omitempty"`
	Bitrate   int     `json:"bitrate,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Position  float64 `json:"position"`
	Volume    float64 `json:"volume"`
	Quality   int     `json:"quality"`
	CutoffHz  float64 `json:"cutoff_hz,omitempty"`
	Filtering bool    `json:"filtering"`
	UpdatedAt int64   `json:"updated_at"`
}

// StreamDevice plays by serving the current clip to HTTP listeners. Gain and
// the low-pass filter are applied by the listening client, which reads them
// from State.
type StreamDevice struct {
	mu      sync.Mutex
	clip    *Clip
	playing bool
	offset  float64 // seconds into the clip at the last transition
	since   time.Time
	volume  float64
	quality int
	changed chan struct{}
	now     func() time.Time

	listeners map[chan State]struct{}
}

func NewStreamDevice() *StreamDevice {
	return &StreamDevice{
		quality:   DefaultQuality,
		changed:   make(chan struct{}),
		now:       time.Now,
		listeners: make(map[chan State]struct{}),
	}
}

func (d *StreamDevice) Load(path string) (*Clip, error) {
	return Load(path)
}

// Play starts c from the beginning, or resumes it when c is the paused clip.
func (d *StreamDevice) Play(c *Clip) error {
	if c == nil {
		return ErrNothingPlaying
	}
	if _, err := os.Stat(c.Path); err != nil {
		return err
	}
	d.mu.Lock()
	if d.clip != c {
		d.clip = c
		d.offset = 0
	}
	d.playing = true
	d.since = d.now()
	d.bumpLocked()
	d.mu.Unlock()
	log.Infof("playing %s", c.Path)
	return nil
}

func (d *StreamDevice) Pause(c *Clip) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clip != c || !d.playing {
		return
	}
	d.offset = d.positionLocked()
	d.playing = false
	d.bumpLocked()
}

func (d *StreamDevice) Stop(c *Clip) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clip != c {
		return
	}
	d.clip = nil
	d.playing = false
	d.offset = 0
	d.bumpLocked()
}

func (d *StreamDevice) SetVolume(v float64) {
	d.mu.Lock()
	d.volume = v
	d.bumpLocked()
	d.mu.Unlock()
}

func (d *StreamDevice) SetLowPassQuality(level int) {
	if level < MinQuality {
		level = MinQuality
	}
	if level > MaxQuality {
		level = MaxQuality
	}
	d.mu.Lock()
	d.quality = level
	d.bumpLocked()
	d.mu.Unlock()
}

// State returns the current device snapshot.
func (d *StreamDevice) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

// Subscribe returns a channel of state changes and a cancel func.
func (d *StreamDevice) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)
	d.mu.Lock()
	d.listeners[ch] = struct{}{}
	d.mu.Unlock()
	return ch, func() {
		d.mu.Lock()
		if _, ok := d.listeners[ch]; ok {
			delete(d.listeners, ch)
			close(ch)
		}
		d.mu.Unlock()
	}
}

// Stream writes the playing clip to w from the current position. It returns
// nil when the clip ends or playback changes, so a client reconnects to follow.
func (d *StreamDevice) Stream(ctx context.Context, w io.Writer) error {
	d.mu.Lock()
	if d.clip == nil || !d.playing {
		d.mu.Unlock()
		return ErrNothingPlaying
	}
	path := d.clip.Path
	bitrate := d.clip.Info.Bitrate
	pos := d.positionLocked()
	changed := d.changed
	d.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if bitrate > 0 && pos > 0 {
		if _, err := f.Seek(int64(pos*float64(bitrate)/8), io.SeekStart); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
		case <-changed:
		case <-finished:
		}
		close(done)
	}()

	p := &pacer{r: f, done: done}
	return p.stream(w)
}

func (d *StreamDevice) positionLocked() float64 {
	if !d.playing {
		return d.offset
	}
	pos := d.offset + d.now().Sub(d.since).Seconds()
	if d.clip != nil && d.clip.Info.Duration > 0 && pos > d.clip.Info.Duration {
		pos = d.clip.Info.Duration
	}
	return pos
}

func (d *StreamDevice) stateLocked() State {
	hz, on := QualityCutoff(d.quality)
	st := State{
		Playing:   d.clip != nil && d.playing,
		Paused:    d.clip != nil && !d.playing,
		Position:  d.positionLocked(),
		Volume:    d.volume,
		Quality:   d.quality,
		CutoffHz:  hz,
		Filtering: on,
		UpdatedAt: d.now().UnixMilli(),
	}
	if d.clip != nil {
		st.Path = d.clip.Path
		st.Format = d.clip.Info.Format
		st.Bitrate = d.clip.Info.Bitrate
		st.Duration = d.clip.Info.Duration
	}
	return st
}

// bumpLocked wakes streams tied to the old playback and notifies listeners.
func (d *StreamDevice) bumpLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
	st := d.stateLocked()
	for ch := range d.listeners {
		select {
		case ch <- st:
		default:
		}
	}
}

// pacer copies audio to w as fast as the network allows; TCP and the
// client's buffer provide the rate control.
type pacer struct {
	r    io.Reader
	done <-chan struct{}
}

func (p *pacer) stream(w io.Writer) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-p.done:
			return nil
		default:
		}

		n, err := p.r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if f, ok := w.(interface{ Flush() }); ok {
				f.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
