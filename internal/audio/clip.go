package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Info describes a decoded-enough view of an audio file.
type Info struct {
	Format   string  `json:"format"`
	Bitrate  int     `json:"bitrate"`  // bits per second
	Duration float64 `json:"duration"` // seconds
}

// Clip is a loaded audio asset. It is reference counted: the creator holds
// the first reference and free runs once the last one is released.
type Clip struct {
	Path string
	Info Info

	refs atomic.Int32
	free func()
}

// NewClip returns a clip holding one reference.
func NewClip(path string, info Info, free func()) *Clip {
	c := &Clip{Path: path, Info: info, free: free}
	c.refs.Store(1)
	return c
}

// Retain adds a reference and returns the clip for chaining.
func (c *Clip) Retain() *Clip {
	c.refs.Add(1)
	return c
}

// Release drops a reference. Releasing more often than retained is a no-op.
func (c *Clip) Release() {
	n := c.refs.Add(-1)
	if n == 0 && c.free != nil {
		c.free()
	}
	if n < 0 {
		c.refs.Store(0)
	}
}

// Discard drops a clip that duplicates another clip for the same file. The
// file stays on disk for the clip that owns it.
func (c *Clip) Discard() {
	c.free = nil
	c.refs.Store(0)
}

// Refs reports the live reference count.
func (c *Clip) Refs() int { return int(c.refs.Load()) }

// Load probes the file at path and returns a clip that deletes the file (and
// its directory, when that becomes empty) on final release.
func Load(path string) (*Clip, error) {
	info, err := Probe(path)
	if err != nil {
		return nil, fmt.Errorf("load clip: %w", err)
	}
	return NewClip(path, info, func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warnf("remove %s: %v", path, err)
		}
		_ = os.Remove(filepath.Dir(path))
	}), nil
}

// MPEG audio version/layer/bitrate lookup tables (ISO 11172-3 / 13818-3).
var bitrateTable = [2][3][16]int{
	// MPEG-1
	{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
	},
	// MPEG-2 / MPEG-2.5
	{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
	},
}

var sampleRateTable = [3][4]int{
	{44100, 48000, 32000, 0}, // MPEG-1
	{22050, 24000, 16000, 0}, // MPEG-2
	{11025, 12000, 8000, 0},  // MPEG-2.5
}

// Probe inspects the file header. MP3 files get bitrate and an estimated
// duration; other formats are accepted with only the format filled in.
func Probe(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format != "mp3" {
		return Info{Format: format}, nil
	}

	stat, err := f.Stat()
	if err != nil {
		return Info{}, err
	}
	fileSize := stat.Size()

	// Skip ID3v2 tag if present
	var header [10]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return Info{}, fmt.Errorf("read header: %w", err)
	}

	offset := int64(0)
	if string(header[:3]) == "ID3" {
		// Synchsafe integer (4 bytes, 7 bits each)
		tagSize := int64(header[6])<<21 | int64(header[7])<<14 | int64(header[8])<<7 | int64(header[9])
		offset = 10 + tagSize
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return Info{}, err
	}

	buf := make([]byte, 8192)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return Info{}, err
	}
	buf = buf[:n]

	for i := 0; i < len(buf)-4; i++ {
		if buf[i] != 0xFF || buf[i+1]&0xE0 != 0xE0 {
			continue
		}
		bitrate, ok := frameBitrate(binary.BigEndian.Uint32(buf[i : i+4]))
		if !ok {
			continue
		}
		audioSize := fileSize - offset
		return Info{
			Format:   format,
			Bitrate:  bitrate,
			Duration: float64(audioSize*8) / float64(bitrate),
		}, nil
	}

	return Info{}, fmt.Errorf("no valid MPEG frame found")
}

// frameBitrate decodes a frame header into bits per second.
func frameBitrate(hdr uint32) (int, bool) {
	versionBits := (hdr >> 19) & 0x03
	layerBits := (hdr >> 17) & 0x03
	bitrateIdx := (hdr >> 12) & 0x0F
	sampleIdx := (hdr >> 10) & 0x03

	if bitrateIdx == 0 || bitrateIdx == 15 || sampleIdx == 3 || layerBits == 0 {
		return 0, false
	}

	// version bits: 0=2.5, 1=reserved, 2=2, 3=1
	var versionIdx, sampleVersion int
	switch versionBits {
	case 3:
		versionIdx, sampleVersion = 0, 0
	case 2:
		versionIdx, sampleVersion = 1, 1
	case 0:
		versionIdx, sampleVersion = 1, 2
	default:
		return 0, false
	}

	// layer bits: 1=III, 2=II, 3=I
	layerIdx := 3 - int(layerBits)

	bitrate := bitrateTable[versionIdx][layerIdx][bitrateIdx] * 1000
	if bitrate == 0 || sampleRateTable[sampleVersion][sampleIdx] == 0 {
		return 0, false
	}
	return bitrate, true
}
