package audio

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMP3 writes an MPEG-1 Layer III 128 kbps 44.1 kHz frame header padded
// to size bytes.
func writeMP3(t *testing.T, dir string, size int) string {
	t.Helper()
	b := make([]byte, size)
	copy(b, []byte{0xFF, 0xFB, 0x90, 0x00})
	path := filepath.Join(dir, "audio.mp3")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func TestProbeMP3(t *testing.T) {
	path := writeMP3(t, t.TempDir(), 16000)

	info, err := Probe(path)
	require.NoError(t, err)
	assert.Equal(t, "mp3", info.Format)
	assert.Equal(t, 128000, info.Bitrate)
	assert.InDelta(t, 1.0, info.Duration, 1e-9)
}

func TestProbeSkipsID3(t *testing.T) {
	dir := t.TempDir()
	tag := []byte{'I', 'D', '3', 3, 0, 0, 0, 0, 0, 10}
	body := make([]byte, 16000)
	copy(body, []byte{0xFF, 0xFB, 0x90, 0x00})
	path := filepath.Join(dir, "tagged.mp3")
	require.NoError(t, os.WriteFile(path, append(append(tag, make([]byte, 10)...), body...), 0o644))

	info, err := Probe(path)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, info.Duration, 1e-9)
}

func TestProbeRejectsGarbageMP3(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.mp3")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0x01}, 512), 0o644))

	_, err := Probe(path)
	assert.Error(t, err)
}

func TestProbeOtherFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.opus")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	info, err := Probe(path)
	require.NoError(t, err)
	assert.Equal(t, "opus", info.Format)
}

func TestClipReleaseRemovesFileOnLastRef(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "download")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := writeMP3(t, dir, 4096)

	c, err := Load(path)
	require.NoError(t, err)
	c.Retain()
	assert.Equal(t, 2, c.Refs())

	c.Release()
	assert.FileExists(t, path)

	c.Release()
	assert.NoFileExists(t, path)
	assert.NoDirExists(t, dir)

	c.Release()
	assert.Equal(t, 0, c.Refs())
}

func TestClipDiscardKeepsSharedFile(t *testing.T) {
	path := writeMP3(t, t.TempDir(), 4096)

	owner, err := Load(path)
	require.NoError(t, err)
	dup, err := Load(path)
	require.NoError(t, err)

	dup.Discard()
	assert.Equal(t, 0, dup.Refs())
	assert.FileExists(t, path)

	owner.Release()
	assert.NoFileExists(t, path)
}

func TestQualityCutoff(t *testing.T) {
	tests := []struct {
		level int
		hz    float64
		on    bool
	}{
		{-1, 1500, true},
		{0, 1500, true},
		{1, 3000, true},
		{2, 4500, true},
		{3, 6000, true},
		{4, 0, false},
		{9, 0, false},
	}
	for _, tt := range tests {
		hz, on := QualityCutoff(tt.level)
		assert.Equal(t, tt.hz, hz, "level %d", tt.level)
		assert.Equal(t, tt.on, on, "level %d", tt.level)
	}
}

func TestStreamDevicePlayPauseResumeStop(t *testing.T) {
	path := writeMP3(t, t.TempDir(), 160000) // 10s
	c, err := Load(path)
	require.NoError(t, err)

	d := NewStreamDevice()
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	states, cancel := d.Subscribe()
	defer cancel()

	require.NoError(t, d.Play(c))
	assert.True(t, d.State().Playing)
	<-states

	now = now.Add(3 * time.Second)
	d.Pause(c)
	st := d.State()
	assert.True(t, st.Paused)
	assert.InDelta(t, 3.0, st.Position, 1e-9)

	now = now.Add(time.Minute)
	require.NoError(t, d.Play(c))
	now = now.Add(time.Second)
	assert.InDelta(t, 4.0, d.State().Position, 1e-9)

	d.Stop(c)
	st = d.State()
	assert.False(t, st.Playing)
	assert.False(t, st.Paused)
	assert.Empty(t, st.Path)
}

func TestStreamDeviceIgnoresOtherClip(t *testing.T) {
	path := writeMP3(t, t.TempDir(), 4096)
	c, err := Load(path)
	require.NoError(t, err)
	other := NewClip("elsewhere.mp3", Info{}, nil)

	d := NewStreamDevice()
	require.NoError(t, d.Play(c))
	d.Pause(other)
	d.Stop(other)
	assert.True(t, d.State().Playing)
}

func TestStreamDeviceVolumeAndQuality(t *testing.T) {
	d := NewStreamDevice()
	d.SetVolume(0.24)
	d.SetLowPassQuality(7)

	st := d.State()
	assert.InDelta(t, 0.24, st.Volume, 1e-9)
	assert.Equal(t, MaxQuality, st.Quality)
	assert.False(t, st.Filtering)

	d.SetLowPassQuality(1)
	st = d.State()
	assert.True(t, st.Filtering)
	assert.Equal(t, 3000.0, st.CutoffHz)
}

func TestStreamWritesClip(t *testing.T) {
	path := writeMP3(t, t.TempDir(), 4096)
	c, err := Load(path)
	require.NoError(t, err)

	d := NewStreamDevice()
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }
	var buf bytes.Buffer
	assert.ErrorIs(t, d.Stream(context.Background(), &buf), ErrNothingPlaying)

	require.NoError(t, d.Play(c))
	require.NoError(t, d.Stream(context.Background(), &buf))
	assert.Equal(t, 4096, buf.Len())
}
