package boombox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/boombox/internal/audio"
)

func countingClip(path string, freed *int) *audio.Clip {
	return audio.NewClip(path, audio.Info{Format: "mp3"}, func() { *freed++ })
}

func TestCacheGetNeedsClip(t *testing.T) {
	c := NewCache()
	c.SetTitle("k", "Title only")

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, "Title only", c.Title("k"))
	assert.Empty(t, c.Keys())
}

func TestCachePutReplacesAndReleases(t *testing.T) {
	c := NewCache()
	var freed int
	first := countingClip("/a", &freed)
	second := countingClip("/b", &freed)

	c.Put("k", first, "One")
	c.Put("k", second, "")
	assert.Equal(t, 1, freed)

	e, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "/b", e.Clip.Path)
	assert.Equal(t, "One", e.Title)
}

func TestCacheEvictReleasesAndForgetsTitle(t *testing.T) {
	c := NewCache()
	var freed int
	c.Put("k", countingClip("/a", &freed), "One")

	assert.True(t, c.Evict("k"))
	assert.Equal(t, 1, freed)
	assert.Empty(t, c.Title("k"))
	assert.False(t, c.Evict("k"))
}

func TestCacheEvictKeepsPlayingReference(t *testing.T) {
	c := NewCache()
	var freed int
	clip := countingClip("/a", &freed)
	c.Put("k", clip, "")
	playing := clip.Retain()

	c.Evict("k")
	assert.Zero(t, freed)
	playing.Release()
	assert.Equal(t, 1, freed)
}

func TestCacheClear(t *testing.T) {
	c := NewCache()
	var freed int
	c.Put("b", countingClip("/b", &freed), "")
	c.Put("a", countingClip("/a", &freed), "")
	assert.Equal(t, []string{"a", "b"}, c.Keys())

	c.Clear()
	assert.Equal(t, 2, freed)
	assert.Empty(t, c.Keys())
}
