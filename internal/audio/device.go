// Package audio holds the local playback primitives: loading a fetched file
// into a clip and driving an output device.
package audio

import (
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("audio")

// Quality levels map to low-pass cutoffs; the top level disables the filter.
const (
	MinQuality     = 0
	MaxQuality     = 4
	DefaultQuality = 3
)

var cutoffs = [...]float64{1500, 3000, 4500, 6000}

// QualityCutoff returns the low-pass cutoff in Hz for level, clamped to the
// valid range. enabled is false at MaxQuality.
func QualityCutoff(level int) (hz float64, enabled bool) {
	if level < MinQuality {
		level = MinQuality
	}
	if level >= MaxQuality {
		return 0, false
	}
	return cutoffs[level], true
}

// Device is a platform playback output.
type Device interface {
	Load(path string) (*Clip, error)
	Play(c *Clip) error
	Pause(c *Clip)
	Stop(c *Clip)
	SetVolume(v float64)
	SetLowPassQuality(level int)
}
