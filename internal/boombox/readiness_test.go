package boombox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerFirstOutcomeWins(t *testing.T) {
	tr := NewTracker()
	tr.Reset("k")

	assert.True(t, tr.MarkReady("k", "a"))
	assert.False(t, tr.MarkReady("k", "a"))
	assert.False(t, tr.MarkError("k", "a"))

	assert.True(t, tr.MarkError("k", "b"))
	assert.False(t, tr.MarkReady("k", "b"))

	ready, errored := tr.Counts("k")
	assert.Equal(t, 1, ready)
	assert.Equal(t, 1, errored)
	assert.True(t, tr.IsReady("k", "a"))
	assert.True(t, tr.IsErrored("k", "b"))
	assert.False(t, tr.IsReady("k", "b"))
}

func TestTrackerResetStartsNewEpoch(t *testing.T) {
	tr := NewTracker()
	tr.MarkReady("k", "a")
	tr.MarkError("k", "b")
	tr.MarkReady("other", "a")

	tr.Reset("k")
	ready, errored := tr.Counts("k")
	assert.Zero(t, ready)
	assert.Zero(t, errored)
	assert.True(t, tr.IsReady("other", "a"))
}

func TestTrackerForget(t *testing.T) {
	tr := NewTracker()
	tr.MarkReady("k", "a")
	tr.Forget("k")

	assert.False(t, tr.IsReady("k", "a"))
	ready, _ := tr.Counts("k")
	assert.Zero(t, ready)
}
