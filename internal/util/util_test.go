package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	_, ok := r.Last()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, 3, r.Len())

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, 5, last)
}

func TestQueuePreservesOrder(t *testing.T) {
	q := NewQueue[int]()
	defer q.Close()

	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	for i := 0; i < 100; i++ {
		select {
		case v := <-q.Out():
			require.Equal(t, i, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for item %d", i)
		}
	}
}

func TestQueuePushAfterCloseIsDropped(t *testing.T) {
	q := NewQueue[string]()
	q.Close()
	q.Push("late")

	select {
	case v := <-q.Out():
		t.Fatalf("unexpected delivery %q", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "x")
	assert.Equal(t, abs, ResolvePath("/base", abs))
	assert.Equal(t, filepath.Join("base", "rel"), ResolvePath("base", "rel"))
}

func TestWriteJSONFileCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"n": 1}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(b))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0, Clamp(-3, 0, 4))
	assert.Equal(t, 4, Clamp(9, 0, 4))
	assert.Equal(t, 0.5, Clamp(0.5, 0.0, 1.0))
}

func TestSendLatestReplacesOldest(t *testing.T) {
	ch := make(chan int, 2)
	for i := 1; i <= 5; i++ {
		SendLatest(ch, i)
	}
	assert.Equal(t, 4, <-ch)
	assert.Equal(t, 5, <-ch)
}
