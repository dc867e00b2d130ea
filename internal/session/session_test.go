package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, tr Transport) Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestHubCoordinatorAndPeers(t *testing.T) {
	h := NewHub()
	a := h.Join("a")
	b := h.Join("b")

	assert.True(t, a.IsCoordinator())
	assert.False(t, b.IsCoordinator())
	assert.Equal(t, "a", b.CoordinatorID())
	assert.Equal(t, []string{"a", "b"}, b.Peers())

	ev := next(t, a)
	assert.Equal(t, EventPeerJoined, ev.Kind)
	assert.Equal(t, "b", ev.Peer)
}

func TestHubBroadcastReachesSenderWithFrom(t *testing.T) {
	h := NewHub()
	a := h.Join("a")
	b := h.Join("b")
	next(t, a) // b joined

	require.NoError(t, Send(b, "ping", map[string]int{"n": 1}))

	for _, tr := range []Transport{a, b} {
		ev := next(t, tr)
		require.Equal(t, EventMessage, ev.Kind)
		assert.Equal(t, "ping", ev.Msg.Type)
		assert.Equal(t, "b", ev.Msg.From)

		var p map[string]int
		require.NoError(t, ev.Msg.Decode(&p))
		assert.Equal(t, 1, p["n"])
	}
}

func TestHubBufferedReplayToLateJoiner(t *testing.T) {
	h := NewHub()
	a := h.Join("a")
	require.NoError(t, SendBuffered(a, "title", "x"))
	require.NoError(t, Send(a, "volatile", "y"))

	c := h.Join("c")
	ev := next(t, c)
	assert.Equal(t, "title", ev.Msg.Type)
	assert.Equal(t, "a", ev.Msg.From)

	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected replay of %s", ev.Msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubTargetedSends(t *testing.T) {
	h := NewHub()
	a := h.Join("a")
	b := h.Join("b")
	c := h.Join("c")
	next(t, a)
	next(t, a)
	next(t, b)

	require.NoError(t, SendCoordinator(c, "to-coord", nil))
	ev := next(t, a)
	assert.Equal(t, "to-coord", ev.Msg.Type)
	assert.Equal(t, "c", ev.Msg.From)

	require.NoError(t, SendTo(a, "b", "to-b", nil))
	assert.Equal(t, "to-b", next(t, b).Msg.Type)

	err := SendTo(a, "zzz", "nobody", nil)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestHubLeave(t *testing.T) {
	h := NewHub()
	a := h.Join("a")
	b := h.Join("b")
	next(t, a)

	h.Leave("b")
	ev := next(t, a)
	assert.Equal(t, EventPeerLeft, ev.Kind)
	assert.Equal(t, "b", ev.Peer)
	assert.Equal(t, []string{"a"}, a.Peers())

	assert.ErrorIs(t, Send(b, "late", nil), ErrClosed)
}

func TestHubCoordinatorLeaveClosesSession(t *testing.T) {
	h := NewHub()
	h.Join("a")
	b := h.Join("b")

	h.Leave("a")
	assert.Equal(t, EventClosed, next(t, b).Kind)
}

func TestMessageDecodeEmptyPayload(t *testing.T) {
	msg, err := NewMessage("bare", nil)
	require.NoError(t, err)
	var v struct{}
	assert.Error(t, msg.Decode(&v))
}

func TestReactorSerializesHandlersAndPosts(t *testing.T) {
	h := NewHub()
	a := h.Join("a")
	r := NewReactor(a)

	var mu sync.Mutex
	var seen []string
	record := func(s string) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}

	r.Handle("ping", func(msg Message) { record("ping:" + msg.From) })
	r.OnPeerJoined(func(peer string) { record("joined:" + peer) })
	r.OnPeerLeft(func(peer string) { record("left:" + peer) })

	afterCount := 0
	r.AfterEach(func() { afterCount++ })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	b := h.Join("b")
	require.NoError(t, Send(b, "ping", nil))
	h.Leave("b")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"joined:b", "ping:b", "left:b"}, seen)
	mu.Unlock()

	var count int
	require.NoError(t, r.Call(ctx, func() error {
		count = afterCount
		return nil
	}))
	assert.GreaterOrEqual(t, count, 3)

	boom := errors.New("boom")
	assert.ErrorIs(t, r.Call(ctx, func() error { return boom }), boom)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestReactorSurvivesPanickingHandler(t *testing.T) {
	h := NewHub()
	a := h.Join("a")
	r := NewReactor(a)
	r.Handle("bad", func(Message) { panic("nope") })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, Send(a, "bad", nil))
	require.NoError(t, r.Call(ctx, func() error { return nil }))
}

func TestReactorStopsWhenSessionCloses(t *testing.T) {
	h := NewHub()
	h.Join("a")
	b := h.Join("b")
	r := NewReactor(b)

	closed := make(chan struct{})
	r.OnClosed(func() { close(closed) })

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	h.Leave("a")
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("closed hook not called")
	}
	assert.ErrorIs(t, <-done, ErrClosed)
}
