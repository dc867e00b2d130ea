package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/boombox/internal/audio"
	"github.com/petervdpas/boombox/internal/boombox"
	"github.com/petervdpas/boombox/internal/control"
	"github.com/petervdpas/boombox/internal/fetch"
	"github.com/petervdpas/boombox/internal/session"
	"github.com/petervdpas/boombox/internal/state"
	"github.com/petervdpas/boombox/internal/storage"
)

type offlineFetcher struct{}

func (offlineFetcher) Fetch(ctx context.Context, url string) (fetch.Result, error) {
	return fetch.Result{}, errors.New("offline")
}

type testEnv struct {
	srv      *httptest.Server
	arb      *control.Arbiter
	bb       *boombox.Coordinator
	db       *storage.DB
	sessions *state.SessionTable
}

func newTestEnv(t *testing.T, tweak ...func(*Deps)) *testEnv {
	t.Helper()
	hub := session.NewHub()
	tr := hub.Join("a")
	r := session.NewReactor(tr)
	arb := control.New(r, control.Options{})
	bb := boombox.New(r, offlineFetcher{}, audio.NewStreamDevice(), boombox.Options{CanOperate: arb.HoldsControl})
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(cancel)
	t.Cleanup(bb.Close)

	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{arb: arb, bb: bb, db: db, sessions: state.NewSessionTable(nil)}
	d := Deps{
		Boombox:     bb,
		Control:     arb,
		Stream:      audio.NewStreamDevice(),
		Session:     tr,
		SessionName: "party",
		Sessions:    env.sessions,
		DB:          db,
	}
	for _, fn := range tweak {
		fn(&d)
	}
	mux := http.NewServeMux()
	Register(mux, d)
	env.srv = httptest.NewServer(mux)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) post(t *testing.T, path, body string, out any) int {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) openPanel(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/boombox/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var ev PanelEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return conn
}

func TestStateAndSession(t *testing.T) {
	env := newTestEnv(t)

	var st map[string]any
	require.Equal(t, http.StatusOK, env.get(t, "/api/boombox/state", &st))
	assert.Equal(t, "a", st["peer_id"])
	assert.Equal(t, "idle", st["state"])

	var sv sessionView
	require.Equal(t, http.StatusOK, env.get(t, "/api/session", &sv))
	assert.Equal(t, "party", sv.Name)
	assert.True(t, sv.Hosting)
	assert.Equal(t, []string{"a"}, sv.Peers)

	var notices []boombox.Notice
	require.Equal(t, http.StatusOK, env.get(t, "/api/boombox/notices", &notices))
	assert.Empty(t, notices)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusMethodNotAllowed, env.get(t, "/api/boombox/play", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, env.post(t, "/api/boombox/state", "", nil))
}

func TestCommandsNeedControl(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusForbidden, env.post(t, "/api/boombox/play", `{"url":"https://www.youtube.com/watch?v=abc"}`, nil))
	assert.Equal(t, http.StatusForbidden, env.post(t, "/api/boombox/volume", `{"level":0.5}`, nil))
	assert.Equal(t, http.StatusConflict, env.post(t, "/api/control/request", "", nil), "no panel open")
}

func TestPanelEngagesAndHoldsControl(t *testing.T) {
	env := newTestEnv(t)
	conn := env.openPanel(t)
	assert.True(t, env.arb.Engaged())

	var st control.Status
	require.Equal(t, http.StatusOK, env.post(t, "/api/control/request", "", &st))
	assert.True(t, st.Holding)
	assert.Equal(t, "a", st.Owner)

	assert.Equal(t, http.StatusBadRequest, env.post(t, "/api/boombox/play", `{"url":"not a url"}`, nil))
	assert.Equal(t, http.StatusBadRequest, env.post(t, "/api/boombox/play", `{"url":`, nil))
	assert.Equal(t, http.StatusBadRequest, env.post(t, "/api/boombox/volume", `{}`, nil))
	assert.Equal(t, http.StatusOK, env.post(t, "/api/boombox/volume", `{"level":0.5}`, nil))
	assert.Equal(t, http.StatusBadRequest, env.post(t, "/api/boombox/quality", `{"level":9}`, nil))
	assert.Equal(t, http.StatusOK, env.post(t, "/api/boombox/quality", `{"level":1}`, nil))
	assert.Equal(t, http.StatusConflict, env.post(t, "/api/boombox/pause", "", nil), "nothing playing")

	require.Eventually(t, func() bool {
		st := env.bb.Status()
		return st.Volume == 0.5 && st.Quality == 1
	}, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return env.arb.Owner() == "" }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, env.arb.Engaged())
}

func TestPanelStreamsStatus(t *testing.T) {
	env := newTestEnv(t)
	conn := env.openPanel(t)

	require.Equal(t, http.StatusOK, env.post(t, "/api/control/request", "", nil))

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev PanelEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == "control" && ev.Control.Holding {
			assert.Equal(t, "a", ev.Control.Owner)
			return
		}
	}
}

func TestEvict(t *testing.T) {
	env := newTestEnv(t)

	var out map[string]bool
	require.Equal(t, http.StatusOK, env.post(t, "/api/boombox/evict", `{"url":"https://youtu.be/abc"}`, &out))
	assert.False(t, out["evicted"])
	assert.Equal(t, http.StatusBadRequest, env.post(t, "/api/boombox/evict", `{}`, nil))
	assert.Equal(t, http.StatusOK, env.post(t, "/api/boombox/clear", "", nil))
}

func TestInviteOnlyOnHost(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusForbidden, env.post(t, "/api/session/invite", `{"peer_id":"x"}`, nil))

	var invited string
	host := newTestEnv(t, func(d *Deps) {
		d.Invite = func(ctx context.Context, peerID string) error {
			invited = peerID
			return nil
		}
	})
	assert.Equal(t, http.StatusBadRequest, host.post(t, "/api/session/invite", `{}`, nil))
	assert.Equal(t, http.StatusOK, host.post(t, "/api/session/invite", `{"peer_id":"x"}`, nil))
	assert.Equal(t, "x", invited)
}

func TestSessionsAndHistory(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.Upsert(state.SeenSession{HostID: "h1", Session: "friday", Members: 3})
	require.NoError(t, env.db.RecordPlay(storage.PlayRow{
		RequestID:   "r1",
		MediaKey:    "https://youtu.be/abc",
		Title:       "Song",
		RequesterID: "a",
		Ready:       2,
	}))

	var seen []state.SeenSession
	require.Equal(t, http.StatusOK, env.get(t, "/api/sessions", &seen))
	require.Len(t, seen, 1)
	assert.Equal(t, "friday", seen[0].Session)

	var plays []storage.PlayRow
	require.Equal(t, http.StatusOK, env.get(t, "/api/history?limit=10", &plays))
	require.Len(t, plays, 1)
	assert.Equal(t, "Song", plays[0].Title)

	var peers []storage.CachedPeer
	require.Equal(t, http.StatusOK, env.get(t, "/api/history/peers", &peers))
	assert.Empty(t, peers)
}

func TestAudioStreamWhenIdle(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/audio/stream", nil))
}
