package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/boombox/internal/boombox"
	"github.com/petervdpas/boombox/internal/config"
	"github.com/petervdpas/boombox/internal/group"
	"github.com/petervdpas/boombox/internal/session"
	"github.com/petervdpas/boombox/internal/storage"
)

func TestNormalizeLocalViewer(t *testing.T) {
	tests := []struct {
		in, addr, url string
	}{
		{":8080", "127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"0.0.0.0:9000", "127.0.0.1:9000", "http://127.0.0.1:9000"},
		{" 127.0.0.1:7777 ", "127.0.0.1:7777", "http://127.0.0.1:7777"},
	}
	for _, tt := range tests {
		addr, url := NormalizeLocalViewer(tt.in)
		assert.Equal(t, tt.addr, addr, tt.in)
		assert.Equal(t, tt.url, url, tt.in)
	}
}

func TestDescribe(t *testing.T) {
	hub := session.NewHub()
	tr := hub.Join("host")
	hub.Join("guest")
	cfg := config.Default()
	cfg.Identity.Label = "kitchen"

	ann := describe(cfg, "party", tr, boombox.Status{State: boombox.StatePlaying, Title: "Song"})
	assert.Equal(t, "kitchen", ann.Label)
	assert.Equal(t, "party", ann.Session)
	assert.Equal(t, 2, ann.Members)
	assert.Equal(t, "Song", ann.NowPlaying)

	ann = describe(cfg, "party", tr, boombox.Status{State: boombox.StateDownloading, Title: "Next"})
	assert.Empty(t, ann.NowPlaying)
}

func TestJoinWithoutTarget(t *testing.T) {
	_, err := joinSession(context.Background(), nil, nil, "  ")
	assert.ErrorIs(t, err, ErrNoTarget)

	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.RecordSession("self", "mine", "host"))
	_, err = joinSession(context.Background(), nil, db, "")
	assert.ErrorIs(t, err, ErrNoTarget, "hosted sessions are not rejoined")
}

func TestRememberInvite(t *testing.T) {
	rememberInvite(nil, group.Invite{HostPeerID: "host"})

	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)

	inv := group.Invite{Session: "party", HostPeerID: "host", Addrs: []string{"/ip4/10.0.0.2/tcp/4001"}}
	rememberInvite(db, inv)
	p, ok := db.GetCachedPeer("host")
	require.True(t, ok)
	assert.Equal(t, "party", p.Session)
	assert.Equal(t, inv.Addrs, p.Addrs)

	require.NoError(t, db.Close())
	assert.NotPanics(t, func() { rememberInvite(db, group.Invite{HostPeerID: "other"}) })
}

func TestRecordPlays(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	plays := make(chan boombox.Play, 2)
	plays <- boombox.Play{RequestID: "r1", Key: "https://youtu.be/a", Title: "A", RequesterID: "p1", Ready: 3, At: time.Now()}
	plays <- boombox.Play{RequestID: "r2", Key: "https://youtu.be/b", Title: "B", RequesterID: "p2", Ready: 1, Errored: 2, Recovered: true, At: time.Now()}
	close(plays)

	recordPlays(context.Background(), db, plays)

	rows, err := db.RecentPlays(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	n, err := db.CountPlays("https://youtu.be/b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "host", ModeHost.String())
	assert.Equal(t, "member", ModeJoin.String())
}
