package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()
	assert.FileExists(t, filepath.Join(dir, "boombox.db"))
	assert.Equal(t, filepath.Join(dir, "boombox.db"), db.Path())
}

func TestRecordAndListPlays(t *testing.T) {
	db := openTest(t)
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	require.NoError(t, db.RecordPlay(PlayRow{
		RequestID: "r1", MediaKey: "k1", Title: "One", RequesterID: "a", Ready: 3, PlayedAt: at,
	}))
	require.NoError(t, db.RecordPlay(PlayRow{
		RequestID: "r2", MediaKey: "k2", RequesterID: "b", Ready: 2, Errored: 1, Recovered: true,
	}))
	require.NoError(t, db.RecordPlay(PlayRow{RequestID: "r3", MediaKey: "k1"}))

	plays, err := db.RecentPlays(2)
	require.NoError(t, err)
	require.Len(t, plays, 2)
	assert.Equal(t, "r3", plays[0].RequestID)
	assert.Equal(t, "r2", plays[1].RequestID)
	assert.True(t, plays[1].Recovered)
	assert.Equal(t, 1, plays[1].Errored)

	all, err := db.RecentPlays(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "One", all[2].Title)
	assert.True(t, at.Equal(all[2].PlayedAt))

	n, err := db.CountPlays("k1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPeerCacheKeepsAddrs(t *testing.T) {
	db := openTest(t)

	require.NoError(t, db.UpsertCachedPeer(CachedPeer{PeerID: "p1", Label: "den", Addrs: []string{"/ip4/10.0.0.2/tcp/4001"}}))
	require.NoError(t, db.UpsertCachedPeer(CachedPeer{PeerID: "p1", Label: "den", Session: "party"}))

	p, ok := db.GetCachedPeer("p1")
	require.True(t, ok)
	assert.Equal(t, "party", p.Session)
	assert.Equal(t, []string{"/ip4/10.0.0.2/tcp/4001"}, p.Addrs)
	assert.False(t, p.LastSeen.IsZero())

	_, ok = db.GetCachedPeer("nobody")
	assert.False(t, ok)

	require.NoError(t, db.UpsertCachedPeer(CachedPeer{PeerID: "p2"}))
	peers, err := db.ListCachedPeers()
	require.NoError(t, err)
	assert.Len(t, peers, 2)
}

func TestSessions(t *testing.T) {
	db := openTest(t)

	_, ok := db.LastJoined()
	assert.False(t, ok)

	require.NoError(t, db.RecordSession("self", "mine", "host"))
	require.NoError(t, db.RecordSession("h1", "first", "member"))
	require.NoError(t, db.RecordSession("h2", "second", "member"))

	last, ok := db.LastJoined()
	require.True(t, ok)
	assert.Equal(t, "h2", last.HostPeerID)

	all, err := db.ListSessions()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
