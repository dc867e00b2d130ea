package state

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertKeepsAddrs(t *testing.T) {
	tbl := NewSessionTable(clock.NewMock())
	tbl.Upsert(SeenSession{HostID: "h1", Session: "party", Addrs: []string{"/ip4/1.2.3.4/tcp/1"}})
	tbl.Upsert(SeenSession{HostID: "h1", Session: "party", Members: 3})

	s, ok := tbl.Get("h1")
	require.True(t, ok)
	assert.Equal(t, 3, s.Members)
	assert.Equal(t, []string{"/ip4/1.2.3.4/tcp/1"}, s.Addrs)
	assert.True(t, s.Reachable)
}

func TestPruneStaleOfflineThenRemove(t *testing.T) {
	clk := clock.NewMock()
	tbl := NewSessionTable(clk)
	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	tbl.Upsert(SeenSession{HostID: "h1", Session: "party"})
	<-ch

	clk.Add(10 * time.Second)
	tbl.PruneStale(20*time.Second, time.Minute)
	s, _ := tbl.Get("h1")
	assert.True(t, s.Reachable)

	clk.Add(15 * time.Second)
	tbl.PruneStale(20*time.Second, time.Minute)
	s, _ = tbl.Get("h1")
	assert.False(t, s.Reachable)
	assert.Equal(t, "update", (<-ch).Type)

	clk.Add(2 * time.Minute)
	tbl.PruneStale(20*time.Second, time.Minute)
	_, ok := tbl.Get("h1")
	assert.False(t, ok)
	assert.Equal(t, "remove", (<-ch).Type)
}

func TestListOrdersReachableFirst(t *testing.T) {
	tbl := NewSessionTable(clock.NewMock())
	tbl.Upsert(SeenSession{HostID: "h1", Session: "b"})
	tbl.Upsert(SeenSession{HostID: "h2", Session: "a"})
	tbl.Upsert(SeenSession{HostID: "h3", Session: "c"})
	tbl.MarkOffline("h2")
	tbl.MarkOffline("h2")

	got := tbl.List()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"h1", "h3", "h2"}, []string{got[0].HostID, got[1].HostID, got[2].HostID})

	tbl.Upsert(SeenSession{HostID: "h2", Session: "a"})
	assert.Equal(t, "h2", tbl.List()[0].HostID)
	tbl.Remove("h2")
	assert.Len(t, tbl.List(), 2)
}
