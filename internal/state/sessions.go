// Package state tracks the sessions announced on the network.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SeenSession is the last announce received from a session host.
type SeenSession struct {
	HostID       string    `json:"host_id"`
	Label        string    `json:"label,omitempty"`
	Session      string    `json:"session"`
	Members      int       `json:"members"`
	NowPlaying   string    `json:"now_playing,omitempty"`
	Addrs        []string  `json:"addrs,omitempty"`
	Reachable    bool      `json:"reachable"`
	LastSeen     time.Time `json:"last_seen"`
	OfflineSince time.Time `json:"offline_since,omitempty"`
}

type SessionEvent struct {
	Type    string       `json:"type"`
	HostID  string       `json:"host_id,omitempty"`
	Session *SeenSession `json:"session,omitempty"`
}

type SessionTable struct {
	clk       clock.Clock
	mu        sync.Mutex
	sessions  map[string]SeenSession
	listeners []chan SessionEvent
}

func NewSessionTable(clk clock.Clock) *SessionTable {
	if clk == nil {
		clk = clock.New()
	}
	return &SessionTable{
		clk:      clk,
		sessions: map[string]SeenSession{},
	}
}

// Upsert records an online or update announce. Addresses are kept when the
// announce carries none.
func (t *SessionTable) Upsert(s SeenSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.sessions[s.HostID]; ok && len(s.Addrs) == 0 {
		s.Addrs = existing.Addrs
	}
	s.Reachable = true
	s.LastSeen = t.clk.Now()
	s.OfflineSince = time.Time{}
	t.sessions[s.HostID] = s
	t.notifyListeners(SessionEvent{Type: "update", HostID: s.HostID, Session: &s})
}

func (t *SessionTable) MarkOffline(hostID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[hostID]
	if !ok || !s.OfflineSince.IsZero() {
		return
	}
	s.Reachable = false
	s.OfflineSince = t.clk.Now()
	t.sessions[hostID] = s
	t.notifyListeners(SessionEvent{Type: "update", HostID: hostID, Session: &s})
}

func (t *SessionTable) Remove(hostID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[hostID]; !ok {
		return
	}
	delete(t.sessions, hostID)
	t.notifyListeners(SessionEvent{Type: "remove", HostID: hostID})
}

func (t *SessionTable) Get(hostID string) (SeenSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[hostID]
	return s, ok
}

// List returns reachable sessions first, then by name.
func (t *SessionTable) List() []SeenSession {
	t.mu.Lock()
	out := make([]SeenSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reachable != out[j].Reachable {
			return out[i].Reachable
		}
		if out[i].Session != out[j].Session {
			return out[i].Session < out[j].Session
		}
		return out[i].HostID < out[j].HostID
	})
	return out
}

// PruneStale moves online sessions with expired TTL to offline state, then
// removes offline sessions that have exceeded the grace period.
func (t *SessionTable) PruneStale(ttl, grace time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()
	for id, s := range t.sessions {
		if s.OfflineSince.IsZero() {
			if s.LastSeen.Before(now.Add(-ttl)) {
				s.Reachable = false
				s.OfflineSince = now
				t.sessions[id] = s
				t.notifyListeners(SessionEvent{Type: "update", HostID: id, Session: &s})
			}
		} else if s.OfflineSince.Before(now.Add(-grace)) {
			delete(t.sessions, id)
			t.notifyListeners(SessionEvent{Type: "remove", HostID: id})
		}
	}
}

func (t *SessionTable) Subscribe() chan SessionEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan SessionEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *SessionTable) Unsubscribe(ch chan SessionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *SessionTable) notifyListeners(evt SessionEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
