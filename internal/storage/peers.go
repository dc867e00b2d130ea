package storage

import (
	"encoding/json"
	"time"
)

// CachedPeer is the last known presence of a remote peer. It is written on
// every announce and kept when the peer goes offline so it can be dialed by
// ID later.
type CachedPeer struct {
	PeerID   string
	Label    string
	Session  string
	Addrs    []string
	LastSeen time.Time
}

// UpsertCachedPeer stores or replaces the cached state for a peer. An empty
// address list keeps the addresses already known.
func (d *DB) UpsertCachedPeer(p CachedPeer) error {
	addrs, _ := json.Marshal(p.Addrs)
	if p.Addrs == nil {
		addrs = []byte("[]")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _peer_cache (peer_id, label, session, addrs, last_seen)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(peer_id) DO UPDATE SET
			label     = excluded.label,
			session   = excluded.session,
			addrs     = CASE WHEN excluded.addrs = '[]' THEN _peer_cache.addrs ELSE excluded.addrs END,
			last_seen = CURRENT_TIMESTAMP`,
		p.PeerID, p.Label, p.Session, string(addrs),
	)
	return err
}

// GetCachedPeer returns the last known state for a peer, or false if unknown.
func (d *DB) GetCachedPeer(peerID string) (CachedPeer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p CachedPeer
	var addrsJSON, lastSeen string
	err := d.db.QueryRow(`
		SELECT peer_id, label, session, addrs, last_seen
		FROM _peer_cache WHERE peer_id = ?`, peerID).
		Scan(&p.PeerID, &p.Label, &p.Session, &addrsJSON, &lastSeen)
	if err != nil {
		return CachedPeer{}, false
	}
	json.Unmarshal([]byte(addrsJSON), &p.Addrs)
	p.LastSeen, _ = time.Parse(timeLayout, lastSeen)
	return p, true
}

// ListCachedPeers returns all cached peers, most recently seen first.
func (d *DB) ListCachedPeers() ([]CachedPeer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT peer_id, label, session, addrs, last_seen
		FROM _peer_cache ORDER BY last_seen DESC, peer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []CachedPeer
	for rows.Next() {
		var p CachedPeer
		var addrsJSON, lastSeen string
		if err := rows.Scan(&p.PeerID, &p.Label, &p.Session, &addrsJSON, &lastSeen); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(addrsJSON), &p.Addrs)
		p.LastSeen, _ = time.Parse(timeLayout, lastSeen)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}
