package storage

import "fmt"

// SessionRow is a session this peer hosted or joined.
type SessionRow struct {
	HostPeerID string `json:"host_peer_id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	JoinedAt   string `json:"joined_at"`
}

// RecordSession remembers a hosted or joined session.
func (d *DB) RecordSession(hostPeerID, name, role string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO _sessions (host_peer_id, name, role, joined_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		hostPeerID, name, role,
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// ListSessions returns remembered sessions, most recent first.
func (d *DB) ListSessions() ([]SessionRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(
		`SELECT host_peer_id, name, role, joined_at FROM _sessions ORDER BY joined_at DESC, rowid DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var s SessionRow
		if err := rows.Scan(&s.HostPeerID, &s.Name, &s.Role, &s.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LastJoined returns the most recently joined remote session.
func (d *DB) LastJoined() (SessionRow, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var s SessionRow
	err := d.db.QueryRow(
		`SELECT host_peer_id, name, role, joined_at FROM _sessions WHERE role = 'member' ORDER BY joined_at DESC, rowid DESC LIMIT 1`,
	).Scan(&s.HostPeerID, &s.Name, &s.Role, &s.JoinedAt)
	if err != nil {
		return SessionRow{}, false
	}
	return s, true
}
