package storage

import (
	"fmt"
	"time"
)

// PlayRow is one synchronized playback start that this peer resolved.
type PlayRow struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"request_id"`
	MediaKey    string    `json:"media_key"`
	Title       string    `json:"title"`
	RequesterID string    `json:"requester_id"`
	Ready       int       `json:"ready"`
	Errored     int       `json:"errored"`
	Recovered   bool      `json:"recovered"`
	PlayedAt    time.Time `json:"played_at"`
}

// RecordPlay appends a play to the history.
func (d *DB) RecordPlay(p PlayRow) error {
	rec := 0
	if p.Recovered {
		rec = 1
	}
	at := p.PlayedAt
	if at.IsZero() {
		at = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _plays (request_id, media_key, title, requester_id, ready, errored, recovered, played_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RequestID, p.MediaKey, p.Title, p.RequesterID, p.Ready, p.Errored, rec, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record play: %w", err)
	}
	return nil
}

// RecentPlays returns up to limit plays, newest first.
func (d *DB) RecentPlays(limit int) ([]PlayRow, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, request_id, media_key, title, requester_id, ready, errored, recovered, played_at
		FROM _plays ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plays []PlayRow
	for rows.Next() {
		var p PlayRow
		var rec int
		var playedAt string
		if err := rows.Scan(&p.ID, &p.RequestID, &p.MediaKey, &p.Title, &p.RequesterID,
			&p.Ready, &p.Errored, &rec, &playedAt); err != nil {
			return nil, err
		}
		p.Recovered = rec != 0
		p.PlayedAt, _ = time.Parse(timeLayout, playedAt)
		plays = append(plays, p)
	}
	return plays, rows.Err()
}

// CountPlays returns how often key was played.
func (d *DB) CountPlays(key string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM _plays WHERE media_key = ?`, key).Scan(&n)
	return n, err
}
