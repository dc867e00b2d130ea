// Package storage keeps a peer's durable records in SQLite: the play history,
// the last known address of every peer seen on the network and the sessions
// this peer has joined.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02 15:04:05"

// DB wraps a SQLite database for a peer
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates boombox.db in the given directory
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, "boombox.db")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets the viewer read history while a play is being recorded
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _plays (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id   TEXT NOT NULL,
			media_key    TEXT NOT NULL,
			title        TEXT DEFAULT '',
			requester_id TEXT DEFAULT '',
			ready        INTEGER DEFAULT 0,
			errored      INTEGER DEFAULT 0,
			recovered    INTEGER DEFAULT 0,
			played_at    TEXT DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create plays table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _peer_cache (
			peer_id   TEXT PRIMARY KEY,
			label     TEXT DEFAULT '',
			session   TEXT DEFAULT '',
			addrs     TEXT DEFAULT '[]',
			last_seen TEXT DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create peer cache table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _sessions (
			host_peer_id TEXT PRIMARY KEY,
			name         TEXT DEFAULT '',
			role         TEXT DEFAULT 'member',
			joined_at    TEXT DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}
