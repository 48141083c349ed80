// Package store provides SQLite-based persistent storage for the
// gateway. Uses WAL mode for concurrent reads and crash-safe writes.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations. It is the
// durable mirror for the device registry, event processor, and
// offline batch manager — the only three writers (SPEC_FULL.md §3,
// Persistence).
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/edge.db. Enables
// WAL mode, foreign keys, and a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "edge.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; one connection avoids SQLITE_BUSY churn
	// beyond what the busy_timeout already absorbs.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id       TEXT PRIMARY KEY,
			global_device_id TEXT NOT NULL DEFAULT '',
			display_name    TEXT NOT NULL DEFAULT '',
			location        TEXT NOT NULL DEFAULT '',
			device_type     TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'unknown',
			tcp_connected   BOOLEAN NOT NULL DEFAULT 0,
			last_heartbeat_at INTEGER,
			last_event_at   INTEGER,
			heartbeat_count INTEGER NOT NULL DEFAULT 0,
			event_count     INTEGER NOT NULL DEFAULT 0,
			connected_at    INTEGER,
			source_ip       TEXT NOT NULL DEFAULT '',
			active_session_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS offline_batches (
			batch_id          TEXT PRIMARY KEY,
			device_id         TEXT NOT NULL DEFAULT '',
			started_at        INTEGER NOT NULL,
			ended_at          INTEGER,
			event_count       INTEGER NOT NULL DEFAULT 0,
			total_weight_grams INTEGER NOT NULL DEFAULT 0,
			reconciliation_status TEXT NOT NULL DEFAULT 'pending',
			cloud_session_id  TEXT NOT NULL DEFAULT '',
			reconciled_at     INTEGER,
			reconciled_by     TEXT NOT NULL DEFAULT '',
			notes             TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_device_open
			ON offline_batches(device_id, ended_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			id               TEXT PRIMARY KEY,
			device_id        TEXT NOT NULL,
			cloud_session_id TEXT NOT NULL DEFAULT '',
			offline_mode     BOOLEAN NOT NULL DEFAULT 0,
			offline_batch_id TEXT NOT NULL DEFAULT '',
			plu_code         TEXT NOT NULL DEFAULT '',
			product_name     TEXT NOT NULL DEFAULT '',
			weight_grams     INTEGER NOT NULL,
			barcode          TEXT NOT NULL DEFAULT '',
			scale_timestamp  INTEGER NOT NULL,
			received_at      INTEGER NOT NULL,
			source_ip        TEXT NOT NULL DEFAULT '',
			raw_data         TEXT NOT NULL DEFAULT '',
			sync_status      TEXT NOT NULL DEFAULT 'pending',
			cloud_id         TEXT NOT NULL DEFAULT '',
			synced_at        INTEGER,
			sync_attempts    INTEGER NOT NULL DEFAULT 0,
			last_sync_error  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_device_received
			ON events(device_id, received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_sync_status
			ON events(sync_status, received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_offline_batch
			ON events(offline_batch_id)`,
		`CREATE TABLE IF NOT EXISTS edge_identity (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
