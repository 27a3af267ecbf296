// Package store is the durable record of readers, commands, events,
// schedules, alerts, and firmware images. It is the single owner of
// every entity's persistent form; components hold transient in-memory
// views only and never cache command state across invocations.
//
// All status transitions are expressed as guarded single statements
// (UPDATE ... WHERE status = ...) so concurrent workers race safely:
// the first writer wins and later writers see zero rows affected.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database. All public methods are safe for
// concurrent use (SQLite serializes writes; WAL keeps readers moving).
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the gateway database at dbPath and runs
// schema migration.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle for maintenance queries
// and test setup. Production code paths go through the typed methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS readers (
		serial_number      TEXT PRIMARY KEY,
		ip_address         TEXT NOT NULL DEFAULT '',
		location           TEXT NOT NULL DEFAULT '',
		enabled            INTEGER NOT NULL DEFAULT 1,
		is_connected       INTEGER NOT NULL DEFAULT 0,
		last_communication TEXT,
		created_at         TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commands (
		command_id    TEXT PRIMARY KEY,
		reader_serial TEXT NOT NULL REFERENCES readers(serial_number),
		command_type  TEXT NOT NULL,
		details       TEXT,
		status        TEXT NOT NULL,
		response      TEXT,
		date_sent     TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
	CREATE INDEX IF NOT EXISTS idx_commands_reader ON commands(reader_serial);
	CREATE INDEX IF NOT EXISTS idx_commands_date_sent ON commands(date_sent);

	CREATE TABLE IF NOT EXISTS tag_events (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		reader_serial        TEXT NOT NULL,
		reader_name          TEXT NOT NULL DEFAULT '',
		mac_address          TEXT NOT NULL DEFAULT '',
		epc                  TEXT NOT NULL,
		first_seen_timestamp TEXT NOT NULL,
		antenna_port         INTEGER NOT NULL DEFAULT 0,
		antenna_zone         TEXT NOT NULL DEFAULT '',
		peak_rssi            REAL NOT NULL DEFAULT 0,
		tx_power             REAL NOT NULL DEFAULT 0,
		tag_data_key         TEXT NOT NULL DEFAULT '',
		tag_data_key_name    TEXT NOT NULL DEFAULT '',
		tag_data_serial      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_tag_events_epc ON tag_events(epc);
	CREATE INDEX IF NOT EXISTS idx_tag_events_reader ON tag_events(reader_serial);

	CREATE TABLE IF NOT EXISTS status_events (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		reader_serial       TEXT NOT NULL,
		event_type          TEXT NOT NULL,
		component           TEXT NOT NULL DEFAULT 'unknown',
		timestamp           TEXT NOT NULL,
		mac_address         TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT '',
		details             TEXT NOT NULL,
		non_antenna_details TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_status_events_reader ON status_events(reader_serial);
	CREATE INDEX IF NOT EXISTS idx_status_events_type ON status_events(event_type);

	CREATE TABLE IF NOT EXISTS scheduled_commands (
		id             TEXT PRIMARY KEY,
		reader_serial  TEXT NOT NULL REFERENCES readers(serial_number),
		command_type   TEXT NOT NULL,
		scheduled_time TEXT NOT NULL,
		recurrence     TEXT NOT NULL,
		is_active      INTEGER NOT NULL DEFAULT 1,
		last_run       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_active ON scheduled_commands(is_active, scheduled_time);

	CREATE TABLE IF NOT EXISTS alerts (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		condition_type TEXT NOT NULL,
		threshold      REAL NOT NULL DEFAULT 0,
		is_active      INTEGER NOT NULL DEFAULT 1,
		created_at     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alert_logs (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id      TEXT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
		reader_serial TEXT NOT NULL DEFAULT '',
		details       TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alert_logs_alert ON alert_logs(alert_id);

	CREATE TABLE IF NOT EXISTS firmwares (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		version     TEXT NOT NULL,
		file_url    TEXT NOT NULL,
		is_active   INTEGER NOT NULL DEFAULT 1,
		upload_date TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new opaque identifier (UUIDv4, matching the wire
// correlation format the readers echo back).
func NewID() string {
	return uuid.NewString()
}

// timeLayout is the store's canonical timestamp form. The fractional
// part is fixed-width so that lexicographic comparison in SQL matches
// chronological order; RFC3339Nano trims trailing zeros, which puts
// "…00.1Z" after "…00.15Z" in a string sort.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime renders a timestamp in the store's canonical form.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime reads a timestamp in the store's canonical form. Zero time
// on failure; callers treat that as "unknown".
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
