package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Command statuses. COMPLETED and FAILED are absorbing: once a command
// reaches either, no code path changes its status again.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Command types understood by the readers.
const (
	CommandStart          = "start"
	CommandStop           = "stop"
	CommandStatusDetailed = "status-detailed"
	CommandMode           = "mode"
	CommandUpgrade        = "upgrade"
)

// ValidCommandType reports whether t is one of the reader command types.
func ValidCommandType(t string) bool {
	switch t {
	case CommandStart, CommandStop, CommandStatusDetailed, CommandMode, CommandUpgrade:
		return true
	}
	return false
}

// ValidStatus reports whether st is one of the command lifecycle states.
func ValidStatus(st string) bool {
	switch st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Command is a durable intent to make a reader do something, with a
// tracked lifecycle. CommandID is the opaque correlation key the reader
// echoes back on its result topics.
type Command struct {
	CommandID    string         `json:"command_id"`
	ReaderSerial string         `json:"reader_serial_number"`
	CommandType  string         `json:"command_type"`
	Details      map[string]any `json:"details,omitempty"`
	Status       string         `json:"status"`
	Response     string         `json:"response,omitempty"`
	DateSent     time.Time      `json:"date_sent"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// CreateCommand enqueues a command in PENDING. A missing CommandID is
// generated; DateSent and UpdatedAt are stamped with now.
func (s *Store) CreateCommand(c *Command) error {
	if c.CommandID == "" {
		c.CommandID = NewID()
	}
	if !ValidCommandType(c.CommandType) {
		return fmt.Errorf("create command: unknown command type %q", c.CommandType)
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	now := time.Now()
	if c.DateSent.IsZero() {
		c.DateSent = now
	}
	c.UpdatedAt = now

	var details sql.NullString
	if c.Details != nil {
		b, err := json.Marshal(c.Details)
		if err != nil {
			return fmt.Errorf("marshal command details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO commands (command_id, reader_serial, command_type, details, status, response, date_sent, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
	`, c.CommandID, c.ReaderSerial, c.CommandType, details, c.Status,
		formatTime(c.DateSent), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create command %s: %w", c.CommandID, err)
	}
	return nil
}

// GetCommand retrieves a command by its identifier.
func (s *Store) GetCommand(commandID string) (*Command, error) {
	row := s.db.QueryRow(`
		SELECT command_id, reader_serial, command_type, details, status, response, date_sent, updated_at
		FROM commands WHERE command_id = ?
	`, commandID)

	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListCommands returns commands, newest first, optionally filtered by
// reader serial and/or status.
func (s *Store) ListCommands(readerSerial, status string, limit, offset int) ([]*Command, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT command_id, reader_serial, command_type, details, status, response, date_sent, updated_at
		FROM commands WHERE 1=1`
	var args []any
	if readerSerial != "" {
		query += ` AND reader_serial = ?`
		args = append(args, readerSerial)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY date_sent DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// ClaimPendingCommands atomically transitions PENDING commands to
// PROCESSING and returns the claimed set, ordered by date_sent
// ascending. The per-row guard (WHERE status = 'PENDING') means a
// concurrent claimer cannot double-claim: each command is returned by
// exactly one caller.
func (s *Store) ClaimPendingCommands(now time.Time) ([]*Command, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT command_id, reader_serial, command_type, details, status, response, date_sent, updated_at
		FROM commands WHERE status = ? ORDER BY date_sent ASC
	`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}

	var candidates []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	stamp := formatTime(now)
	var claimed []*Command
	for _, c := range candidates {
		res, err := tx.Exec(`
			UPDATE commands SET status = ?, updated_at = ?
			WHERE command_id = ? AND status = ?
		`, StatusProcessing, stamp, c.CommandID, StatusPending)
		if err != nil {
			return nil, fmt.Errorf("claim command %s: %w", c.CommandID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			c.Status = StatusProcessing
			c.UpdatedAt = now.UTC()
			claimed = append(claimed, c)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	return claimed, nil
}

// ResolveCommand writes a terminal status (COMPLETED or FAILED) for the
// named command. The guard excludes already-terminal rows, so a late
// duplicate result or a racing reaper never overwrites the first
// terminal value. Returns false when nothing was updated (unknown id
// or already terminal).
func (s *Store) ResolveCommand(commandID, status, response string, now time.Time) (bool, error) {
	if status != StatusCompleted && status != StatusFailed {
		return false, fmt.Errorf("resolve command: %q is not a terminal status", status)
	}

	res, err := s.db.Exec(`
		UPDATE commands SET status = ?, response = ?, updated_at = ?
		WHERE command_id = ? AND status NOT IN (?, ?)
	`, status, response, formatTime(now), commandID, StatusCompleted, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("resolve command %s: %w", commandID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpdateCommandStatus moves a command to any lifecycle state, guarded
// against leaving a terminal state. Used by the sidecar status
// endpoint; in-process workers use the narrower Claim/Resolve/Reap
// operations.
func (s *Store) UpdateCommandStatus(commandID, status, response string, now time.Time) (bool, error) {
	if !ValidStatus(status) {
		return false, fmt.Errorf("update command status: unknown status %q", status)
	}

	res, err := s.db.Exec(`
		UPDATE commands SET status = ?, response = ?, updated_at = ?
		WHERE command_id = ? AND status NOT IN (?, ?)
	`, status, response, formatTime(now), commandID, StatusCompleted, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("update command %s: %w", commandID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReapStaleCommands fails every PROCESSING command whose last update is
// older than cutoff. The status guard makes the race with the response
// correlator atomic: whichever side writes first wins, and the other
// sees zero rows. Returns the identifiers that were reaped.
func (s *Store) ReapStaleCommands(cutoff, now time.Time) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("reap stale: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT command_id FROM commands WHERE status = ? AND updated_at < ?
	`, StatusProcessing, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("reap stale: %w", err)
	}

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	stamp := formatTime(now)
	var reaped []string
	for _, id := range stale {
		res, err := tx.Exec(`
			UPDATE commands SET status = ?, response = ?, updated_at = ?
			WHERE command_id = ? AND status = ?
		`, StatusFailed, "Command processing timed out", stamp, id, StatusProcessing)
		if err != nil {
			return nil, fmt.Errorf("reap command %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			reaped = append(reaped, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("reap stale: %w", err)
	}
	return reaped, nil
}

func scanCommand(row scanner) (*Command, error) {
	var c Command
	var details, response sql.NullString
	var dateSent, updatedAt string

	err := row.Scan(&c.CommandID, &c.ReaderSerial, &c.CommandType, &details, &c.Status,
		&response, &dateSent, &updatedAt)
	if err != nil {
		return nil, err
	}

	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &c.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details for %s: %w", c.CommandID, err)
		}
	}
	if response.Valid {
		c.Response = response.String
	}
	c.DateSent = parseTime(dateSent)
	c.UpdatedAt = parseTime(updatedAt)

	return &c, nil
}
