package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Recurrence values for scheduled commands.
const (
	RecurrenceOnce    = "ONCE"
	RecurrenceDaily   = "DAILY"
	RecurrenceWeekly  = "WEEKLY"
	RecurrenceMonthly = "MONTHLY"
)

// ValidRecurrence reports whether r is a known recurrence.
func ValidRecurrence(r string) bool {
	switch r {
	case RecurrenceOnce, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return true
	}
	return false
}

// RecurrenceInterval returns the advance applied to scheduled_time
// after a firing. ONCE returns zero (the row is deactivated instead).
// MONTHLY is calendar-approximate at 30 days.
func RecurrenceInterval(r string) time.Duration {
	switch r {
	case RecurrenceDaily:
		return 24 * time.Hour
	case RecurrenceWeekly:
		return 7 * 24 * time.Hour
	case RecurrenceMonthly:
		return 30 * 24 * time.Hour
	}
	return 0
}

// ScheduledCommand is a recurring or one-shot command template that the
// scheduler materializes into PENDING commands when due.
type ScheduledCommand struct {
	ID            string     `json:"id"`
	ReaderSerial  string     `json:"reader_serial_number"`
	CommandType   string     `json:"command_type"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	Recurrence    string     `json:"recurrence"`
	IsActive      bool       `json:"is_active"`
	LastRun       *time.Time `json:"last_run,omitempty"`
}

// CreateScheduledCommand inserts a schedule row. A missing ID is generated.
func (s *Store) CreateScheduledCommand(sc *ScheduledCommand) error {
	if sc.ID == "" {
		sc.ID = NewID()
	}
	if !ValidCommandType(sc.CommandType) {
		return fmt.Errorf("create scheduled command: unknown command type %q", sc.CommandType)
	}
	if !ValidRecurrence(sc.Recurrence) {
		return fmt.Errorf("create scheduled command: unknown recurrence %q", sc.Recurrence)
	}

	_, err := s.db.Exec(`
		INSERT INTO scheduled_commands (id, reader_serial, command_type, scheduled_time, recurrence, is_active, last_run)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
	`, sc.ID, sc.ReaderSerial, sc.CommandType, formatTime(sc.ScheduledTime), sc.Recurrence,
		boolToInt(sc.IsActive))
	if err != nil {
		return fmt.Errorf("create scheduled command %s: %w", sc.ID, err)
	}
	return nil
}

// GetScheduledCommand retrieves one schedule row by ID.
func (s *Store) GetScheduledCommand(id string) (*ScheduledCommand, error) {
	row := s.db.QueryRow(`
		SELECT id, reader_serial, command_type, scheduled_time, recurrence, is_active, last_run
		FROM scheduled_commands WHERE id = ?
	`, id)

	sc, err := scanScheduledCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sc, err
}

// ListScheduledCommands returns all schedule rows ordered by next
// firing time.
func (s *Store) ListScheduledCommands() ([]*ScheduledCommand, error) {
	rows, err := s.db.Query(`
		SELECT id, reader_serial, command_type, scheduled_time, recurrence, is_active, last_run
		FROM scheduled_commands ORDER BY scheduled_time ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scs []*ScheduledCommand
	for rows.Next() {
		sc, err := scanScheduledCommand(rows)
		if err != nil {
			return nil, err
		}
		scs = append(scs, sc)
	}
	return scs, rows.Err()
}

// UpdateScheduledCommand replaces the operator-editable fields.
func (s *Store) UpdateScheduledCommand(sc *ScheduledCommand) error {
	if !ValidRecurrence(sc.Recurrence) {
		return fmt.Errorf("update scheduled command: unknown recurrence %q", sc.Recurrence)
	}

	res, err := s.db.Exec(`
		UPDATE scheduled_commands SET command_type = ?, scheduled_time = ?, recurrence = ?, is_active = ?
		WHERE id = ?
	`, sc.CommandType, formatTime(sc.ScheduledTime), sc.Recurrence, boolToInt(sc.IsActive), sc.ID)
	if err != nil {
		return fmt.Errorf("update scheduled command %s: %w", sc.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteScheduledCommand removes a schedule row.
func (s *Store) DeleteScheduledCommand(id string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_commands WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled command %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DueScheduledCommands returns active rows whose scheduled_time has
// passed, ordered oldest first.
func (s *Store) DueScheduledCommands(now time.Time) ([]*ScheduledCommand, error) {
	rows, err := s.db.Query(`
		SELECT id, reader_serial, command_type, scheduled_time, recurrence, is_active, last_run
		FROM scheduled_commands WHERE is_active = 1 AND scheduled_time <= ?
		ORDER BY scheduled_time ASC
	`, formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*ScheduledCommand
	for rows.Next() {
		sc, err := scanScheduledCommand(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, sc)
	}
	return due, rows.Err()
}

// AdvanceSchedule records a firing: last_run is stamped with now and
// scheduled_time moves by the recurrence interval. ONCE rows are
// deactivated instead of advanced. Called only after the materialized
// command was successfully enqueued, so enqueue failures leave the row
// due for the next tick.
func (s *Store) AdvanceSchedule(sc *ScheduledCommand, now time.Time) error {
	active := sc.IsActive
	next := sc.ScheduledTime
	if sc.Recurrence == RecurrenceOnce {
		active = false
	} else {
		next = next.Add(RecurrenceInterval(sc.Recurrence))
	}

	_, err := s.db.Exec(`
		UPDATE scheduled_commands SET scheduled_time = ?, is_active = ?, last_run = ?
		WHERE id = ?
	`, formatTime(next), boolToInt(active), formatTime(now), sc.ID)
	if err != nil {
		return fmt.Errorf("advance schedule %s: %w", sc.ID, err)
	}

	sc.ScheduledTime = next
	sc.IsActive = active
	stamped := now.UTC()
	sc.LastRun = &stamped
	return nil
}

func scanScheduledCommand(row scanner) (*ScheduledCommand, error) {
	var sc ScheduledCommand
	var scheduledTime string
	var active int
	var lastRun sql.NullString

	err := row.Scan(&sc.ID, &sc.ReaderSerial, &sc.CommandType, &scheduledTime, &sc.Recurrence, &active, &lastRun)
	if err != nil {
		return nil, err
	}

	sc.ScheduledTime = parseTime(scheduledTime)
	sc.IsActive = active == 1
	if lastRun.Valid {
		t := parseTime(lastRun.String)
		sc.LastRun = &t
	}

	return &sc, nil
}
