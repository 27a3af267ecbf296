package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Reader is an edge RFID device identified by serial number. The
// serial number is the business key and is immutable after create.
type Reader struct {
	SerialNumber      string     `json:"serial_number"`
	IPAddress         string     `json:"ip_address"`
	Location          string     `json:"location"`
	Enabled           bool       `json:"enabled"`
	IsConnected       bool       `json:"is_connected"`
	LastCommunication *time.Time `json:"last_communication,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// CreateReader inserts a new reader. The serial number must be unique.
func (s *Store) CreateReader(r *Reader) error {
	if r.SerialNumber == "" {
		return fmt.Errorf("create reader: serial number is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO readers (serial_number, ip_address, location, enabled, is_connected, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.SerialNumber, r.IPAddress, r.Location, boolToInt(r.Enabled), boolToInt(r.IsConnected),
		formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("create reader %s: %w", r.SerialNumber, err)
	}
	return nil
}

// GetReader retrieves a reader by serial number. Returns ErrNotFound
// when the serial is unknown.
func (s *Store) GetReader(serial string) (*Reader, error) {
	row := s.db.QueryRow(`
		SELECT serial_number, ip_address, location, enabled, is_connected, last_communication, created_at
		FROM readers WHERE serial_number = ?
	`, serial)

	r, err := scanReader(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListReaders returns readers whose serial, IP, or location contains
// the search string (empty matches all), ordered by serial number.
func (s *Store) ListReaders(search string, limit, offset int) ([]*Reader, error) {
	if limit <= 0 {
		limit = 100
	}
	like := "%" + search + "%"

	rows, err := s.db.Query(`
		SELECT serial_number, ip_address, location, enabled, is_connected, last_communication, created_at
		FROM readers
		WHERE serial_number LIKE ? OR ip_address LIKE ? OR location LIKE ?
		ORDER BY serial_number LIMIT ? OFFSET ?
	`, like, like, like, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readers []*Reader
	for rows.Next() {
		r, err := scanReader(rows)
		if err != nil {
			return nil, err
		}
		readers = append(readers, r)
	}
	return readers, rows.Err()
}

// UpdateReader mutates the operator-editable fields. The serial number
// itself never changes.
func (s *Store) UpdateReader(r *Reader) error {
	res, err := s.db.Exec(`
		UPDATE readers SET ip_address = ?, location = ?, enabled = ?
		WHERE serial_number = ?
	`, r.IPAddress, r.Location, boolToInt(r.Enabled), r.SerialNumber)
	if err != nil {
		return fmt.Errorf("update reader %s: %w", r.SerialNumber, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchReader stamps last_communication with now. Called by the
// inbound router for every message a reader sends. Returns ErrNotFound
// for unknown serials so inbound traffic from alien readers is dropped
// without creating rows.
func (s *Store) TouchReader(serial string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE readers SET last_communication = ? WHERE serial_number = ?
	`, formatTime(now), serial)
	if err != nil {
		return fmt.Errorf("touch reader %s: %w", serial, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetReaderConnected records the observed connection state. Connection
// state only ever transitions from inbound events.
func (s *Store) SetReaderConnected(serial string, connected bool, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE readers SET is_connected = ?, last_communication = ? WHERE serial_number = ?
	`, boolToInt(connected), formatTime(now), serial)
	if err != nil {
		return fmt.Errorf("set reader %s connected: %w", serial, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanReader(row scanner) (*Reader, error) {
	var r Reader
	var enabled, connected int
	var lastComm sql.NullString
	var createdAt string

	err := row.Scan(&r.SerialNumber, &r.IPAddress, &r.Location, &enabled, &connected, &lastComm, &createdAt)
	if err != nil {
		return nil, err
	}

	r.Enabled = enabled == 1
	r.IsConnected = connected == 1
	if lastComm.Valid {
		t := parseTime(lastComm.String)
		r.LastCommunication = &t
	}
	r.CreatedAt = parseTime(createdAt)

	return &r, nil
}
