package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Firmware describes a reader image available for upgrade pushes. The
// file itself lives behind FileURL (prefixed with the configured
// firmware URL base when building the upgrade payload); the gateway
// does not store binaries.
type Firmware struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	FileURL    string    `json:"file_url"`
	IsActive   bool      `json:"is_active"`
	UploadDate time.Time `json:"upload_date"`
}

// CreateFirmware registers a firmware image. A missing ID is generated.
func (s *Store) CreateFirmware(f *Firmware) error {
	if f.ID == "" {
		f.ID = NewID()
	}
	if f.UploadDate.IsZero() {
		f.UploadDate = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO firmwares (id, name, version, file_url, is_active, upload_date)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.ID, f.Name, f.Version, f.FileURL, boolToInt(f.IsActive), formatTime(f.UploadDate))
	if err != nil {
		return fmt.Errorf("create firmware %s: %w", f.ID, err)
	}
	return nil
}

// GetFirmware retrieves one firmware record.
func (s *Store) GetFirmware(id string) (*Firmware, error) {
	row := s.db.QueryRow(`
		SELECT id, name, version, file_url, is_active, upload_date FROM firmwares WHERE id = ?
	`, id)

	f, err := scanFirmware(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// ListFirmwares returns firmware records, newest upload first,
// optionally restricted to active images.
func (s *Store) ListFirmwares(activeOnly bool) ([]*Firmware, error) {
	query := `SELECT id, name, version, file_url, is_active, upload_date FROM firmwares`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY upload_date DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fws []*Firmware
	for rows.Next() {
		f, err := scanFirmware(rows)
		if err != nil {
			return nil, err
		}
		fws = append(fws, f)
	}
	return fws, rows.Err()
}

func scanFirmware(row scanner) (*Firmware, error) {
	var f Firmware
	var active int
	var uploadDate string

	err := row.Scan(&f.ID, &f.Name, &f.Version, &f.FileURL, &active, &uploadDate)
	if err != nil {
		return nil, err
	}

	f.IsActive = active == 1
	f.UploadDate = parseTime(uploadDate)
	return &f, nil
}
