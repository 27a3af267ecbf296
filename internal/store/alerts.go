package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Alert is an operator-defined notification rule. Rule evaluation is
// not part of the gateway core; the store only persists rules and
// their firings.
type Alert struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ConditionType string    `json:"condition_type"`
	Threshold     float64   `json:"threshold"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// AlertLog records one firing of an alert.
type AlertLog struct {
	ID           int64     `json:"id"`
	AlertID      string    `json:"alert_id"`
	ReaderSerial string    `json:"reader_serial_number,omitempty"`
	Details      string    `json:"details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateAlert inserts an alert rule. A missing ID is generated.
func (s *Store) CreateAlert(a *Alert) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO alerts (id, name, condition_type, threshold, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.Name, a.ConditionType, a.Threshold, boolToInt(a.IsActive), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create alert %s: %w", a.ID, err)
	}
	return nil
}

// GetAlert retrieves one alert rule.
func (s *Store) GetAlert(id string) (*Alert, error) {
	row := s.db.QueryRow(`
		SELECT id, name, condition_type, threshold, is_active, created_at FROM alerts WHERE id = ?
	`, id)

	var a Alert
	var active int
	var createdAt string
	err := row.Scan(&a.ID, &a.Name, &a.ConditionType, &a.Threshold, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.IsActive = active == 1
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// ListAlerts returns all alert rules, newest first.
func (s *Store) ListAlerts() ([]*Alert, error) {
	rows, err := s.db.Query(`
		SELECT id, name, condition_type, threshold, is_active, created_at
		FROM alerts ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var a Alert
		var active int
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Name, &a.ConditionType, &a.Threshold, &active, &createdAt); err != nil {
			return nil, err
		}
		a.IsActive = active == 1
		a.CreatedAt = parseTime(createdAt)
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// ToggleAlert flips an alert's active flag and returns the new state.
func (s *Store) ToggleAlert(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE alerts SET is_active = 1 - is_active WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("toggle alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrNotFound
	}

	var active int
	if err := s.db.QueryRow(`SELECT is_active FROM alerts WHERE id = ?`, id).Scan(&active); err != nil {
		return false, err
	}
	return active == 1, nil
}

// DeleteAlert removes an alert rule and (via cascade) its logs.
func (s *Store) DeleteAlert(id string) error {
	res, err := s.db.Exec(`DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendAlertLog records one alert firing.
func (s *Store) AppendAlertLog(l *AlertLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO alert_logs (alert_id, reader_serial, details, created_at)
		VALUES (?, ?, ?, ?)
	`, l.AlertID, l.ReaderSerial, l.Details, formatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("append alert log: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// ListAlertLogs returns firings for one alert, newest first.
func (s *Store) ListAlertLogs(alertID string, limit int) ([]*AlertLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, alert_id, reader_serial, details, created_at
		FROM alert_logs WHERE alert_id = ? ORDER BY id DESC LIMIT ?
	`, alertID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*AlertLog
	for rows.Next() {
		var l AlertLog
		var createdAt string
		if err := rows.Scan(&l.ID, &l.AlertID, &l.ReaderSerial, &l.Details, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = parseTime(createdAt)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
