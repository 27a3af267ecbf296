package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// TagEvent is one observed tag read. Append-only: no code path updates
// or deletes rows once written.
type TagEvent struct {
	ID                 int64     `json:"id"`
	ReaderSerial       string    `json:"reader_serial_number"`
	ReaderName         string    `json:"reader_name,omitempty"`
	MACAddress         string    `json:"mac_address,omitempty"`
	EPC                string    `json:"epc"`
	FirstSeenTimestamp time.Time `json:"first_seen_timestamp"`
	AntennaPort        int       `json:"antenna_port"`
	AntennaZone        string    `json:"antenna_zone,omitempty"`
	PeakRSSI           float64   `json:"peak_rssi"`
	TxPower            float64   `json:"tx_power"`
	TagDataKey         string    `json:"tag_data_key,omitempty"`
	TagDataKeyName     string    `json:"tag_data_key_name,omitempty"`
	TagDataSerial      string    `json:"tag_data_serial,omitempty"`
}

// AppendTagEvent writes one tag read.
func (s *Store) AppendTagEvent(e *TagEvent) error {
	res, err := s.db.Exec(`
		INSERT INTO tag_events (reader_serial, reader_name, mac_address, epc, first_seen_timestamp,
			antenna_port, antenna_zone, peak_rssi, tx_power, tag_data_key, tag_data_key_name, tag_data_serial)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ReaderSerial, e.ReaderName, e.MACAddress, e.EPC, formatTime(e.FirstSeenTimestamp),
		e.AntennaPort, e.AntennaZone, e.PeakRSSI, e.TxPower,
		e.TagDataKey, e.TagDataKeyName, e.TagDataSerial)
	if err != nil {
		return fmt.Errorf("append tag event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListTagEvents returns tag events, newest first, optionally filtered
// by EPC substring and/or exact reader serial.
func (s *Store) ListTagEvents(epc, readerSerial string, limit, offset int) ([]*TagEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, reader_serial, reader_name, mac_address, epc, first_seen_timestamp,
			antenna_port, antenna_zone, peak_rssi, tx_power, tag_data_key, tag_data_key_name, tag_data_serial
		FROM tag_events WHERE 1=1`
	var args []any
	if epc != "" {
		query += ` AND epc LIKE ?`
		args = append(args, "%"+epc+"%")
	}
	if readerSerial != "" {
		query += ` AND reader_serial = ?`
		args = append(args, readerSerial)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*TagEvent
	for rows.Next() {
		var e TagEvent
		var firstSeen string
		err := rows.Scan(&e.ID, &e.ReaderSerial, &e.ReaderName, &e.MACAddress, &e.EPC, &firstSeen,
			&e.AntennaPort, &e.AntennaZone, &e.PeakRSSI, &e.TxPower,
			&e.TagDataKey, &e.TagDataKeyName, &e.TagDataSerial)
		if err != nil {
			return nil, err
		}
		e.FirstSeenTimestamp = parseTime(firstSeen)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// StatusEvent is one reader health/status observation. Append-only.
// Details holds the raw payload; NonAntennaDetails is the derived
// projection with antenna noise stripped out.
type StatusEvent struct {
	ID                int64          `json:"id"`
	ReaderSerial      string         `json:"reader_serial_number"`
	EventType         string         `json:"event_type"`
	Component         string         `json:"component"`
	Timestamp         time.Time      `json:"timestamp"`
	MACAddress        string         `json:"mac_address,omitempty"`
	Status            string         `json:"status,omitempty"`
	Details           map[string]any `json:"details"`
	NonAntennaDetails map[string]any `json:"non_antenna_details"`
}

// AppendStatusEvent writes one detailed status event.
func (s *Store) AppendStatusEvent(e *StatusEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal status details: %w", err)
	}
	projection, err := json.Marshal(e.NonAntennaDetails)
	if err != nil {
		return fmt.Errorf("marshal non-antenna details: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO status_events (reader_serial, event_type, component, timestamp, mac_address, status, details, non_antenna_details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ReaderSerial, e.EventType, e.Component, formatTime(e.Timestamp),
		e.MACAddress, e.Status, string(details), string(projection))
	if err != nil {
		return fmt.Errorf("append status event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListStatusEvents returns status events, newest first, optionally
// filtered by reader serial and/or event type.
func (s *Store) ListStatusEvents(readerSerial, eventType string, limit, offset int) ([]*StatusEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, reader_serial, event_type, component, timestamp, mac_address, status, details, non_antenna_details
		FROM status_events WHERE 1=1`
	var args []any
	if readerSerial != "" {
		query += ` AND reader_serial = ?`
		args = append(args, readerSerial)
	}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*StatusEvent
	for rows.Next() {
		var e StatusEvent
		var timestamp, details, projection string
		err := rows.Scan(&e.ID, &e.ReaderSerial, &e.EventType, &e.Component, &timestamp,
			&e.MACAddress, &e.Status, &details, &projection)
		if err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(timestamp)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("unmarshal status details: %w", err)
		}
		if err := json.Unmarshal([]byte(projection), &e.NonAntennaDetails); err != nil {
			return nil, fmt.Errorf("unmarshal non-antenna details: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
