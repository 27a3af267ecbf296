package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/smartfleet/readergate/internal/events"
	"github.com/smartfleet/readergate/internal/store"
)

func (s *Server) handleReaderList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	readers, err := s.store.ListReaders(q.Get("serial_number"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed", s.logger)
		return
	}
	if readers == nil {
		readers = []*store.Reader{}
	}
	writeJSON(w, readers, s.logger)
}

func (s *Server) handleReaderCreate(w http.ResponseWriter, r *http.Request) {
	var reader store.Reader
	if err := json.NewDecoder(r.Body).Decode(&reader); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if reader.SerialNumber == "" {
		writeError(w, http.StatusBadRequest, "serial_number is required", s.logger)
		return
	}

	if err := s.store.CreateReader(&reader); err != nil {
		writeError(w, http.StatusConflict, "create failed", s.logger)
		return
	}

	s.logger.Info("reader registered", "serial", reader.SerialNumber)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(&reader); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleReaderGet(w http.ResponseWriter, r *http.Request) {
	reader, err := s.store.GetReader(r.PathValue("serial"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "reader not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed", s.logger)
		return
	}
	writeJSON(w, reader, s.logger)
}

func (s *Server) handleReaderUpdate(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	existing, err := s.store.GetReader(serial)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "reader not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed", s.logger)
		return
	}

	var req store.Reader
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}

	existing.IPAddress = req.IPAddress
	existing.Location = req.Location
	existing.Enabled = req.Enabled
	if err := s.store.UpdateReader(existing); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed", s.logger)
		return
	}
	writeJSON(w, existing, s.logger)
}

type upgradeRequest struct {
	FirmwareID string `json:"firmware_id"`
}

// handleReaderUpgrade enqueues an upgrade command whose payload points
// the reader at a firmware image behind the configured URL base.
func (s *Server) handleReaderUpgrade(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	if _, err := s.store.GetReader(serial); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "reader not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed", s.logger)
		return
	}

	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}

	fw, err := s.store.GetFirmware(req.FirmwareID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "firmware not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed", s.logger)
		return
	}

	cmd := &store.Command{
		ReaderSerial: serial,
		CommandType:  store.CommandUpgrade,
		Details: map[string]any{
			"url":              s.cfg.Firmware.URLBase + fw.FileURL,
			"timeoutInMinutes": s.cfg.Firmware.TimeoutMinutes,
			"maxRetries":       s.cfg.Firmware.MaxRetries,
		},
	}
	if err := s.store.CreateCommand(cmd); err != nil {
		writeError(w, http.StatusInternalServerError, "create failed", s.logger)
		return
	}

	s.logger.Info("firmware upgrade queued",
		"serial", serial, "firmware", fw.Version, "command_id", cmd.CommandID)
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAPI,
		Kind:      events.KindCommandQueued,
		Data: map[string]any{
			"command_id":    cmd.CommandID,
			"reader_serial": serial,
			"command_type":  store.CommandUpgrade,
		},
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(cmd); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleTagEventList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	tagEvents, err := s.store.ListTagEvents(q.Get("epc"), q.Get("reader_serial"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed", s.logger)
		return
	}
	if tagEvents == nil {
		tagEvents = []*store.TagEvent{}
	}
	writeJSON(w, tagEvents, s.logger)
}

func (s *Server) handleStatusEventList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	statusEvents, err := s.store.ListStatusEvents(q.Get("reader_serial"), q.Get("event_type"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed", s.logger)
		return
	}
	if statusEvents == nil {
		statusEvents = []*store.StatusEvent{}
	}
	writeJSON(w, statusEvents, s.logger)
}

func (s *Server) handleFirmwareList(w http.ResponseWriter, r *http.Request) {
	fws, err := s.store.ListFirmwares(r.URL.Query().Get("active") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed", s.logger)
		return
	}
	if fws == nil {
		fws = []*store.Firmware{}
	}
	writeJSON(w, fws, s.logger)
}

func (s *Server) handleFirmwareCreate(w http.ResponseWriter, r *http.Request) {
	var fw store.Firmware
	if err := json.NewDecoder(r.Body).Decode(&fw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if fw.Name == "" || fw.Version == "" || fw.FileURL == "" {
		writeError(w, http.StatusBadRequest, "name, version, and file_url are required", s.logger)
		return
	}

	if err := s.store.CreateFirmware(&fw); err != nil {
		writeError(w, http.StatusInternalServerError, "create failed", s.logger)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(&fw); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}
