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

type commandSubmitRequest struct {
	ReaderSerialNumber string         `json:"reader_serial_number"`
	CommandType        string         `json:"command_type"`
	Details            map[string]any `json:"details,omitempty"`
}

func (s *Server) handleCommandSubmit(w http.ResponseWriter, r *http.Request) {
	var req commandSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if !store.ValidCommandType(req.CommandType) {
		writeError(w, http.StatusBadRequest, "invalid command type", s.logger)
		return
	}

	if _, err := s.store.GetReader(req.ReaderSerialNumber); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "reader not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed", s.logger)
		return
	}

	cmd := &store.Command{
		ReaderSerial: req.ReaderSerialNumber,
		CommandType:  req.CommandType,
		Details:      req.Details,
	}
	if err := s.store.CreateCommand(cmd); err != nil {
		writeError(w, http.StatusInternalServerError, "create failed", s.logger)
		return
	}

	s.logger.Info("command queued",
		"command_id", cmd.CommandID, "serial", cmd.ReaderSerial,
		"command_type", cmd.CommandType)
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAPI,
		Kind:      events.KindCommandQueued,
		Data: map[string]any{
			"command_id":    cmd.CommandID,
			"reader_serial": cmd.ReaderSerial,
			"command_type":  cmd.CommandType,
		},
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(cmd); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleCommandList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	cmds, err := s.store.ListCommands(q.Get("reader_serial"), q.Get("status"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed", s.logger)
		return
	}
	if cmds == nil {
		cmds = []*store.Command{}
	}
	writeJSON(w, cmds, s.logger)
}

func (s *Server) handleCommandGet(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.store.GetCommand(r.PathValue("command_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "command not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed", s.logger)
		return
	}
	writeJSON(w, cmd, s.logger)
}

// handleCommandsPending serves sidecar pumps: it claims all PENDING
// commands with the same atomic store operation the in-process pump
// uses, so two pumps (or a pump plus this endpoint) never double-send.
func (s *Server) handleCommandsPending(w http.ResponseWriter, r *http.Request) {
	claimed, err := s.store.ClaimPendingCommands(time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "claim failed", s.logger)
		return
	}
	if claimed == nil {
		claimed = []*store.Command{}
	}
	s.logger.Debug("pending commands claimed via API", "count", len(claimed))
	writeJSON(w, claimed, s.logger)
}

type commandStatusRequest struct {
	Status   string `json:"status"`
	Response string `json:"response"`
}

func (s *Server) handleCommandStatus(w http.ResponseWriter, r *http.Request) {
	commandID := r.PathValue("command_id")

	var req commandStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if !store.ValidStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid status", s.logger)
		return
	}

	if _, err := s.store.GetCommand(commandID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "command not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed", s.logger)
		return
	}

	updated, err := s.store.UpdateCommandStatus(commandID, req.Status, req.Response, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "update failed", s.logger)
		return
	}
	writeJSON(w, map[string]any{"command_id": commandID, "updated": updated}, s.logger)
}
