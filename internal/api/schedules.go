package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/smartfleet/readergate/internal/store"
)

type scheduleRequest struct {
	ReaderSerialNumber string    `json:"reader_serial_number"`
	CommandType        string    `json:"command_type"`
	ScheduledTime      time.Time `json:"scheduled_time"`
	Recurrence         string    `json:"recurrence"`
	IsActive           *bool     `json:"is_active,omitempty"`
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListScheduledCommands()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed", s.logger)
		return
	}
	if schedules == nil {
		schedules = []*store.ScheduledCommand{}
	}
	writeJSON(w, schedules, s.logger)
}

func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if !store.ValidCommandType(req.CommandType) {
		writeError(w, http.StatusBadRequest, "invalid command type", s.logger)
		return
	}
	if !store.ValidRecurrence(req.Recurrence) {
		writeError(w, http.StatusBadRequest, "invalid recurrence", s.logger)
		return
	}
	if req.ScheduledTime.IsZero() {
		writeError(w, http.StatusBadRequest, "scheduled_time is required", s.logger)
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

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	sc := &store.ScheduledCommand{
		ReaderSerial:  req.ReaderSerialNumber,
		CommandType:   req.CommandType,
		ScheduledTime: req.ScheduledTime,
		Recurrence:    req.Recurrence,
		IsActive:      active,
	}
	if err := s.store.CreateScheduledCommand(sc); err != nil {
		writeError(w, http.StatusInternalServerError, "create failed", s.logger)
		return
	}

	s.logger.Info("schedule created",
		"schedule_id", sc.ID, "serial", sc.ReaderSerial,
		"command_type", sc.CommandType, "recurrence", sc.Recurrence)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(sc); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetScheduledCommand(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed", s.logger)
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}

	if req.CommandType != "" {
		if !store.ValidCommandType(req.CommandType) {
			writeError(w, http.StatusBadRequest, "invalid command type", s.logger)
			return
		}
		sc.CommandType = req.CommandType
	}
	if req.Recurrence != "" {
		if !store.ValidRecurrence(req.Recurrence) {
			writeError(w, http.StatusBadRequest, "invalid recurrence", s.logger)
			return
		}
		sc.Recurrence = req.Recurrence
	}
	if !req.ScheduledTime.IsZero() {
		sc.ScheduledTime = req.ScheduledTime
	}
	if req.IsActive != nil {
		sc.IsActive = *req.IsActive
	}

	if err := s.store.UpdateScheduledCommand(sc); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed", s.logger)
		return
	}
	writeJSON(w, sc, s.logger)
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteScheduledCommand(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed", s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
