package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/smartfleet/readergate/internal/store"
)

type alertRequest struct {
	Name          string  `json:"name"`
	ConditionType string  `json:"condition_type"`
	Threshold     float64 `json:"threshold"`
	IsActive      *bool   `json:"is_active,omitempty"`
}

func (s *Server) handleAlertList(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListAlerts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list alerts", s.logger)
		return
	}
	if alerts == nil {
		alerts = []*store.Alert{}
	}
	writeJSON(w, alerts, s.logger)
}

func (s *Server) handleAlertCreate(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if req.Name == "" || req.ConditionType == "" {
		writeError(w, http.StatusBadRequest, "name and condition_type are required", s.logger)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	alert := &store.Alert{
		Name:          req.Name,
		ConditionType: req.ConditionType,
		Threshold:     req.Threshold,
		IsActive:      active,
	}
	if err := s.store.CreateAlert(alert); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create alert", s.logger)
		return
	}

	s.logger.Info("alert rule created", "alert_id", alert.ID, "name", alert.Name)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, alert, s.logger)
}

func (s *Server) handleAlertToggle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	active, err := s.store.ToggleAlert(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found", s.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle alert", s.logger)
		return
	}
	writeJSON(w, map[string]any{"id": id, "is_active": active}, s.logger)
}

func (s *Server) handleAlertDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.DeleteAlert(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found", s.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete alert", s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAlertLogList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetAlert(id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found", s.logger)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.store.ListAlertLogs(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list alert logs", s.logger)
		return
	}
	if logs == nil {
		logs = []*store.AlertLog{}
	}
	writeJSON(w, logs, s.logger)
}
