// Package api implements the HTTP ingress surface of the gateway.
// Everything under /api/ requires the configured API key; /health is
// open for liveness probes.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/smartfleet/readergate/internal/broker"
	"github.com/smartfleet/readergate/internal/config"
	"github.com/smartfleet/readergate/internal/events"
	"github.com/smartfleet/readergate/internal/inbound"
	"github.com/smartfleet/readergate/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		logger.Debug("failed to write error response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	session *broker.Session
	router  *inbound.Router
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates an API server. session may be nil when the gateway
// runs without a broker connection (webhook-only deployments).
func NewServer(cfg *config.Config, st *store.Store, session *broker.Session, rtr *inbound.Router, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		session: session,
		router:  rtr,
		bus:     bus,
		logger:  logger,
	}
}

// Handler returns the fully routed handler, including middleware.
// Start serves it; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Command queue
	mux.HandleFunc("POST /api/commands/", s.withAuth(s.handleCommandSubmit))
	mux.HandleFunc("GET /api/commands/", s.withAuth(s.handleCommandList))
	mux.HandleFunc("GET /api/commands/pending/", s.withAuth(s.handleCommandsPending))
	mux.HandleFunc("GET /api/commands/{command_id}/", s.withAuth(s.handleCommandGet))
	mux.HandleFunc("PUT /api/commands/{command_id}/status/", s.withAuth(s.handleCommandStatus))

	// Inbound webhook for sidecar deployments
	mux.HandleFunc("POST /api/mqtt/process/", s.withAuth(s.handleMQTTProcess))

	// Readers and their history
	mux.HandleFunc("GET /api/readers/", s.withAuth(s.handleReaderList))
	mux.HandleFunc("POST /api/readers/", s.withAuth(s.handleReaderCreate))
	mux.HandleFunc("GET /api/readers/{serial}/", s.withAuth(s.handleReaderGet))
	mux.HandleFunc("PUT /api/readers/{serial}/", s.withAuth(s.handleReaderUpdate))
	mux.HandleFunc("POST /api/readers/{serial}/upgrade/", s.withAuth(s.handleReaderUpgrade))
	mux.HandleFunc("GET /api/tag-events/", s.withAuth(s.handleTagEventList))
	mux.HandleFunc("GET /api/status-events/", s.withAuth(s.handleStatusEventList))

	// Firmware catalog
	mux.HandleFunc("GET /api/firmwares/", s.withAuth(s.handleFirmwareList))
	mux.HandleFunc("POST /api/firmwares/", s.withAuth(s.handleFirmwareCreate))

	// Schedules
	mux.HandleFunc("GET /api/scheduled-commands/", s.withAuth(s.handleScheduleList))
	mux.HandleFunc("POST /api/scheduled-commands/", s.withAuth(s.handleScheduleCreate))
	mux.HandleFunc("PUT /api/scheduled-commands/{id}/", s.withAuth(s.handleScheduleUpdate))
	mux.HandleFunc("DELETE /api/scheduled-commands/{id}/", s.withAuth(s.handleScheduleDelete))

	// Alert rules (persistence only; evaluation is external)
	mux.HandleFunc("GET /api/alerts/", s.withAuth(s.handleAlertList))
	mux.HandleFunc("POST /api/alerts/", s.withAuth(s.handleAlertCreate))
	mux.HandleFunc("POST /api/alerts/{id}/toggle/", s.withAuth(s.handleAlertToggle))
	mux.HandleFunc("DELETE /api/alerts/{id}/", s.withAuth(s.handleAlertDelete))
	mux.HandleFunc("GET /api/alerts/{id}/logs/", s.withAuth(s.handleAlertLogList))

	// Operational
	mux.HandleFunc("GET /api/broker/diagnostics/", s.withAuth(s.handleBrokerDiagnostics))
	mux.HandleFunc("GET /api/events/ws", s.withAuth(s.handleEventsWS))
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Listen.Address, s.cfg.Listen.Port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: the events WebSocket stays open indefinitely.
	}

	addr := s.cfg.Listen.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Listen.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withAuth enforces the X-API-Key header. The comparison is constant
// time and the 401 body is identical for missing and wrong keys.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if s.cfg.APIKey == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", s.logger)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleBrokerDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "broker session not configured", s.logger)
		return
	}
	writeJSON(w, s.session.Diagnostics(), s.logger)
}
