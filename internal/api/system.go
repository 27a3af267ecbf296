package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type mqttProcessRequest struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// handleMQTTProcess feeds a message into the inbound router exactly as
// if it had arrived over the broker subscription. Sidecar MQTT bridges
// use this when the gateway runs without its own broker session.
func (s *Server) handleMQTTProcess(w http.ResponseWriter, r *http.Request) {
	var req mqttProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required", s.logger)
		return
	}

	if err := s.router.Process(r.Context(), req.Topic, req.Data); err != nil {
		writeError(w, http.StatusInternalServerError, "processing failed", s.logger)
		return
	}
	writeJSON(w, map[string]string{"status": "processed"}, s.logger)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth already happened in withAuth; origins are not restricted
	// because the API is key-gated, not cookie-gated.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

// handleEventsWS streams bus events to the client as JSON text
// messages. Slow clients miss events rather than stalling the bus.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured", s.logger)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	s.logger.Debug("event stream client connected", "remote", r.RemoteAddr)

	// Reads are discarded; their only purpose is detecting the close
	// handshake so the write loop below can exit.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("event stream client gone", "error", err)
				return
			}
		}
	}
}
