// Package inbound dispatches MQTT messages from readers. Messages
// arrive on smartreader/<serial>/<suffix> topics; the suffix selects
// the handler. The same entry point serves both the live broker
// subscription and the HTTP webhook used by sidecar deployments.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/smartfleet/readergate/internal/config"
	"github.com/smartfleet/readergate/internal/events"
	"github.com/smartfleet/readergate/internal/store"
)

// statusTimeLayout is the string form readers use for event timestamps.
const statusTimeLayout = "2006-01-02T15:04:05.000Z"

// Router routes inbound reader messages to the store and resolves
// command responses.
type Router struct {
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(st *store.Store, bus *events.Bus, logger *slog.Logger) *Router {
	return &Router{store: st, bus: bus, logger: logger}
}

// Process handles one inbound message. Messages from unknown readers,
// malformed topics, and unparseable payloads are logged and dropped;
// none of those cases writes anything. A non-nil error means a store
// write failed on an otherwise valid message.
func (r *Router) Process(ctx context.Context, topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "smartreader" || parts[1] == "" {
		r.logger.Warn("inbound message on unexpected topic", "topic", topic)
		return nil
	}
	serial, suffix := parts[1], parts[2]

	r.logger.Log(ctx, config.LevelTrace, "inbound message",
		"topic", topic, "payload", string(payload))

	now := time.Now()
	if err := r.store.TouchReader(serial, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("inbound message from unknown reader, dropped",
				"serial", serial, "topic", topic)
			return nil
		}
		return err
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		r.logger.Warn("inbound payload is not valid JSON, dropped",
			"serial", serial, "topic", topic, "error", err)
		return nil
	}

	switch suffix {
	case "tagEvents":
		return r.handleTagEvents(serial, body)
	case "event":
		return r.handleStatusEvent(serial, body, now)
	case "lwt":
		return r.handleLWT(serial, body, now)
	case "manageResult", "controlResult":
		return r.handleCommandResult(serial, body, now)
	case "metrics":
		// Reserved for future metric ingestion. last_communication is
		// already updated above.
		return nil
	default:
		r.logger.Debug("inbound message on unhandled suffix",
			"serial", serial, "suffix", suffix)
		return nil
	}
}

func (r *Router) handleTagEvents(serial string, body map[string]any) error {
	reads, _ := body["tag_reads"].([]any)
	stored := 0
	for _, raw := range reads {
		read, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		e := &store.TagEvent{
			ReaderSerial:       serial,
			ReaderName:         stringField(read, "readerName"),
			MACAddress:         stringField(read, "mac"),
			EPC:                stringField(read, "epc"),
			FirstSeenTimestamp: time.UnixMicro(int64(floatField(read, "firstSeenTimestamp"))).UTC(),
			AntennaPort:        int(floatField(read, "antennaPort")),
			AntennaZone:        stringField(read, "antennaZone"),
			PeakRSSI:           floatField(read, "peakRssi"),
			TxPower:            floatField(read, "txPower"),
			TagDataKey:         stringField(read, "tagDataKey"),
			TagDataKeyName:     stringField(read, "tagDataKeyName"),
			TagDataSerial:      stringField(read, "tagDataSerial"),
		}
		if err := r.store.AppendTagEvent(e); err != nil {
			return err
		}
		stored++
	}

	if stored > 0 {
		r.logger.Debug("tag events stored", "serial", serial, "count", stored)
		r.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceInbound,
			Kind:      events.KindTagBatch,
			Data:      map[string]any{"reader_serial": serial, "count": stored},
		})
	}
	return nil
}

func (r *Router) handleStatusEvent(serial string, body map[string]any, now time.Time) error {
	if stringField(body, "smartreader-mqtt-status") == "connected" {
		if err := r.store.SetReaderConnected(serial, true, now); err != nil {
			return err
		}
		r.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceInbound,
			Kind:      events.KindReaderOnline,
			Data:      map[string]any{"reader_serial": serial},
		})
	}
	return r.appendStatusEvent(serial, body)
}

func (r *Router) handleLWT(serial string, body map[string]any, now time.Time) error {
	if stringField(body, "smartreader-mqtt-status") == "disconnected" {
		if err := r.store.SetReaderConnected(serial, false, now); err != nil {
			return err
		}
		r.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceInbound,
			Kind:      events.KindReaderOffline,
			Data:      map[string]any{"reader_serial": serial},
		})
	}
	return r.appendStatusEvent(serial, body)
}

// appendStatusEvent projects the raw payload into a DetailedStatusEvent.
// The non-antenna projection keeps the payload browsable without the
// per-antenna noise that dominates detailed status messages.
func (r *Router) appendStatusEvent(serial string, body map[string]any) error {
	eventType := stringField(body, "eventType")
	if eventType == "" {
		eventType = "unknown"
	}

	var nonAntenna map[string]any
	switch {
	case eventType == "gpi-status":
		gpi := body["gpiConfigurations"]
		if gpi == nil {
			gpi = []any{}
		}
		nonAntenna = map[string]any{"gpiConfigurations": gpi}
	case hasKey(body, "smartreader-mqtt-status"):
		eventType = "mqtt-status"
		nonAntenna = map[string]any{"mqtt_status": stringField(body, "smartreader-mqtt-status")}
	case eventType == "status" || eventType == "status-detailed":
		nonAntenna = make(map[string]any)
		for k, v := range body {
			if !strings.Contains(k, "antenna") && k != "eventType" {
				nonAntenna[k] = v
			}
		}
	default:
		nonAntenna = make(map[string]any)
		for k, v := range body {
			if !strings.Contains(strings.ToLower(k), "antenna") {
				nonAntenna[k] = v
			}
		}
	}

	component := stringField(body, "component")
	if component == "" {
		component = "unknown"
	}

	e := &store.StatusEvent{
		ReaderSerial:      serial,
		EventType:         eventType,
		Component:         component,
		Timestamp:         extractTimestamp(body["timestamp"]),
		MACAddress:        stringField(body, "macAddress"),
		Status:            stringField(body, "status"),
		Details:           body,
		NonAntennaDetails: nonAntenna,
	}
	if err := r.store.AppendStatusEvent(e); err != nil {
		return err
	}

	r.logger.Debug("status event stored",
		"serial", serial, "event_type", eventType)
	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceInbound,
		Kind:      events.KindStatusEvent,
		Data:      map[string]any{"reader_serial": serial, "event_type": eventType},
	})
	return nil
}

// handleCommandResult correlates a manageResult/controlResult payload
// back to the queued command. Correlation is by command_id alone. A
// reader that replies is necessarily online, so its connection state is
// set before anything else.
func (r *Router) handleCommandResult(serial string, body map[string]any, now time.Time) error {
	if err := r.store.SetReaderConnected(serial, true, now); err != nil {
		return err
	}

	commandID := stringField(body, "command_id")
	if commandID == "" {
		r.logger.Warn("command result without command_id, dropped", "serial", serial)
		return nil
	}

	cmd, err := r.store.GetCommand(commandID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("command result for unknown command, dropped",
				"serial", serial, "command_id", commandID)
			return nil
		}
		return err
	}
	if cmd.ReaderSerial != serial {
		r.logger.Warn("command result from wrong reader, dropped",
			"command_id", commandID, "expected", cmd.ReaderSerial, "got", serial)
		return nil
	}

	response := stringField(body, "response")
	message := stringField(body, "message")

	status := store.StatusFailed
	if response == "success" {
		status = store.StatusCompleted
	}

	responseText := strings.TrimSpace(response + " " + message)
	if responseText == "" {
		responseText = "No response message"
	}

	ok, err := r.store.ResolveCommand(commandID, status, responseText, now)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Info("late command result ignored, command already terminal",
			"command_id", commandID, "serial", serial)
		return nil
	}

	r.logger.Info("command resolved",
		"command_id", commandID, "serial", serial,
		"status", status, "response", responseText)

	kind := events.KindCommandFailed
	if status == store.StatusCompleted {
		kind = events.KindCommandCompleted
	}
	r.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceInbound,
		Kind:      kind,
		Data: map[string]any{
			"command_id":    commandID,
			"reader_serial": serial,
			"response":      responseText,
		},
	})
	return nil
}

// extractTimestamp interprets the loosely typed timestamp field readers
// send: a JSON number is microseconds since epoch, a string must match
// the readers' millisecond layout. Anything else falls back to now.
func extractTimestamp(v any) time.Time {
	switch ts := v.(type) {
	case float64:
		return time.UnixMicro(int64(ts)).UTC()
	case string:
		if t, err := time.Parse(statusTimeLayout, ts); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func floatField(m map[string]any, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}
