// Package pump drains the durable command queue onto the broker. It
// claims PENDING commands, builds the wire message readers expect, and
// publishes on the reader's manage or control topic.
package pump

import (
	"context"
	"log/slog"
	"time"

	"github.com/smartfleet/readergate/internal/events"
	"github.com/smartfleet/readergate/internal/store"
)

// Publisher sends one JSON message to a topic. *broker.Session is the
// production implementation.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Pump is the periodic worker that moves commands from the queue to
// the broker.
type Pump struct {
	store    *store.Store
	session  Publisher
	bus      *events.Bus
	logger   *slog.Logger
	interval time.Duration
}

// New creates a Pump. interval is the cycle cadence.
func New(st *store.Store, session Publisher, bus *events.Bus, logger *slog.Logger, interval time.Duration) *Pump {
	return &Pump{
		store:    st,
		session:  session,
		bus:      bus,
		logger:   logger,
		interval: interval,
	}
}

// Run executes cycles at the configured cadence until ctx is
// cancelled. The first cycle runs immediately.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Cycle(ctx)
		}
	}
}

// Cycle claims all PENDING commands and publishes each. Publish
// failures leave the command in PROCESSING: re-publishing a command
// that may already have been delivered risks double execution on the
// reader, so stuck commands are left for the reaper to time out.
// Completion is the response correlator's job, never the pump's.
func (p *Pump) Cycle(ctx context.Context) {
	claimed, err := p.store.ClaimPendingCommands(time.Now())
	if err != nil {
		p.logger.Error("pump claim failed", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	p.logger.Debug("pump claimed commands", "count", len(claimed))

	for _, cmd := range claimed {
		topic := TopicFor(cmd.ReaderSerial, cmd.CommandType)
		if err := p.session.Publish(ctx, topic, WireMessage(cmd)); err != nil {
			p.logger.Warn("pump publish failed, command left for reaper",
				"command_id", cmd.CommandID, "topic", topic, "error", err)
			continue
		}

		p.logger.Info("command published",
			"command_id", cmd.CommandID, "serial", cmd.ReaderSerial,
			"command_type", cmd.CommandType, "topic", topic)
		p.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourcePump,
			Kind:      events.KindCommandPublished,
			Data: map[string]any{
				"command_id":    cmd.CommandID,
				"reader_serial": cmd.ReaderSerial,
				"command_type":  cmd.CommandType,
				"topic":         topic,
			},
		})
	}
}

// TopicFor returns the outbound topic for a command type. Management
// operations (status-detailed, upgrade) use the reader's manage topic;
// everything else is a control operation.
func TopicFor(serial, commandType string) string {
	switch commandType {
	case store.CommandStatusDetailed, store.CommandUpgrade:
		return "smartreader/" + serial + "/manage"
	}
	return "smartreader/" + serial + "/control"
}

// WireMessage builds the JSON body a reader expects. The payload
// member is always an object, never null, and mode payloads are
// normalized first.
func WireMessage(cmd *store.Command) map[string]any {
	payload := cmd.Details
	if payload == nil {
		payload = map[string]any{}
	}
	if cmd.CommandType == store.CommandMode {
		payload = NormalizeModePayload(payload)
	}

	return map[string]any{
		"command":    cmd.CommandType,
		"command_id": cmd.CommandID,
		"payload":    payload,
	}
}
