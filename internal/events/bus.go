// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (broker session, inbound
// router, publisher pump, reaper, scheduler, HTTP API) to subscribers
// (WebSocket handler, future metrics collector). The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceBroker identifies events from the MQTT broker session.
	SourceBroker = "broker"
	// SourceInbound identifies events from the inbound topic router.
	SourceInbound = "inbound"
	// SourcePump identifies events from the publisher pump.
	SourcePump = "pump"
	// SourceReaper identifies events from the stale-command reaper.
	SourceReaper = "reaper"
	// SourceScheduler identifies events from the command scheduler.
	SourceScheduler = "scheduler"
	// SourceAPI identifies events from the HTTP ingress API.
	SourceAPI = "api"
)

// Kind constants describe the type of event within a source.
const (
	// KindBrokerConnected signals a broker connection came up.
	// Data: broker, client_id.
	KindBrokerConnected = "broker_connected"
	// KindBrokerDisconnected signals the broker connection dropped.
	// Data: broker, reason.
	KindBrokerDisconnected = "broker_disconnected"
	// KindBrokerGaveUp signals reconnection attempts hit the cap.
	// Data: broker, attempts.
	KindBrokerGaveUp = "broker_gave_up"

	// KindCommandQueued signals a command entered the queue.
	// Data: command_id, reader_serial, command_type.
	KindCommandQueued = "command_queued"
	// KindCommandPublished signals a claimed command reached the broker.
	// Data: command_id, reader_serial, command_type, topic.
	KindCommandPublished = "command_published"
	// KindCommandCompleted signals a reader acknowledged success.
	// Data: command_id, reader_serial, response.
	KindCommandCompleted = "command_completed"
	// KindCommandFailed signals a reader reported failure.
	// Data: command_id, reader_serial, response.
	KindCommandFailed = "command_failed"
	// KindCommandReaped signals the reaper timed out a command.
	// Data: command_id.
	KindCommandReaped = "command_reaped"

	// KindReaderOnline signals a reader connection event arrived.
	// Data: reader_serial.
	KindReaderOnline = "reader_online"
	// KindReaderOffline signals a reader disconnect or LWT arrived.
	// Data: reader_serial.
	KindReaderOffline = "reader_offline"
	// KindTagBatch signals a batch of tag reads was stored.
	// Data: reader_serial, count.
	KindTagBatch = "tag_batch"
	// KindStatusEvent signals a detailed status event was stored.
	// Data: reader_serial, event_type.
	KindStatusEvent = "status_event"

	// KindScheduleFired signals a scheduled command was materialized.
	// Data: schedule_id, command_id, reader_serial, command_type.
	KindScheduleFired = "schedule_fired"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
