// Package broker owns the MQTT session to the fleet broker. It wraps
// one autopaho connection manager with the gateway's reconnect policy,
// replays the reader subscription set on every (re-)connect, and
// serializes outbound publishes.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/smartfleet/readergate/internal/config"
	"github.com/smartfleet/readergate/internal/events"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// Session connection states.
const (
	StateDisconnected int32 = iota
	StateConnecting
	StateConnected
)

// StateName returns the human-readable form of a session state.
func StateName(s int32) string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	}
	return "DISCONNECTED"
}

// topicSuffixes are the per-reader topics the gateway listens on.
var topicSuffixes = []string{
	"manageResult",
	"controlResult",
	"tagEvents",
	"event",
	"metrics",
	"lwt",
}

// SubscriptionFilters returns the wildcard topic filters subscribed on
// every (re-)connect, one per reader topic suffix.
func SubscriptionFilters() []string {
	filters := make([]string, len(topicSuffixes))
	for i, suffix := range topicSuffixes {
		filters[i] = "smartreader/+/" + suffix
	}
	return filters
}

// Session manages the broker connection lifecycle. Reconnects after a
// drop happen automatically at a fixed delay; once the consecutive
// failure count reaches the configured cap the session tears itself
// down and stays DISCONNECTED until Connect is called again.
type Session struct {
	cfg     config.MQTTConfig
	handler MessageHandler
	bus     *events.Bus
	logger  *slog.Logger

	mu     sync.Mutex // guards cm, cancel, and Connect single-flight
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc

	pubMu sync.Mutex // serializes outbound publishes

	state        atomic.Int32
	connectFails atomic.Int32
	reconnects   atomic.Int64
	pubAttempts  atomic.Int64
	pubSuccesses atomic.Int64

	lastMu        sync.Mutex
	lastConnected time.Time
}

// NewSession creates a Session but does not connect. handler receives
// every message on the subscribed reader topics.
func NewSession(cfg config.MQTTConfig, handler MessageHandler, bus *events.Bus, logger *slog.Logger) *Session {
	return &Session{
		cfg:     cfg,
		handler: handler,
		bus:     bus,
		logger:  logger,
	}
}

// ErrSessionActive is returned by Connect when the session is already
// connecting or connected.
var ErrSessionActive = errors.New("broker session already active")

// Connect establishes the broker session and subscribes to the reader
// topics. Safe to call concurrently: only one caller builds the
// connection, the rest are rejected with ErrSessionActive. A session
// that gave up after hitting the reconnect cap is restarted here.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Load() != StateDisconnected {
		return ErrSessionActive
	}
	s.state.Store(StateConnecting)
	s.connectFails.Store(0)

	brokerURL, err := url.Parse(s.serverURL())
	if err != nil {
		s.state.Store(StateDisconnected)
		return fmt.Errorf("parse broker URL: %w", err)
	}

	var tlsCfg *tls.Config
	if s.cfg.UseTLS {
		tlsCfg, err = s.tlsConfig()
		if err != nil {
			s.state.Store(StateDisconnected)
			return fmt.Errorf("broker TLS config: %w", err)
		}
	}

	keepalive := uint16(60)
	if s.cfg.Keepalive > 0 {
		keepalive = uint16(s.cfg.Keepalive)
	}

	// The connection manager lives until this context is cancelled,
	// either by Disconnect or by the reconnect cap.
	cmCtx, cancel := context.WithCancel(context.Background())

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		TlsCfg:                        tlsCfg,
		KeepAlive:                     keepalive,
		ConnectUsername:               s.cfg.Username,
		ConnectPassword:               []byte(s.cfg.Password),
		ReconnectBackoff:              autopaho.NewConstantBackoff(s.cfg.ReconnectDelay()),
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.onConnectionUp(cm)
		},
		OnConnectError: func(err error) {
			s.onConnectError(err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.clientID(),
			OnClientError: func(err error) {
				s.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				reason := fmt.Sprintf("reason code %d", d.ReasonCode)
				if d.Properties != nil && d.Properties.ReasonString != "" {
					reason = d.Properties.ReasonString
				}
				s.logger.Warn("mqtt server disconnect", "reason", reason)
				s.bus.Publish(events.Event{
					Timestamp: time.Now(),
					Source:    events.SourceBroker,
					Kind:      events.KindBrokerDisconnected,
					Data:      map[string]any{"broker": s.cfg.Broker, "reason": reason},
				})
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					s.handler(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	cm, err := autopaho.NewConnection(cmCtx, pahoCfg)
	if err != nil {
		cancel()
		s.state.Store(StateDisconnected)
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm
	s.cancel = cancel
	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (s *Session) AwaitConnection(ctx context.Context) error {
	s.mu.Lock()
	cm := s.cm
	s.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("broker session not started")
	}
	return cm.AwaitConnection(ctx)
}

// Disconnect shuts the session down cleanly. The provided context
// bounds how long to wait for the MQTT DISCONNECT exchange.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	cm := s.cm
	cancel := s.cancel
	s.cm = nil
	s.cancel = nil
	s.mu.Unlock()

	s.state.Store(StateDisconnected)
	if cm == nil {
		return nil
	}
	err := cm.Disconnect(ctx)
	cancel()
	return err
}

// Publish marshals payload as JSON and sends it to topic with the
// configured QoS and retain flag. The wait for the broker's
// acknowledgment is bounded by the configured ack timeout. Publishes
// are serialized so wire messages from concurrent workers never
// interleave their acknowledgment waits.
func (s *Session) Publish(ctx context.Context, topic string, payload any) error {
	s.mu.Lock()
	cm := s.cm
	s.mu.Unlock()
	if cm == nil || s.state.Load() != StateConnected {
		return fmt.Errorf("publish %s: broker not connected", topic)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish %s: marshal payload: %w", topic, err)
	}
	if s.cfg.MaxMessageSize > 0 && len(body) > s.cfg.MaxMessageSize {
		return fmt.Errorf("publish %s: payload %d bytes exceeds limit %d", topic, len(body), s.cfg.MaxMessageSize)
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.pubAttempts.Add(1)
	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout())
	defer cancel()

	_, err = cm.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		QoS:     s.qos(),
		Retain:  s.cfg.Retain,
		Payload: body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	s.pubSuccesses.Add(1)

	s.logger.Log(ctx, config.LevelTrace, "mqtt published",
		"topic", topic, "payload", string(body))
	return nil
}

// State returns the current session state.
func (s *Session) State() int32 {
	return s.state.Load()
}

// Diagnostics is a point-in-time snapshot of session health.
type Diagnostics struct {
	State             string    `json:"state"`
	Broker            string    `json:"broker"`
	ClientID          string    `json:"client_id"`
	LastConnected     time.Time `json:"last_connected,omitempty"`
	Reconnects        int64     `json:"reconnects"`
	ConsecutiveErrors int32     `json:"consecutive_errors"`
	PublishAttempts   int64     `json:"publish_attempts"`
	PublishSuccesses  int64     `json:"publish_successes"`
	Subscriptions     []string  `json:"subscriptions"`
}

// Diagnostics returns a snapshot of the session's health counters.
func (s *Session) Diagnostics() Diagnostics {
	s.lastMu.Lock()
	last := s.lastConnected
	s.lastMu.Unlock()

	return Diagnostics{
		State:             StateName(s.state.Load()),
		Broker:            s.serverURL(),
		ClientID:          s.clientID(),
		LastConnected:     last,
		Reconnects:        s.reconnects.Load(),
		ConsecutiveErrors: s.connectFails.Load(),
		PublishAttempts:   s.pubAttempts.Load(),
		PublishSuccesses:  s.pubSuccesses.Load(),
		Subscriptions:     SubscriptionFilters(),
	}
}

func (s *Session) onConnectionUp(cm *autopaho.ConnectionManager) {
	s.state.Store(StateConnected)
	s.connectFails.Store(0)
	s.reconnects.Add(1)
	s.lastMu.Lock()
	s.lastConnected = time.Now()
	s.lastMu.Unlock()

	s.logger.Info("mqtt connected", "broker", s.cfg.Broker, "client_id", s.clientID())
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBroker,
		Kind:      events.KindBrokerConnected,
		Data:      map[string]any{"broker": s.cfg.Broker, "client_id": s.clientID()},
	})

	// Sessions are not clean, but a broker restart can still lose
	// subscription state, so the full filter set is replayed every time.
	subs := make([]paho.SubscribeOptions, 0, len(topicSuffixes))
	for _, filter := range SubscriptionFilters() {
		subs = append(subs, paho.SubscribeOptions{Topic: filter, QoS: s.qos()})
	}

	subCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := cm.Subscribe(subCtx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		s.logger.Error("mqtt subscribe failed", "filters", len(subs), "error", err)
		return
	}
	s.logger.Debug("mqtt subscriptions active", "filters", len(subs))
}

func (s *Session) onConnectError(err error) {
	fails := s.connectFails.Add(1)
	if s.state.Load() == StateConnected {
		s.state.Store(StateConnecting)
	}
	s.logger.Warn("mqtt connect attempt failed",
		"broker", s.cfg.Broker, "attempt", fails, "error", err)

	max := int32(s.cfg.MaxReconnectAttempts)
	if max <= 0 {
		max = 10
	}
	if fails < max {
		return
	}

	s.logger.Error("mqtt reconnect cap reached, giving up",
		"broker", s.cfg.Broker, "attempts", fails)
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBroker,
		Kind:      events.KindBrokerGaveUp,
		Data:      map[string]any{"broker": s.cfg.Broker, "attempts": fails},
	})

	// Teardown must not run on autopaho's callback goroutine: the
	// manager's shutdown waits for callbacks to return.
	go func() {
		s.mu.Lock()
		cm := s.cm
		cancel := s.cancel
		s.cm = nil
		s.cancel = nil
		s.mu.Unlock()

		s.state.Store(StateDisconnected)
		if cm != nil {
			ctx, cancelDisc := context.WithTimeout(context.Background(), 5*time.Second)
			cm.Disconnect(ctx)
			cancelDisc()
		}
		if cancel != nil {
			cancel()
		}
	}()
}

func (s *Session) serverURL() string {
	scheme := "mqtt"
	port := s.cfg.Port
	if s.cfg.UseTLS {
		scheme = "tls"
		if port == 0 {
			port = 8883
		}
	}
	if port == 0 {
		port = 1883
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.cfg.Broker, port)
}

func (s *Session) clientID() string {
	if s.cfg.ClientID != "" {
		return s.cfg.ClientID
	}
	return "readergate"
}

func (s *Session) qos() byte {
	if s.cfg.QoS > 2 {
		return 1
	}
	return s.cfg.QoS
}

func (s *Session) tlsConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !s.cfg.VerifyHostname,
	}
	if s.cfg.TLSVersion == "1.3" {
		tlsCfg.MinVersion = tls.VersionTLS13
	}

	if s.cfg.CACerts != "" {
		pem, err := os.ReadFile(s.cfg.CACerts)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", s.cfg.CACerts)
		}
		tlsCfg.RootCAs = pool
	}

	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
