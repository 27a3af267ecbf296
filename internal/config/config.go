// Package config handles readergate configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/readergate/config.yaml, /etc/readergate/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "readergate", "config.yaml"))
	}

	paths = append(paths, "/etc/readergate/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all readergate configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Workers  WorkersConfig  `yaml:"workers"`
	APIKey   string         `yaml:"api_key"`
	Firmware FirmwareConfig `yaml:"firmware"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the HTTP ingress server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig defines the broker session settings. Every field maps to
// one of the MQTT_* environment options; the YAML file may reference
// them directly (values are passed through os.ExpandEnv before parse).
type MQTTConfig struct {
	Broker    string `yaml:"broker"`    // Host name or IP of the broker
	Port      int    `yaml:"port"`      // Default: 1883 (8883 with TLS)
	Keepalive int    `yaml:"keepalive"` // MQTT keepalive seconds (default 60)
	ClientID  string `yaml:"client_id"` // Default: "readergate"
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`

	UseTLS         bool   `yaml:"use_tls"`
	CACerts        string `yaml:"ca_certs"`  // PEM bundle path
	CertFile       string `yaml:"cert_file"` // Client certificate path
	KeyFile        string `yaml:"key_file"`  // Client key path
	VerifyHostname bool   `yaml:"verify_hostname"`
	TLSVersion     string `yaml:"tls_version"` // Minimum version: "1.2" or "1.3"

	QoS            byte `yaml:"qos"`              // Publish QoS (default 1)
	Retain         bool `yaml:"retain"`           // Publish retain flag
	MaxMessageSize int  `yaml:"max_message_size"` // Bytes; 0 = unlimited

	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"` // Default 10
	ReconnectDelaySec    int `yaml:"reconnect_delay_sec"`    // Default 5
	AckTimeoutSec        int `yaml:"ack_timeout_sec"`        // Default 10
}

// ReconnectDelay returns the fixed delay between reconnect attempts.
func (m MQTTConfig) ReconnectDelay() time.Duration {
	if m.ReconnectDelaySec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(m.ReconnectDelaySec) * time.Second
}

// AckTimeout returns the bounded wait for broker publish acknowledgment.
func (m MQTTConfig) AckTimeout() time.Duration {
	if m.AckTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(m.AckTimeoutSec) * time.Second
}

// WorkersConfig defines the cadences and thresholds of the periodic
// workers. Zero values fall back to the documented defaults.
type WorkersConfig struct {
	PumpIntervalSec      int `yaml:"pump_interval_sec"`      // Default 10
	ReapIntervalSec      int `yaml:"reap_interval_sec"`      // Default 10
	ReapThresholdSec     int `yaml:"reap_threshold_sec"`     // Default 30
	SchedulerIntervalSec int `yaml:"scheduler_interval_sec"` // Default 60
}

// PumpInterval returns the publisher pump cadence.
func (w WorkersConfig) PumpInterval() time.Duration {
	if w.PumpIntervalSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(w.PumpIntervalSec) * time.Second
}

// ReapInterval returns the reaper cadence.
func (w WorkersConfig) ReapInterval() time.Duration {
	if w.ReapIntervalSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(w.ReapIntervalSec) * time.Second
}

// ReapThreshold returns how long a PROCESSING command may go without an
// update before the reaper marks it failed.
func (w WorkersConfig) ReapThreshold() time.Duration {
	if w.ReapThresholdSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(w.ReapThresholdSec) * time.Second
}

// SchedulerInterval returns the scheduled-command materializer cadence.
func (w WorkersConfig) SchedulerInterval() time.Duration {
	if w.SchedulerIntervalSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(w.SchedulerIntervalSec) * time.Second
}

// FirmwareConfig defines firmware push settings for upgrade commands.
type FirmwareConfig struct {
	// URLBase is prefixed to firmware file URLs in upgrade payloads.
	URLBase string `yaml:"url_base"`
	// TimeoutMinutes is how long readers may spend downloading and
	// applying an image (default 4).
	TimeoutMinutes int `yaml:"timeout_minutes"`
	// MaxRetries is how many download attempts a reader makes (default 3).
	MaxRetries int `yaml:"max_retries"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets (MQTT_PASSWORD, API_KEY)
	// can stay out of the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		MQTT: MQTTConfig{
			Port:                 1883,
			Keepalive:            60,
			ClientID:             "readergate",
			VerifyHostname:       true,
			QoS:                  1,
			MaxReconnectAttempts: 10,
			ReconnectDelaySec:    5,
			AckTimeoutSec:        10,
		},
		Firmware: FirmwareConfig{
			TimeoutMinutes: 4,
			MaxRetries:     3,
		},
		DataDir: "data",
	}
}
