package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_MQTT_BROKER", "broker.example.com")
	t.Setenv("TEST_API_KEY", "sekrit")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
mqtt:
  broker: ${TEST_MQTT_BROKER}
  port: 8883
  use_tls: true
api_key: ${TEST_API_KEY}
listen:
  port: 9090
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MQTT.Broker != "broker.example.com" {
		t.Errorf("Broker = %q, want broker.example.com", cfg.MQTT.Broker)
	}
	if cfg.MQTT.Port != 8883 {
		t.Errorf("Port = %d, want 8883", cfg.MQTT.Port)
	}
	if !cfg.MQTT.UseTLS {
		t.Error("expected UseTLS = true")
	}
	if cfg.APIKey != "sekrit" {
		t.Errorf("APIKey = %q, want sekrit", cfg.APIKey)
	}
	if cfg.Listen.Port != 9090 {
		t.Errorf("Listen.Port = %d, want 9090", cfg.Listen.Port)
	}
}

func TestLoad_DefaultsSurvivePartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /var/lib/readergate\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MQTT.Port != 1883 {
		t.Errorf("MQTT.Port = %d, want default 1883", cfg.MQTT.Port)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT.QoS = %d, want default 1", cfg.MQTT.QoS)
	}
	if cfg.DataDir != "/var/lib/readergate" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
}

func TestWorkerDefaults(t *testing.T) {
	var w WorkersConfig

	if got := w.PumpInterval(); got != 10*time.Second {
		t.Errorf("PumpInterval = %v, want 10s", got)
	}
	if got := w.ReapInterval(); got != 10*time.Second {
		t.Errorf("ReapInterval = %v, want 10s", got)
	}
	if got := w.ReapThreshold(); got != 30*time.Second {
		t.Errorf("ReapThreshold = %v, want 30s", got)
	}
	if got := w.SchedulerInterval(); got != 60*time.Second {
		t.Errorf("SchedulerInterval = %v, want 60s", got)
	}
}

func TestMQTTConfigDurations(t *testing.T) {
	m := MQTTConfig{ReconnectDelaySec: 3, AckTimeoutSec: 7}
	if got := m.ReconnectDelay(); got != 3*time.Second {
		t.Errorf("ReconnectDelay = %v, want 3s", got)
	}
	if got := m.AckTimeout(); got != 7*time.Second {
		t.Errorf("AckTimeout = %v, want 7s", got)
	}

	var zero MQTTConfig
	if got := zero.ReconnectDelay(); got != 5*time.Second {
		t.Errorf("zero ReconnectDelay = %v, want 5s", got)
	}
	if got := zero.AckTimeout(); got != 10*time.Second {
		t.Errorf("zero AckTimeout = %v, want 10s", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
