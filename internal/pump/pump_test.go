package pump

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/smartfleet/readergate/internal/store"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMsg
	err       error
}

type publishedMsg struct {
	topic   string
	payload any
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMsg{topic: topic, payload: payload})
	return nil
}

func (f *fakePublisher) messages() []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMsg(nil), f.published...)
}

func newTestPump(t *testing.T, pub *fakePublisher) (*Pump, *store.Store) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "readergate-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.CreateReader(&store.Reader{SerialNumber: "S1", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	return New(st, pub, nil, slog.Default(), 10*time.Second), st
}

func TestCyclePublishesClaimedCommands(t *testing.T) {
	pub := &fakePublisher{}
	p, st := newTestPump(t, pub)

	cmd := &store.Command{ReaderSerial: "S1", CommandType: store.CommandStart}
	if err := st.CreateCommand(cmd); err != nil {
		t.Fatal(err)
	}

	p.Cycle(context.Background())

	msgs := pub.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "smartreader/S1/control" {
		t.Errorf("topic = %q", msgs[0].topic)
	}

	body, ok := msgs[0].payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type = %T", msgs[0].payload)
	}
	if body["command"] != "start" || body["command_id"] != cmd.CommandID {
		t.Errorf("wire message = %v", body)
	}
	if payload, ok := body["payload"].(map[string]any); !ok || payload == nil {
		t.Errorf("payload member = %v, want empty object", body["payload"])
	}

	got, err := st.GetCommand(cmd.CommandID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusProcessing {
		t.Errorf("Status = %q, want PROCESSING", got.Status)
	}

	// A second cycle finds nothing to claim.
	p.Cycle(context.Background())
	if len(pub.messages()) != 1 {
		t.Error("second cycle re-published an already claimed command")
	}
}

func TestCyclePublishFailureLeavesProcessing(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker not connected")}
	p, st := newTestPump(t, pub)

	cmd := &store.Command{ReaderSerial: "S1", CommandType: store.CommandStart}
	if err := st.CreateCommand(cmd); err != nil {
		t.Fatal(err)
	}

	p.Cycle(context.Background())

	got, err := st.GetCommand(cmd.CommandID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusProcessing {
		t.Errorf("Status = %q, want PROCESSING for the reaper", got.Status)
	}
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		commandType string
		want        string
	}{
		{store.CommandStart, "smartreader/S1/control"},
		{store.CommandStop, "smartreader/S1/control"},
		{store.CommandMode, "smartreader/S1/control"},
		{store.CommandStatusDetailed, "smartreader/S1/manage"},
		{store.CommandUpgrade, "smartreader/S1/manage"},
	}
	for _, tt := range tests {
		if got := TopicFor("S1", tt.commandType); got != tt.want {
			t.Errorf("TopicFor(S1, %s) = %q, want %q", tt.commandType, got, tt.want)
		}
	}
}

func TestWireMessageModeNormalized(t *testing.T) {
	cmd := &store.Command{
		CommandID:    "cmd-1",
		ReaderSerial: "S1",
		CommandType:  store.CommandMode,
		Details: map[string]any{
			"type":     "INVENTORY",
			"antennas": []any{},
			"filter":   map[string]any{"value": ""},
		},
	}

	body := WireMessage(cmd)
	payload := body["payload"].(map[string]any)

	if _, ok := payload["antennas"]; ok {
		t.Error("empty antennas list survived normalization")
	}
	if _, ok := payload["filter"]; ok {
		t.Errorf("filter with only empty members survived normalization: %v", payload["filter"])
	}
	rssi, ok := payload["rssiFilter"].(map[string]any)
	if !ok {
		t.Fatal("rssiFilter missing from normalized mode payload")
	}
	if rssi["threshold"] != -92 {
		t.Errorf("threshold = %v, want -92", rssi["threshold"])
	}
}

func TestNormalizeModePayload(t *testing.T) {
	in := map[string]any{
		"type":       "INVENTORY",
		"interval":   nil,
		"antennas":   []any{float64(1), "", float64(2)},
		"filter":     map[string]any{},
		"transmit":   map[string]any{"power": float64(27), "mode": ""},
		"rssiFilter": map[string]any{"threshold": ""},
	}

	got := NormalizeModePayload(in)

	want := map[string]any{
		"type":       "INVENTORY",
		"antennas":   []any{float64(1), float64(2)},
		"transmit":   map[string]any{"power": float64(27)},
		"rssiFilter": map[string]any{"threshold": -92},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeModePayload() = %v, want %v", got, want)
	}
}

func TestNormalizeModePayloadDropsNestedEmptyMap(t *testing.T) {
	got := NormalizeModePayload(map[string]any{
		"filter": map[string]any{"value": ""},
	})

	if _, ok := got["filter"]; ok {
		t.Errorf("filter = %v, want key absent", got["filter"])
	}
	rssi := got["rssiFilter"].(map[string]any)
	if rssi["threshold"] != -92 {
		t.Errorf("threshold = %v, want -92", rssi["threshold"])
	}
}

func TestNormalizeModePayloadIdempotent(t *testing.T) {
	in := map[string]any{
		"type":    "INVENTORY",
		"filter":  map[string]any{"value": "", "match": map[string]any{}},
		"nested":  map[string]any{"deep": map[string]any{"value": nil}},
		"entries": []any{map[string]any{"id": ""}, "keep"},
	}

	first := NormalizeModePayload(in)
	second := NormalizeModePayload(first)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("second application changed the payload:\nfirst  = %v\nsecond = %v", first, second)
	}
}

func TestNormalizeModePayloadKeepsExplicitThreshold(t *testing.T) {
	got := NormalizeModePayload(map[string]any{
		"rssiFilter": map[string]any{"threshold": float64(-70)},
	})
	rssi := got["rssiFilter"].(map[string]any)
	if rssi["threshold"] != float64(-70) {
		t.Errorf("threshold = %v, want -70", rssi["threshold"])
	}
}

func TestNormalizeModePayloadNilDetails(t *testing.T) {
	got := NormalizeModePayload(nil)
	rssi, ok := got["rssiFilter"].(map[string]any)
	if !ok {
		t.Fatal("rssiFilter missing for nil details")
	}
	if rssi["threshold"] != -92 {
		t.Errorf("threshold = %v, want -92", rssi["threshold"])
	}
}
