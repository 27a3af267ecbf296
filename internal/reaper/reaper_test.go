package reaper

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartfleet/readergate/internal/events"
	"github.com/smartfleet/readergate/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "readergate-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.CreateReader(&store.Reader{SerialNumber: "S1", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestCycleTimesOutStaleCommands(t *testing.T) {
	st := newTestStore(t)
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	cmd := &store.Command{ReaderSerial: "S1", CommandType: store.CommandStart}
	if err := st.CreateCommand(cmd); err != nil {
		t.Fatal(err)
	}
	// Claim with a timestamp a minute in the past so the command is stale.
	if _, err := st.ClaimPendingCommands(time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	r := New(st, bus, slog.Default(), 10*time.Second, 30*time.Second)
	r.Cycle()

	got, err := st.GetCommand(cmd.CommandID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusFailed {
		t.Errorf("Status = %q, want FAILED", got.Status)
	}
	if got.Response != "Command processing timed out" {
		t.Errorf("Response = %q", got.Response)
	}

	select {
	case evt := <-ch:
		if evt.Kind != events.KindCommandReaped {
			t.Errorf("event kind = %q", evt.Kind)
		}
		if evt.Data["command_id"] != cmd.CommandID {
			t.Errorf("event command_id = %v", evt.Data["command_id"])
		}
	case <-time.After(time.Second):
		t.Error("no reap event published")
	}
}

func TestCycleLeavesFreshCommands(t *testing.T) {
	st := newTestStore(t)

	processing := &store.Command{ReaderSerial: "S1", CommandType: store.CommandStart}
	pending := &store.Command{ReaderSerial: "S1", CommandType: store.CommandStop}
	if err := st.CreateCommand(processing); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ClaimPendingCommands(time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateCommand(pending); err != nil {
		t.Fatal(err)
	}

	r := New(st, nil, slog.Default(), 10*time.Second, 30*time.Second)
	r.Cycle()

	for _, cmd := range []*store.Command{processing, pending} {
		got, err := st.GetCommand(cmd.CommandID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == store.StatusFailed {
			t.Errorf("command %s was reaped but is not stale", cmd.CommandID)
		}
	}
}
