package scheduler

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartfleet/readergate/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "readergate-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.CreateReader(&store.Reader{SerialNumber: "S1", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	return New(st, nil, slog.Default(), time.Minute), st
}

func TestCycleFiresDueSchedule(t *testing.T) {
	s, st := newTestScheduler(t)

	sc := &store.ScheduledCommand{
		ReaderSerial:  "S1",
		CommandType:   store.CommandStatusDetailed,
		ScheduledTime: time.Now().Add(-time.Minute),
		Recurrence:    store.RecurrenceDaily,
		IsActive:      true,
	}
	if err := st.CreateScheduledCommand(sc); err != nil {
		t.Fatal(err)
	}

	s.Cycle()

	cmds, err := st.ListCommands("S1", store.StatusPending, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 1 {
		t.Fatalf("enqueued %d commands, want 1", len(cmds))
	}
	if cmds[0].CommandType != store.CommandStatusDetailed {
		t.Errorf("CommandType = %q", cmds[0].CommandType)
	}
	if len(cmds[0].Details) != 0 {
		t.Errorf("Details = %v, want empty", cmds[0].Details)
	}

	got, err := st.GetScheduledCommand(sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRun == nil {
		t.Error("last_run not stamped")
	}
	if !got.ScheduledTime.After(time.Now()) {
		t.Errorf("scheduled_time = %v, want advanced past now", got.ScheduledTime)
	}
}

func TestCycleSkipsFutureAndInactive(t *testing.T) {
	s, st := newTestScheduler(t)

	future := &store.ScheduledCommand{
		ReaderSerial:  "S1",
		CommandType:   store.CommandStart,
		ScheduledTime: time.Now().Add(time.Hour),
		Recurrence:    store.RecurrenceDaily,
		IsActive:      true,
	}
	inactive := &store.ScheduledCommand{
		ReaderSerial:  "S1",
		CommandType:   store.CommandStop,
		ScheduledTime: time.Now().Add(-time.Hour),
		Recurrence:    store.RecurrenceDaily,
		IsActive:      false,
	}
	for _, sc := range []*store.ScheduledCommand{future, inactive} {
		if err := st.CreateScheduledCommand(sc); err != nil {
			t.Fatal(err)
		}
	}

	s.Cycle()

	cmds, err := st.ListCommands("", "", 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 0 {
		t.Errorf("enqueued %d commands, want 0", len(cmds))
	}
}

func TestCycleOnceScheduleFiresOnce(t *testing.T) {
	s, st := newTestScheduler(t)

	sc := &store.ScheduledCommand{
		ReaderSerial:  "S1",
		CommandType:   store.CommandStart,
		ScheduledTime: time.Now().Add(-time.Minute),
		Recurrence:    store.RecurrenceOnce,
		IsActive:      true,
	}
	if err := st.CreateScheduledCommand(sc); err != nil {
		t.Fatal(err)
	}

	s.Cycle()
	s.Cycle()

	cmds, err := st.ListCommands("S1", "", 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 1 {
		t.Fatalf("ONCE schedule enqueued %d commands, want 1", len(cmds))
	}

	got, err := st.GetScheduledCommand(sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive {
		t.Error("ONCE schedule still active")
	}
}

func TestCycleEnqueueFailureLeavesScheduleDue(t *testing.T) {
	s, st := newTestScheduler(t)

	// An invalid command type makes the enqueue fail every time.
	sc := &store.ScheduledCommand{
		ReaderSerial:  "S1",
		CommandType:   store.CommandStart,
		ScheduledTime: time.Now().Add(-time.Minute),
		Recurrence:    store.RecurrenceDaily,
		IsActive:      true,
	}
	if err := st.CreateScheduledCommand(sc); err != nil {
		t.Fatal(err)
	}
	if _, err := st.DB().Exec(`UPDATE scheduled_commands SET command_type = 'bogus' WHERE id = ?`, sc.ID); err != nil {
		t.Fatal(err)
	}

	s.Cycle()

	got, err := st.GetScheduledCommand(sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRun != nil {
		t.Error("failed enqueue advanced last_run")
	}
	if !got.IsActive {
		t.Error("failed enqueue deactivated schedule")
	}

	due, err := st.DueScheduledCommands(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Errorf("schedule not left due after enqueue failure")
	}
}
