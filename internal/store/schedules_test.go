package store

import (
	"testing"
	"time"
)

func TestDueScheduledCommands(t *testing.T) {
	s := newTestStore(t)
	newTestReader(t, s, "37022341016")

	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	due := &ScheduledCommand{
		ReaderSerial:  "37022341016",
		CommandType:   CommandStart,
		ScheduledTime: now.Add(-time.Minute),
		Recurrence:    RecurrenceDaily,
		IsActive:      true,
	}
	future := &ScheduledCommand{
		ReaderSerial:  "37022341016",
		CommandType:   CommandStop,
		ScheduledTime: now.Add(time.Hour),
		Recurrence:    RecurrenceDaily,
		IsActive:      true,
	}
	inactive := &ScheduledCommand{
		ReaderSerial:  "37022341016",
		CommandType:   CommandStart,
		ScheduledTime: now.Add(-time.Hour),
		Recurrence:    RecurrenceDaily,
		IsActive:      false,
	}
	for _, sc := range []*ScheduledCommand{due, future, inactive} {
		if err := s.CreateScheduledCommand(sc); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.DueScheduledCommands(now)
	if err != nil {
		t.Fatalf("DueScheduledCommands() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("due = %d rows, want exactly the overdue active row", len(got))
	}
}

func TestAdvanceScheduleRecurring(t *testing.T) {
	s := newTestStore(t)
	newTestReader(t, s, "37022341016")

	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		recurrence string
		want       time.Time
	}{
		{RecurrenceDaily, start.Add(24 * time.Hour)},
		{RecurrenceWeekly, start.Add(7 * 24 * time.Hour)},
		{RecurrenceMonthly, start.Add(30 * 24 * time.Hour)},
	}

	for _, tt := range tests {
		sc := &ScheduledCommand{
			ReaderSerial:  "37022341016",
			CommandType:   CommandStart,
			ScheduledTime: start,
			Recurrence:    tt.recurrence,
			IsActive:      true,
		}
		if err := s.CreateScheduledCommand(sc); err != nil {
			t.Fatal(err)
		}

		firedAt := start.Add(time.Minute)
		if err := s.AdvanceSchedule(sc, firedAt); err != nil {
			t.Fatalf("AdvanceSchedule(%s) error = %v", tt.recurrence, err)
		}

		got, err := s.GetScheduledCommand(sc.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.ScheduledTime.Equal(tt.want) {
			t.Errorf("%s: scheduled_time = %v, want %v", tt.recurrence, got.ScheduledTime, tt.want)
		}
		if !got.IsActive {
			t.Errorf("%s: schedule was deactivated", tt.recurrence)
		}
		if got.LastRun == nil || !got.LastRun.Equal(firedAt) {
			t.Errorf("%s: last_run = %v, want %v", tt.recurrence, got.LastRun, firedAt)
		}
	}
}

func TestAdvanceScheduleOnceDeactivates(t *testing.T) {
	s := newTestStore(t)
	newTestReader(t, s, "37022341016")

	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	sc := &ScheduledCommand{
		ReaderSerial:  "37022341016",
		CommandType:   CommandStatusDetailed,
		ScheduledTime: start,
		Recurrence:    RecurrenceOnce,
		IsActive:      true,
	}
	if err := s.CreateScheduledCommand(sc); err != nil {
		t.Fatal(err)
	}

	if err := s.AdvanceSchedule(sc, start.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetScheduledCommand(sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive {
		t.Error("ONCE schedule still active after firing")
	}
	if !got.ScheduledTime.Equal(start) {
		t.Errorf("ONCE schedule time moved to %v", got.ScheduledTime)
	}

	due, err := s.DueScheduledCommands(start.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("fired ONCE schedule still reported due")
	}
}

func TestDeleteScheduledCommand(t *testing.T) {
	s := newTestStore(t)
	newTestReader(t, s, "37022341016")

	sc := &ScheduledCommand{
		ReaderSerial:  "37022341016",
		CommandType:   CommandStart,
		ScheduledTime: time.Now(),
		Recurrence:    RecurrenceOnce,
		IsActive:      true,
	}
	if err := s.CreateScheduledCommand(sc); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteScheduledCommand(sc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetScheduledCommand(sc.ID); err != ErrNotFound {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteScheduledCommand(sc.ID); err != ErrNotFound {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}
