package store

import (
	"errors"
	"testing"
)

func TestAlertCRUD(t *testing.T) {
	s := newTestStore(t)

	alert := &Alert{Name: "reader offline", ConditionType: "reader_offline", IsActive: true}
	if err := s.CreateAlert(alert); err != nil {
		t.Fatal(err)
	}
	if alert.ID == "" {
		t.Fatal("CreateAlert did not assign an ID")
	}

	got, err := s.GetAlert(alert.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "reader offline" || !got.IsActive {
		t.Errorf("alert = %+v", got)
	}

	active, err := s.ToggleAlert(alert.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active {
		t.Error("toggle of an active alert should deactivate it")
	}

	if err := s.DeleteAlert(alert.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetAlert(alert.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAlert after delete: err = %v, want ErrNotFound", err)
	}
}

func TestAlertLogsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	alert := &Alert{Name: "high rssi", ConditionType: "rssi_above", Threshold: -40, IsActive: true}
	if err := s.CreateAlert(alert); err != nil {
		t.Fatal(err)
	}

	for _, d := range []string{"first", "second"} {
		if err := s.AppendAlertLog(&AlertLog{AlertID: alert.ID, ReaderSerial: "S1", Details: d}); err != nil {
			t.Fatal(err)
		}
	}

	logs, err := s.ListAlertLogs(alert.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(logs))
	}
	if logs[0].Details != "second" || logs[1].Details != "first" {
		t.Errorf("logs not newest first: %q, %q", logs[0].Details, logs[1].Details)
	}
}
