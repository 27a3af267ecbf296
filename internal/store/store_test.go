package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "readergate-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestReader(t *testing.T, s *Store, serial string) {
	t.Helper()
	err := s.CreateReader(&Reader{
		SerialNumber: serial,
		IPAddress:    "10.0.0.15",
		Location:     "dock 3",
		Enabled:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate() error = %v", err)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	out := parseTime(formatTime(in))
	if !out.Equal(in) {
		t.Errorf("round trip = %v, want %v", out, in)
	}
}

func TestFormatTimeSortsChronologically(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	stamps := []time.Time{
		base,
		base.Add(100 * time.Millisecond),
		base.Add(150 * time.Millisecond),
		base.Add(150*time.Millisecond + time.Nanosecond),
		base.Add(time.Second),
	}
	for i := 1; i < len(stamps); i++ {
		a, b := formatTime(stamps[i-1]), formatTime(stamps[i])
		if !(a < b) {
			t.Errorf("formatTime(%v) = %q sorts at or after formatTime(%v) = %q", stamps[i-1], a, stamps[i], b)
		}
	}
}
