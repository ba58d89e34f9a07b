package types

import (
	"testing"
	"time"
)

func TestColumnsLen(t *testing.T) {
	c := Columns{
		Timestamp: []float64{1, 1, 1},
		Angle:     []float64{0.1, 0.2, 0.3},
		Distance:  []float64{1.5, 1.6, 1.7},
	}
	if n := c.Len(); n != 3 {
		t.Errorf("Len() = %d, want 3", n)
	}
	if r := c.Row(1); r.Angle != 0.2 || r.Distance != 1.6 {
		t.Errorf("Row(1) = %+v", r)
	}

	c.Distance = c.Distance[:2]
	if n := c.Len(); n != -1 {
		t.Errorf("misaligned Len() = %d, want -1", n)
	}
}

func TestNames(t *testing.T) {
	day := time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
	if got := DayName(day); got != "2024_01_01" {
		t.Errorf("DayName = %q", got)
	}
	if got := SessionName(1); got != "session_001" {
		t.Errorf("SessionName(1) = %q", got)
	}
	if got := SessionName(1234); got != "session_1234" {
		t.Errorf("SessionName(1234) = %q", got)
	}

	info := SessionInfo{Day: "2024_01_01", Name: "session_002"}
	if got := info.Path(); got != "2024_01_01/session_002" {
		t.Errorf("Path = %q", got)
	}
}

func TestEpochSecondsRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 500_000_000, time.UTC)
	secs := EpochSeconds(ts)
	if secs != 1704110400.5 {
		t.Errorf("EpochSeconds = %v", secs)
	}
	back := FromEpochSeconds(secs)
	if d := back.Sub(ts); d > time.Microsecond || d < -time.Microsecond {
		t.Errorf("round trip drift %v", d)
	}
}

func TestSummaryPercentiles(t *testing.T) {
	var s SessionSummary
	if s.HasPercentiles() || !s.IsEmpty() {
		t.Fatal("zero summary should be empty without percentiles")
	}
	s.SetPercentiles(1, 2, 3)
	if !s.HasPercentiles() || *s.P90 != 2 {
		t.Errorf("percentiles not set: %+v", s)
	}
}
