package types

import (
	"fmt"
	"time"

	"github.com/xtxerr/lidarlog/internal/constants"
)

// Reading is one ranging sample. Readings are immutable once written.
type Reading struct {
	// Timestamp is wall-clock seconds since the Unix epoch. All points of
	// one poll cycle share the same timestamp.
	Timestamp float64

	// Angle in radians, as reported by the sensor.
	Angle float64

	// Distance in meters. Zero means no return.
	Distance float64
}

// Time returns the timestamp as a time.Time.
func (r Reading) Time() time.Time {
	return FromEpochSeconds(r.Timestamp)
}

// Columns holds index-aligned reading columns: row i across the three
// slices is one reading.
type Columns struct {
	Timestamp []float64
	Angle     []float64
	Distance  []float64
}

// Len returns the row count, or -1 if the columns are not aligned.
func (c Columns) Len() int {
	n := len(c.Timestamp)
	if len(c.Angle) != n || len(c.Distance) != n {
		return -1
	}
	return n
}

// Row returns row i as a Reading.
func (c Columns) Row(i int) Reading {
	return Reading{Timestamp: c.Timestamp[i], Angle: c.Angle[i], Distance: c.Distance[i]}
}

// EpochSeconds converts t to float seconds since the Unix epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromEpochSeconds converts float epoch seconds back to a time.Time.
func FromEpochSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9))
}

// =============================================================================
// Sessions
// =============================================================================

// DayName returns the day group name of t in t's location (2024_01_01).
func DayName(t time.Time) string {
	return t.Format(constants.DayLayout)
}

// SessionName returns the name of the session with the given sequence number.
func SessionName(seq int) string {
	return fmt.Sprintf(constants.SessionNameFormat, seq)
}

// SessionInfo describes one session of a day group.
type SessionInfo struct {
	Day       string    `json:"day"`
	Seq       int       `json:"seq"`
	Name      string    `json:"name"`
	Filename  string    `json:"filename"`
	StartTime time.Time `json:"start_time"`
	Rows      int64     `json:"rows"`
	Closed    bool      `json:"closed"`
}

// Path returns "day/session", the hierarchical key of the session.
func (s SessionInfo) Path() string {
	return s.Day + "/" + s.Name
}
