package types

// SessionSummary holds aggregated distance statistics for one session.
type SessionSummary struct {
	// Identity
	Day     string `json:"day"`
	Session string `json:"session"`

	// Count is every reading; Returns excludes zero distances (no echo).
	// Distance statistics cover returns only.
	Count   int64   `json:"count"`
	Returns int64   `json:"returns"`
	Min     float64 `json:"min_distance"`
	Max     float64 `json:"max_distance"`
	Avg     float64 `json:"avg_distance"`

	// Percentiles (nil if the session has no returns or sketching failed)
	P50 *float64 `json:"p50_distance,omitempty"`
	P90 *float64 `json:"p90_distance,omitempty"`
	P99 *float64 `json:"p99_distance,omitempty"`

	// Timestamps of the first and last reading, epoch seconds
	FirstTs float64 `json:"first_ts"`
	LastTs  float64 `json:"last_ts"`

	// Scans is the number of distinct poll cycles (distinct timestamps).
	Scans int64 `json:"scans"`
}

// IsEmpty returns true if no readings were aggregated.
func (s *SessionSummary) IsEmpty() bool {
	return s.Count == 0
}

// HasPercentiles returns true if percentile data is available.
func (s *SessionSummary) HasPercentiles() bool {
	return s.P50 != nil
}

// SetPercentiles sets the percentile values.
func (s *SessionSummary) SetPercentiles(p50, p90, p99 float64) {
	s.P50 = &p50
	s.P90 = &p90
	s.P99 = &p99
}
