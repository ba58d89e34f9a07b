package aggregate

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/lidarlog/internal/storage/types"
)

// DefaultAccuracy is the relative accuracy of distance percentiles.
const DefaultAccuracy = 0.01

// StreamingAggregate maintains running distance statistics for a single
// session. It supports optional percentile calculation using DDSketch.
type StreamingAggregate struct {
	mu sync.Mutex

	// Identity
	day     string
	session string

	// Running statistics
	count   int64
	returns int64
	sum     float64
	min     float64
	max     float64
	firstTs float64
	lastTs  float64

	// Distinct poll cycles; readings of one cycle share a timestamp and
	// arrive contiguously.
	scans  int64
	scanTs float64

	// DDSketch for percentiles (nil if disabled)
	sketch *ddsketch.DDSketch
}

// New creates a new StreamingAggregate for a session.
func New(day, session string, enablePercentile bool) *StreamingAggregate {
	if enablePercentile {
		return NewWithAccuracy(day, session, DefaultAccuracy)
	}
	return &StreamingAggregate{
		day:     day,
		session: session,
		min:     math.MaxFloat64,
		max:     -math.MaxFloat64,
	}
}

// NewWithAccuracy creates a new StreamingAggregate with custom percentile accuracy.
func NewWithAccuracy(day, session string, accuracy float64) *StreamingAggregate {
	agg := &StreamingAggregate{
		day:     day,
		session: session,
		min:     math.MaxFloat64,
		max:     -math.MaxFloat64,
	}

	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err == nil {
		agg.sketch = sketch
	}

	return agg
}

// Add adds a reading to the aggregate. Zero distances count as readings
// but not as returns.
func (a *StreamingAggregate) Add(r types.Reading) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == 0 || r.Timestamp != a.scanTs {
		a.scans++
		a.scanTs = r.Timestamp
	}

	if a.count == 0 || r.Timestamp < a.firstTs {
		a.firstTs = r.Timestamp
	}
	if a.count == 0 || r.Timestamp > a.lastTs {
		a.lastTs = r.Timestamp
	}
	a.count++

	if r.Distance <= 0 || math.IsNaN(r.Distance) {
		return
	}

	a.returns++
	a.sum += r.Distance
	if r.Distance < a.min {
		a.min = r.Distance
	}
	if r.Distance > a.max {
		a.max = r.Distance
	}

	if a.sketch != nil {
		a.sketch.Add(r.Distance)
	}
}

// Count returns the number of readings added.
func (a *StreamingAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// IsEmpty returns true if no readings have been added.
func (a *StreamingAggregate) IsEmpty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count == 0
}

// Result returns the session summary.
func (a *StreamingAggregate) Result() types.SessionSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := types.SessionSummary{
		Day:     a.day,
		Session: a.session,
		Count:   a.count,
		Returns: a.returns,
		FirstTs: a.firstTs,
		LastTs:  a.lastTs,
		Scans:   a.scans,
	}

	if a.returns > 0 {
		result.Avg = a.sum / float64(a.returns)
		result.Min = a.min
		result.Max = a.max
	}

	if a.sketch != nil && a.returns > 0 {
		p50, _ := a.sketch.GetValueAtQuantile(0.50)
		p90, _ := a.sketch.GetValueAtQuantile(0.90)
		p99, _ := a.sketch.GetValueAtQuantile(0.99)
		result.SetPercentiles(p50, p90, p99)
	}

	return result
}

// Merge combines another aggregate of the same session into this one.
func (a *StreamingAggregate) Merge(other *StreamingAggregate) {
	if other == nil || other == a {
		return
	}

	a.mu.Lock()
	other.mu.Lock()
	defer a.mu.Unlock()
	defer other.mu.Unlock()

	if other.count == 0 {
		return
	}

	if a.count == 0 || other.firstTs < a.firstTs {
		a.firstTs = other.firstTs
	}
	if a.count == 0 || other.lastTs > a.lastTs {
		a.lastTs = other.lastTs
	}

	a.count += other.count
	a.returns += other.returns
	a.sum += other.sum
	a.scans += other.scans

	if other.min < a.min {
		a.min = other.min
	}
	if other.max > a.max {
		a.max = other.max
	}

	// Merge sketches
	if a.sketch != nil && other.sketch != nil {
		a.sketch.MergeWith(other.sketch)
	}
}

// Key returns "day/session".
func (a *StreamingAggregate) Key() string {
	return a.day + "/" + a.session
}
