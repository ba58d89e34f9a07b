package sessionstore

import (
	"testing"
	"time"

	"github.com/xtxerr/lidarlog/internal/storage/types"
)

func TestDecodeRecord_Batch(t *testing.T) {
	ref := sessionRef{Day: "2024_01_01", Seq: 7}
	cols := types.Columns{
		Timestamp: []float64{1.5, 1.5},
		Angle:     []float64{-3.14, 0.5},
		Distance:  []float64{0, 12.25},
	}

	rec, err := decodeRecord(encodeBatch(ref, cols))
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if rec.Kind != kindBatch || rec.Ref != ref {
		t.Fatalf("got %s %+v", rec.Kind, rec.Ref)
	}
	if rec.Columns.Len() != 2 || rec.Columns.Row(1) != cols.Row(1) {
		t.Errorf("columns = %+v", rec.Columns)
	}
}

func TestDecodeRecord_Truncated(t *testing.T) {
	start := time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC)
	payloads := map[string][]byte{
		"session": encodeSession(sessionRef{Day: "2024_01_01", Seq: 1}, start, "run.lidar"),
		"batch":   encodeBatch(sessionRef{Day: "2024_01_01", Seq: 1}, types.Columns{Timestamp: []float64{1}, Angle: []float64{2}, Distance: []float64{3}}),
		"close":   encodeClose(sessionRef{Day: "2024_01_01", Seq: 1}, start),
	}

	for name, p := range payloads {
		t.Run(name, func(t *testing.T) {
			if _, err := decodeRecord(p); err != nil {
				t.Fatalf("full payload: %v", err)
			}
			if _, err := decodeRecord(p[:len(p)-3]); err == nil {
				t.Error("expected error for truncated payload")
			}
		})
	}
}

func TestDecodeRecord_UnknownKind(t *testing.T) {
	p := encodeClose(sessionRef{Day: "2024_01_01", Seq: 1}, time.Now())
	p[0] = 99
	if _, err := decodeRecord(p); err == nil {
		t.Error("expected error for unknown kind")
	}
}
