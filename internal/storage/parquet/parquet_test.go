package parquet

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/storage/sessionstore"
)

func TestReadingWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readings.parquet")

	rows := []ReadingRow{
		{Day: "2024_01_01", Session: "session_001", Timestamp: 1704110400.25, Angle: -3.1, Distance: 1.5},
		{Day: "2024_01_01", Session: "session_001", Timestamp: 1704110400.25, Angle: 0.5, Distance: 0},
		{Day: "2024_01_02", Session: "session_001", Timestamp: 1704196800, Angle: 3.1, Distance: 12.25},
	}

	// Write
	w, err := NewReadingWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewReadingWriter: %v", err)
	}
	if err := w.Write(rows); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.RowCount() != 3 {
		t.Errorf("RowCount = %d, want 3", w.RowCount())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write(rows); err != ErrWriterClosed {
		t.Errorf("Write after Close = %v, want ErrWriterClosed", err)
	}

	// Read
	got, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("read %d rows, want %d", len(got), len(rows))
	}
	for i := range rows {
		if got[i] != rows[i] {
			t.Errorf("row %d = %+v, want %+v", i, got[i], rows[i])
		}
	}
}

func TestCompressionTypes(t *testing.T) {
	for _, name := range []string{"none", "snappy", "zstd", "lz4", "gzip"} {
		t.Run(name, func(t *testing.T) {
			if !ValidCompression(name) {
				t.Fatalf("%s should be valid", name)
			}
			path := filepath.Join(t.TempDir(), "c.parquet")
			w, err := NewReadingWriter(path, Options{Compression: ParseCompressionType(name)})
			if err != nil {
				t.Fatal(err)
			}
			if err := w.Write([]ReadingRow{{Day: "d", Session: "s", Distance: 1}}); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}
			info, err := GetFileInfo(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.NumRows != 1 {
				t.Errorf("NumRows = %d, want 1", info.NumRows)
			}
		})
	}
	if ValidCompression("brotli") {
		t.Error("brotli should be rejected")
	}
}

func TestReaderChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.parquet")
	w, err := NewReadingWriter(path, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	rows := make([]ReadingRow, 10)
	for i := range rows {
		rows[i] = ReadingRow{Day: "d", Session: "s", Timestamp: float64(i)}
	}
	if err := w.Write(rows); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := NewReadingReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	total := 0
	for total < 10 {
		chunk, err := r.Read(4)
		if len(chunk) == 0 {
			t.Fatalf("empty chunk after %d rows: %v", total, err)
		}
		for i, row := range chunk {
			if row.Timestamp != float64(total+i) {
				t.Errorf("row %d timestamp = %v", total+i, row.Timestamp)
			}
		}
		total += len(chunk)
	}
	if total != 10 {
		t.Errorf("read %d rows, want 10", total)
	}
}

func TestSelect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "select.parquet")
	w, err := NewReadingWriter(path, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	rows := make([]ReadingRow, 10000)
	for i := range rows {
		rows[i] = ReadingRow{Day: "d", Session: "s", Timestamp: float64(i), Angle: float64(i % 10)}
	}
	if err := w.Write(rows); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	even := func(r *ReadingRow) bool { return int(r.Angle)%2 == 0 }

	tests := []struct {
		name  string
		keep  func(*ReadingRow) bool
		limit int
		want  int
	}{
		{"all", nil, 0, 10000},
		{"filtered", even, 0, 5000},
		{"limit across chunks", nil, scanChunk + 1, scanChunk + 1},
		{"filtered with limit", even, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(path, tt.keep, tt.limit)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("got %d rows, want %d", len(got), tt.want)
			}
			for i := 1; i < len(got); i++ {
				if got[i].Timestamp <= got[i-1].Timestamp {
					t.Fatalf("rows out of file order at %d", i)
				}
			}
		})
	}
}

func TestReader_NotParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.parquet")
	if err := os.WriteFile(path, []byte("this is not parquet"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReadingReader(path); err == nil {
		t.Error("NewReadingReader accepted a non-parquet file")
	}
	if _, err := GetFileInfo(path); err == nil {
		t.Error("GetFileInfo accepted a non-parquet file")
	}
	if _, err := GetFileInfo(filepath.Join(t.TempDir(), "missing.parquet")); err == nil {
		t.Error("GetFileInfo of a missing file succeeded")
	}
}

// writeDataset leaves the store open so its last session stays open.
func writeDataset(t *testing.T, path string) *sessionstore.Store {
	t.Helper()
	s, err := sessionstore.Open(path, sessionstore.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	day := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	first, err := s.BeginSession(day, "d.lidar")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append(first, []float64{1, 1}, []float64{0.1, 0.2}, []float64{2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := s.CloseSession(first); err != nil {
		t.Fatal(err)
	}

	second, err := s.BeginSession(day, "d.lidar")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append(second, []float64{5}, []float64{1}, []float64{4}); err != nil {
		t.Fatal(err)
	}
	if err := s.CloseSession(second); err != nil {
		t.Fatal(err)
	}

	// Left open, not exported.
	open, err := s.BeginSession(day.Add(24*time.Hour), "d.lidar")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append(open, []float64{9}, []float64{1}, []float64{1}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExportSessions(t *testing.T) {
	dir := t.TempDir()
	dataset := filepath.Join(dir, "d.lidar")
	src := writeDataset(t, dataset)

	out := filepath.Join(dir, "d.parquet")
	res, err := ExportSessions(src, out, DefaultOptions())
	if err != nil {
		t.Fatalf("ExportSessions: %v", err)
	}
	if res.Sessions != 2 || res.Rows != 3 {
		t.Errorf("result = %+v, want 2 sessions and 3 rows", res)
	}
	if _, err := os.Stat(out + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind: %v", err)
	}

	rows, err := ReadAll(out)
	if err != nil {
		t.Fatal(err)
	}
	want := []ReadingRow{
		{Day: "2024_01_01", Session: "session_001", Timestamp: 1, Angle: 0.1, Distance: 2},
		{Day: "2024_01_01", Session: "session_001", Timestamp: 1, Angle: 0.2, Distance: 3},
		{Day: "2024_01_01", Session: "session_002", Timestamp: 5, Angle: 1, Distance: 4},
	}
	if len(rows) != len(want) {
		t.Fatalf("rows = %+v", rows)
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, rows[i], want[i])
		}
	}

	if _, err := ExportSessions(src, out, DefaultOptions()); !errors.Is(err, errors.ErrAlreadyExists) {
		t.Errorf("second export error = %v, want ErrAlreadyExists", err)
	}

	opts := DefaultOptions()
	opts.Overwrite = true
	if _, err := ExportSessions(src, out, opts); err != nil {
		t.Errorf("overwrite export: %v", err)
	}
}
