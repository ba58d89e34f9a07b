package parquet

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/logging"
	"github.com/xtxerr/lidarlog/internal/storage/types"
)

var log = logging.Component("parquet")

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize is the target number of rows per row group
	RowGroupSize int

	// Overwrite replaces an existing export instead of failing
	Overwrite bool
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// ValidCompression reports whether s names a supported codec.
func ValidCompression(s string) bool {
	switch s {
	case "snappy", "zstd", "lz4", "gzip", "none", "":
		return true
	}
	return false
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// ReadingRow is one reading in Parquet format, keyed by its session.
type ReadingRow struct {
	Day       string  `parquet:"day,dict"`
	Session   string  `parquet:"session,dict"`
	Timestamp float64 `parquet:"timestamp"`
	Angle     float64 `parquet:"angle"`
	Distance  float64 `parquet:"distance"`
}

// ReadingToRow converts a Reading of session to a ReadingRow.
func ReadingToRow(session types.SessionInfo, r types.Reading) ReadingRow {
	return ReadingRow{
		Day:       session.Day,
		Session:   session.Name,
		Timestamp: r.Timestamp,
		Angle:     r.Angle,
		Distance:  r.Distance,
	}
}

// RowToReading converts a ReadingRow back to a Reading.
func RowToReading(r *ReadingRow) types.Reading {
	return types.Reading{Timestamp: r.Timestamp, Angle: r.Angle, Distance: r.Distance}
}

// ReadingWriter writes readings to a Parquet file.
type ReadingWriter struct {
	mu       sync.Mutex
	file     *os.File
	writer   *parquet.GenericWriter[ReadingRow]
	rowCount int64
	closed   bool
}

// NewReadingWriter creates a new reading Parquet writer.
func NewReadingWriter(path string, opts Options) (*ReadingWriter, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(int64(opts.RowGroupSize)))
	}

	writer := parquet.NewGenericWriter[ReadingRow](f, writerOpts...)

	return &ReadingWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write writes rows to the Parquet file.
func (w *ReadingWriter) Write(rows []ReadingRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *ReadingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *ReadingWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")

// =============================================================================
// Dataset export
// =============================================================================

// Source is a dataset whose sessions can be exported.
type Source interface {
	Sessions(day string) []types.SessionInfo
	SessionReadings(day, session string) iter.Seq2[types.Reading, error]
}

// ExportResult describes a finished export.
type ExportResult struct {
	Path     string `json:"path"`
	Sessions int    `json:"sessions"`
	Rows     int64  `json:"rows"`
}

const exportChunk = 4096

// ExportSessions writes every closed session of src to path. The file is
// written under a temporary name and renamed into place, so a failed
// export never leaves a partial file behind.
func ExportSessions(src Source, path string, opts Options) (ExportResult, error) {
	res := ExportResult{Path: path}

	if !opts.Overwrite {
		if _, err := os.Stat(path); err == nil {
			return res, errors.NewAlreadyExists("file", filepath.Base(path))
		}
	}

	tmp := path + ".tmp"
	w, err := NewReadingWriter(tmp, opts)
	if err != nil {
		return res, err
	}

	fail := func(err error) (ExportResult, error) {
		w.Close()
		os.Remove(tmp)
		return ExportResult{Path: path}, err
	}

	rows := make([]ReadingRow, 0, exportChunk)
	for _, sess := range src.Sessions("") {
		if !sess.Closed {
			continue
		}
		for r, err := range src.SessionReadings(sess.Day, sess.Name) {
			if err != nil {
				return fail(err)
			}
			rows = append(rows, ReadingToRow(sess, r))
			if len(rows) == exportChunk {
				if err := w.Write(rows); err != nil {
					return fail(err)
				}
				rows = rows[:0]
			}
		}
		res.Sessions++
	}
	if err := w.Write(rows); err != nil {
		return fail(err)
	}

	res.Rows = w.RowCount()
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return ExportResult{Path: path}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ExportResult{Path: path}, fmt.Errorf("rename export: %w", err)
	}

	log.Info("parquet export written", "path", path, "sessions", res.Sessions, "rows", res.Rows)
	return res, nil
}
