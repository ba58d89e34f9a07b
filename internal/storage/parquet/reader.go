package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

const readBufferSize = 1024 * 1024

// ReadingReader reads reading rows from a Parquet file.
type ReadingReader struct {
	file   *os.File
	reader *parquet.GenericReader[ReadingRow]
}

// openFile opens path and parses its footer.
func openFile(path string) (*os.File, *parquet.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open file: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat file: %w", err)
	}
	pf, err := parquet.OpenFile(f, stat.Size(), parquet.ReadBufferSize(readBufferSize))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("open parquet %s: %w", path, err)
	}
	return f, pf, nil
}

// NewReadingReader creates a new reading Parquet reader.
func NewReadingReader(path string) (*ReadingReader, error) {
	f, pf, err := openFile(path)
	if err != nil {
		return nil, err
	}

	return &ReadingReader{
		file:   f,
		reader: parquet.NewGenericReader[ReadingRow](pf),
	}, nil
}

// Read reads up to n rows. It returns io.EOF once every row was read.
func (r *ReadingReader) Read(n int) ([]ReadingRow, error) {
	rows := make([]ReadingRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && !(errors.Is(err, io.EOF) && count > 0) {
		return nil, err
	}
	return rows[:count], nil
}

// NumRows returns the total number of rows in the file.
func (r *ReadingReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *ReadingReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// scanChunk is the number of rows Select reads at a time.
const scanChunk = 4096

// Select reads the rows of the export at path for which keep returns true,
// in file order. A positive limit stops the scan after that many rows.
// A nil keep selects every row.
func Select(path string, keep func(*ReadingRow) bool, limit int) ([]ReadingRow, error) {
	r, err := NewReadingReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	capacity := r.NumRows()
	if limit > 0 && int64(limit) < capacity {
		capacity = int64(limit)
	}
	out := make([]ReadingRow, 0, capacity)

	for {
		chunk, err := r.Read(scanChunk)
		for i := range chunk {
			if keep != nil && !keep(&chunk[i]) {
				continue
			}
			out = append(out, chunk[i])
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
		if errors.Is(err, io.EOF) || (err == nil && len(chunk) == 0) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
}

// ReadAll reads every row of the export at path.
func ReadAll(path string) ([]ReadingRow, error) {
	return Select(path, nil, 0)
}

// FileInfo holds information about a Parquet file.
type FileInfo struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	NumRows int64  `json:"num_rows"`
}

// GetFileInfo returns information about a Parquet file from its footer.
func GetFileInfo(path string) (*FileInfo, error) {
	f, pf, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return &FileInfo{
		Path:    path,
		Size:    pf.Size(),
		NumRows: pf.NumRows(),
	}, nil
}
