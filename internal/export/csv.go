// Package export converts datasets to CSV.
package export

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xtxerr/lidarlog/internal/constants"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/logging"
	"github.com/xtxerr/lidarlog/internal/storage/types"
)

var log = logging.Component("export")

// Source is a dataset whose readings can be exported.
type Source interface {
	Sessions(day string) []types.SessionInfo
	SessionReadings(day, session string) iter.Seq2[types.Reading, error]
}

// Readings yields the readings of every closed session of src in storage
// order.
func Readings(src Source) iter.Seq2[types.Reading, error] {
	return func(yield func(types.Reading, error) bool) {
		for _, sess := range src.Sessions("") {
			if !sess.Closed {
				continue
			}
			for r, err := range src.SessionReadings(sess.Day, sess.Name) {
				if !yield(r, err) || err != nil {
					return
				}
			}
		}
	}
}

// WriteCSV writes the header and one row per reading. It returns the
// number of rows written.
func WriteCSV(w io.Writer, readings iter.Seq2[types.Reading, error]) (int64, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(constants.CSVHeader); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	var n int64
	row := make([]string, 3)
	for r, err := range readings {
		if err != nil {
			return n, err
		}
		row[0] = formatFloat(r.Timestamp)
		row[1] = formatFloat(r.Angle)
		row[2] = formatFloat(r.Distance)
		if err := cw.Write(row); err != nil {
			return n, fmt.Errorf("write row: %w", err)
		}
		n++
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return n, fmt.Errorf("flush csv: %w", err)
	}
	return n, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ConvertToCSV writes all closed sessions of src to dst. An existing dst
// is never overwritten.
func ConvertToCSV(src Source, dst string) (int64, error) {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return 0, errors.NewAlreadyExists("file", filepath.Base(dst))
		}
		return 0, fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}

	bw := bufio.NewWriter(f)
	n, err := WriteCSV(bw, Readings(src))
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return 0, err
	}

	log.Info("csv export written", "path", dst, "rows", n)
	return n, nil
}
