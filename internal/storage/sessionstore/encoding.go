package sessionstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/xtxerr/lidarlog/internal/storage/types"
)

// File format (little-endian):
//
//	Header:  8 bytes magic + 4 bytes version
//	Records: [4 bytes length][4 bytes crc32][payload]
//
// Payload layouts by kind (first payload byte):
//
//	session: kind, day, seq (4), start_time (RFC 3339 string), filename
//	batch:   kind, day, seq (4), count (4), count*ts (8), count*angle (8), count*distance (8)
//	close:   kind, day, seq (4), end_time (RFC 3339 string)
//
// Strings are a 2 byte length followed by the bytes. A batch record carries
// all three columns, so a record is either fully present (CRC valid) or
// not present at all: readers can never observe columns of unequal length.
const (
	storeMagic       = 0x4C49444152010001 // "LIDAR" + format 1
	storeVersion     = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc

	maxRecordSize = 64 * 1024 * 1024
	maxBatchRows  = (maxRecordSize - 64) / 24
)

type recordKind byte

const (
	kindSession recordKind = 1
	kindBatch   recordKind = 2
	kindClose   recordKind = 3
)

func (k recordKind) String() string {
	switch k {
	case kindSession:
		return "session"
	case kindBatch:
		return "batch"
	case kindClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// sessionRef identifies a session inside a record.
type sessionRef struct {
	Day string
	Seq int
}

// record is a decoded payload. Only the fields of its kind are set.
type record struct {
	Kind     recordKind
	Ref      sessionRef
	Time     time.Time // start time (session) or end time (close)
	Filename string
	Columns  types.Columns
}

// =============================================================================
// Encoding
// =============================================================================

func encodeSession(ref sessionRef, start time.Time, filename string) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(kindSession))
	buf = appendRef(buf, ref)
	buf = appendString(buf, start.Format(time.RFC3339Nano))
	buf = appendString(buf, filename)
	return buf
}

func encodeBatch(ref sessionRef, cols types.Columns) []byte {
	n := len(cols.Timestamp)
	buf := make([]byte, 0, 16+len(ref.Day)+n*24)
	buf = append(buf, byte(kindBatch))
	buf = appendRef(buf, ref)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
	for _, v := range cols.Timestamp {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	for _, v := range cols.Angle {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	for _, v := range cols.Distance {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

func encodeClose(ref sessionRef, end time.Time) []byte {
	buf := make([]byte, 0, 48)
	buf = append(buf, byte(kindClose))
	buf = appendRef(buf, ref)
	buf = appendString(buf, end.Format(time.RFC3339Nano))
	return buf
}

// frame prepends the record header to a payload.
func frame(payload []byte) []byte {
	out := make([]byte, recordHeaderSize, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(out[4:8], crc32.ChecksumIEEE(payload))
	return append(out, payload...)
}

func appendRef(buf []byte, ref sessionRef) []byte {
	buf = appendString(buf, ref.Day)
	return binary.LittleEndian.AppendUint32(buf, uint32(ref.Seq))
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// =============================================================================
// Decoding
// =============================================================================

// decodeRecord decodes a payload whose CRC has already been verified.
func decodeRecord(data []byte) (record, error) {
	var rec record
	if len(data) < 1 {
		return rec, fmt.Errorf("empty payload")
	}
	rec.Kind = recordKind(data[0])
	offset := 1

	var err error
	rec.Ref, offset, err = readRef(data, offset)
	if err != nil {
		return rec, fmt.Errorf("%s record: %w", rec.Kind, err)
	}

	switch rec.Kind {
	case kindSession:
		var start string
		start, offset, err = readString(data, offset)
		if err != nil {
			return rec, fmt.Errorf("session start_time: %w", err)
		}
		if rec.Time, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return rec, fmt.Errorf("session start_time: %w", err)
		}
		rec.Filename, _, err = readString(data, offset)
		if err != nil {
			return rec, fmt.Errorf("session filename: %w", err)
		}

	case kindBatch:
		rec.Columns, err = readColumns(data, offset)
		if err != nil {
			return rec, fmt.Errorf("batch columns: %w", err)
		}

	case kindClose:
		var end string
		end, _, err = readString(data, offset)
		if err != nil {
			return rec, fmt.Errorf("close end_time: %w", err)
		}
		if rec.Time, err = time.Parse(time.RFC3339Nano, end); err != nil {
			return rec, fmt.Errorf("close end_time: %w", err)
		}

	default:
		return rec, fmt.Errorf("unknown record kind %d", byte(rec.Kind))
	}

	return rec, nil
}

// batchRowCount reads the row count of a batch payload without decoding
// the columns.
func batchRowCount(data []byte) (int, error) {
	_, offset, err := readRef(data, 1)
	if err != nil {
		return 0, err
	}
	if offset+4 > len(data) {
		return 0, fmt.Errorf("data too short for row count")
	}
	return int(binary.LittleEndian.Uint32(data[offset:])), nil
}

func readColumns(data []byte, offset int) (types.Columns, error) {
	var cols types.Columns
	if offset+4 > len(data) {
		return cols, fmt.Errorf("data too short for row count")
	}
	n := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	if n > maxBatchRows || offset+n*24 > len(data) {
		return cols, fmt.Errorf("data too short for %d rows", n)
	}

	cols.Timestamp = make([]float64, n)
	cols.Angle = make([]float64, n)
	cols.Distance = make([]float64, n)
	for _, col := range [][]float64{cols.Timestamp, cols.Angle, cols.Distance} {
		for i := range col {
			col[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
			offset += 8
		}
	}
	return cols, nil
}

func readRef(data []byte, offset int) (sessionRef, int, error) {
	var ref sessionRef
	var err error
	ref.Day, offset, err = readString(data, offset)
	if err != nil {
		return ref, offset, fmt.Errorf("day: %w", err)
	}
	if offset+4 > len(data) {
		return ref, offset, fmt.Errorf("data too short for seq")
	}
	ref.Seq = int(binary.LittleEndian.Uint32(data[offset:]))
	return ref, offset + 4, nil
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}
