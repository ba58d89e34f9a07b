// Package sessionstore persists lidar readings in a single append-only
// dataset file.
//
// A dataset is organized as Day (YYYY_MM_DD) → Session (session_NNN) →
// {start_time, timestamp[], angle[], distance[]}. The hierarchy is kept as
// an in-memory index rebuilt from the log on Open; the file itself is a
// sequence of CRC-framed records that are only ever appended.
package sessionstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/lidarlog/config"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/logging"
	"github.com/xtxerr/lidarlog/internal/storage/types"
)

var log = logging.Component("sessionstore")

// Options configures a Store.
type Options struct {
	// SyncMode controls how appends are made durable.
	// "async" - buffered, flushed on close and before reads
	// "sync" - flushed to the OS after each record
	// "fsync" - flushed and fsynced after each record
	SyncMode string

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize int

	// ReadOnly opens an existing dataset for reading only. A torn tail is
	// skipped instead of truncated, and every write fails with
	// errors.ErrReadOnly.
	ReadOnly bool

	// Now supplies session start and end times. Default: time.Now.
	Now func() time.Time
}

// DefaultOptions returns default store options.
func DefaultOptions() Options {
	return Options{
		SyncMode:   config.DefaultStoreSyncMode,
		BufferSize: config.DefaultStoreBufferSize,
		Now:        time.Now,
	}
}

// Stats holds store statistics.
type Stats struct {
	Sessions       int64
	RecordsWritten int64
	RowsWritten    int64
	BytesWritten   int64
	WriteErrors    int64
	TruncatedBytes int64 // torn tail discarded by Open
}

// Store is a single dataset file opened for appending.
//
// A Store is safe for concurrent use. It does not guard against a second
// process opening the same file.
type Store struct {
	mu sync.Mutex

	path   string
	file   *os.File
	writer *bufio.Writer
	opts   Options

	// size is the end of the last fully written record, including
	// records still held in the write buffer.
	size int64

	days map[string]*dayIndex

	// broken is set when a failed write could not be rolled back. All
	// further appends fail with it.
	broken error
	closed bool

	stats Stats
}

type dayIndex struct {
	name     string
	sessions []*sessionEntry // index i holds seq i+1
}

type sessionEntry struct {
	info    types.SessionInfo
	batches []batchRef
	// open is true only for sessions begun by this Store and not yet closed.
	open bool
}

type batchRef struct {
	offset int64 // start of the record header
	length int   // payload length
	rows   int
}

// Open opens the dataset at path, creating it if it does not exist.
// A torn or corrupt tail left by a crash is truncated away. Sessions that
// were never closed are treated as closed.
func Open(path string, opts Options) (*Store, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = DefaultOptions().SyncMode
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	switch opts.SyncMode {
	case "async", "sync", "fsync":
	default:
		return nil, errors.NewValidation("sync_mode", fmt.Sprintf("unknown mode %q", opts.SyncMode))
	}

	var (
		f   *os.File
		err error
	)
	if opts.ReadOnly {
		f, err = os.Open(path)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Kind(errors.ErrStoreIO, fmt.Errorf("create dataset dir: %w", err))
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	}
	if err != nil {
		return nil, errors.Kind(errors.ErrStoreIO, fmt.Errorf("open dataset: %w", err))
	}

	s := &Store{
		path: path,
		file: f,
		opts: opts,
		days: make(map[string]*dayIndex),
	}

	if err := s.load(); err != nil {
		f.Close()
		return nil, err
	}

	if !opts.ReadOnly {
		if _, err := f.Seek(s.size, io.SeekStart); err != nil {
			f.Close()
			return nil, errors.Kind(errors.ErrStoreIO, fmt.Errorf("seek to end: %w", err))
		}
		s.writer = bufio.NewWriterSize(f, opts.BufferSize)
	}

	log.Debug("dataset opened",
		"path", path,
		"days", len(s.days),
		"bytes", s.size)

	return s, nil
}

// load writes the header of an empty file, or validates the header and
// replays the records of a populated one.
func (s *Store) load() error {
	info, err := s.file.Stat()
	if err != nil {
		return errors.Kind(errors.ErrStoreIO, fmt.Errorf("stat dataset: %w", err))
	}

	if info.Size() < headerSize {
		if s.opts.ReadOnly {
			s.size = info.Size()
			return nil
		}
		if info.Size() > 0 {
			if err := s.checkPartialHeader(info.Size()); err != nil {
				return err
			}
			log.Warn("discarding incomplete dataset header", "path", s.path, "bytes", info.Size())
		}
		return s.writeHeader()
	}

	var header [headerSize]byte
	if _, err := s.file.ReadAt(header[:], 0); err != nil {
		return errors.Kind(errors.ErrStoreIO, fmt.Errorf("read header: %w", err))
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != storeMagic {
		return errors.Kind(errors.ErrCorruptRecord, fmt.Errorf("%s is not a lidar dataset (magic %x)", s.path, magic))
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != storeVersion {
		return errors.Kind(errors.ErrCorruptRecord, fmt.Errorf("unsupported dataset version %d", version))
	}

	return s.replay(info.Size())
}

func encodeHeader() [headerSize]byte {
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], storeMagic)
	binary.LittleEndian.PutUint32(header[8:12], storeVersion)
	return header
}

// checkPartialHeader accepts a short file only if it is the start of a
// header, as left by a crash while the header was written.
func (s *Store) checkPartialHeader(size int64) error {
	buf := make([]byte, size)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return errors.Kind(errors.ErrStoreIO, fmt.Errorf("read header: %w", err))
	}
	header := encodeHeader()
	if !bytes.Equal(buf, header[:size]) {
		return errors.Kind(errors.ErrCorruptRecord, fmt.Errorf("%s is not a lidar dataset", s.path))
	}
	return nil
}

func (s *Store) writeHeader() error {
	header := encodeHeader()

	if err := s.file.Truncate(0); err != nil {
		return errors.Kind(errors.ErrStoreIO, fmt.Errorf("truncate dataset: %w", err))
	}
	if _, err := s.file.WriteAt(header[:], 0); err != nil {
		return errors.Kind(errors.ErrStoreIO, fmt.Errorf("write header: %w", err))
	}
	s.size = headerSize
	return nil
}

// replay rebuilds the index. It stops at the first record that is
// incomplete or fails its checksum and truncates the file there.
func (s *Store) replay(fileSize int64) error {
	r := bufio.NewReaderSize(io.NewSectionReader(s.file, headerSize, fileSize-headerSize), 256*1024)
	offset := int64(headerSize)

	for {
		payload, err := readFramed(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("truncating dataset tail",
				"path", s.path,
				"offset", offset,
				"discarded_bytes", fileSize-offset,
				"reason", err)
			break
		}

		if err := s.apply(payload, offset); err != nil {
			log.Warn("truncating dataset at unreadable record",
				"path", s.path,
				"offset", offset,
				"discarded_bytes", fileSize-offset,
				"reason", err)
			break
		}
		offset += int64(recordHeaderSize + len(payload))
	}

	s.size = offset
	if offset < fileSize && !s.opts.ReadOnly {
		if err := s.file.Truncate(offset); err != nil {
			return errors.Kind(errors.ErrStoreIO, fmt.Errorf("truncate torn tail: %w", err))
		}
		s.stats.TruncatedBytes = fileSize - offset
	}

	// A session is open only while the Store that began it is appending.
	for _, d := range s.days {
		for _, e := range d.sessions {
			e.info.Closed = true
		}
	}
	return nil
}

// apply adds one replayed record to the index.
func (s *Store) apply(payload []byte, offset int64) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}

	kind := recordKind(payload[0])
	if kind == kindBatch {
		// Columns are decoded lazily by Readings.
		ref, _, err := readRef(payload, 1)
		if err != nil {
			return err
		}
		rows, err := batchRowCount(payload)
		if err != nil {
			return err
		}
		e := s.lookup(ref)
		if e == nil {
			return fmt.Errorf("batch for unknown session %s/%s", ref.Day, types.SessionName(ref.Seq))
		}
		e.batches = append(e.batches, batchRef{offset: offset, length: len(payload), rows: rows})
		e.info.Rows += int64(rows)
		return nil
	}

	rec, err := decodeRecord(payload)
	if err != nil {
		return err
	}

	switch rec.Kind {
	case kindSession:
		d := s.days[rec.Ref.Day]
		if d == nil {
			d = &dayIndex{name: rec.Ref.Day}
			s.days[rec.Ref.Day] = d
		}
		if rec.Ref.Seq != len(d.sessions)+1 {
			return fmt.Errorf("session %d out of sequence in day %s", rec.Ref.Seq, rec.Ref.Day)
		}
		d.sessions = append(d.sessions, &sessionEntry{info: types.SessionInfo{
			Day:       rec.Ref.Day,
			Seq:       rec.Ref.Seq,
			Name:      types.SessionName(rec.Ref.Seq),
			Filename:  rec.Filename,
			StartTime: rec.Time,
		}})

	case kindClose:
		e := s.lookup(rec.Ref)
		if e == nil {
			return fmt.Errorf("close for unknown session %s/%s", rec.Ref.Day, types.SessionName(rec.Ref.Seq))
		}
		e.info.Closed = true
	}
	return nil
}

func (s *Store) lookup(ref sessionRef) *sessionEntry {
	d := s.days[ref.Day]
	if d == nil || ref.Seq < 1 || ref.Seq > len(d.sessions) {
		return nil
	}
	return d.sessions[ref.Seq-1]
}

// =============================================================================
// Writing
// =============================================================================

// Session is the handle of a session begun by this Store.
type Session struct {
	store *Store
	entry *sessionEntry
}

// Day returns the day group name.
func (sess *Session) Day() string { return sess.entry.info.Day }

// Seq returns the sequence number within the day.
func (sess *Session) Seq() int { return sess.entry.info.Seq }

// Name returns the session name (session_NNN).
func (sess *Session) Name() string { return sess.entry.info.Name }

// Path returns "day/session".
func (sess *Session) Path() string { return sess.entry.info.Path() }

// StartTime returns the time the session was begun.
func (sess *Session) StartTime() time.Time { return sess.entry.info.StartTime }

// Info returns a snapshot of the session's metadata.
func (sess *Session) Info() types.SessionInfo {
	sess.store.mu.Lock()
	defer sess.store.mu.Unlock()
	return sess.entry.info
}

// BeginSession creates the next session in the day group of day, creating
// the group if needed. The new session has empty columns and start_time set
// to the store clock.
func (s *Store) BeginSession(day time.Time, filename string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableUnlocked(); err != nil {
		return nil, err
	}

	dayName := types.DayName(day)
	d := s.days[dayName]
	seq := 1
	if d != nil {
		seq = len(d.sessions) + 1
	}
	ref := sessionRef{Day: dayName, Seq: seq}
	start := s.opts.Now()

	if err := s.writeRecordUnlocked(encodeSession(ref, start, filename)); err != nil {
		return nil, err
	}

	if d == nil {
		d = &dayIndex{name: dayName}
		s.days[dayName] = d
	}
	e := &sessionEntry{
		info: types.SessionInfo{
			Day:       dayName,
			Seq:       seq,
			Name:      types.SessionName(seq),
			Filename:  filename,
			StartTime: start,
		},
		open: true,
	}
	d.sessions = append(d.sessions, e)
	s.stats.Sessions++

	log.Info("session created",
		"path", s.path,
		"session", e.info.Path())

	return &Session{store: s, entry: e}, nil
}

// Append extends the three columns of sess by one batch. Either all three
// columns grow by len(timestamps) or none does.
func (s *Store) Append(sess *Session, timestamps, angles, distances []float64) error {
	cols := types.Columns{Timestamp: timestamps, Angle: angles, Distance: distances}
	n := cols.Len()
	if n < 0 {
		return fmt.Errorf("%w: timestamp=%d angle=%d distance=%d",
			errors.ErrBatchMismatch, len(timestamps), len(angles), len(distances))
	}
	if n > maxBatchRows {
		return fmt.Errorf("%w: batch of %d rows exceeds limit %d", errors.ErrBatchMismatch, n, maxBatchRows)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ownedUnlocked(sess); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if err := s.writableUnlocked(); err != nil {
		return err
	}

	offset := s.size
	payload := encodeBatch(sessionRef{Day: sess.entry.info.Day, Seq: sess.entry.info.Seq}, cols)
	if err := s.writeRecordUnlocked(payload); err != nil {
		return err
	}

	sess.entry.batches = append(sess.entry.batches, batchRef{offset: offset, length: len(payload), rows: n})
	sess.entry.info.Rows += int64(n)
	s.stats.RowsWritten += int64(n)
	return nil
}

// CloseSession marks sess closed. Further appends to it fail with
// ErrSessionClosed. Closing a closed session is a no-op.
func (s *Store) CloseSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess == nil || sess.store != s {
		return errors.ErrSessionUnknown
	}
	if !sess.entry.open {
		return nil
	}

	// The session is closed in the index even if the close record cannot
	// be written; replay treats an unclosed session as closed.
	sess.entry.open = false
	sess.entry.info.Closed = true

	if err := s.writableUnlocked(); err != nil {
		return err
	}
	ref := sessionRef{Day: sess.entry.info.Day, Seq: sess.entry.info.Seq}
	if err := s.writeRecordUnlocked(encodeClose(ref, s.opts.Now())); err != nil {
		return err
	}

	log.Info("session closed",
		"path", s.path,
		"session", sess.entry.info.Path(),
		"rows", sess.entry.info.Rows)
	return nil
}

func (s *Store) ownedUnlocked(sess *Session) error {
	if sess == nil || sess.store != s {
		return errors.ErrSessionUnknown
	}
	if !sess.entry.open {
		return fmt.Errorf("%s: %w", sess.entry.info.Path(), errors.ErrSessionClosed)
	}
	return nil
}

func (s *Store) writableUnlocked() error {
	if s.closed {
		return errors.ErrStoreClosed
	}
	if s.opts.ReadOnly {
		return errors.ErrReadOnly
	}
	if s.broken != nil {
		return s.broken
	}
	return nil
}

// writeRecordUnlocked frames and writes one record. On failure the file is
// rolled back to the previous record boundary when possible.
func (s *Store) writeRecordUnlocked(payload []byte) error {
	if len(payload) > maxRecordSize {
		return errors.Kind(errors.ErrStoreIO, fmt.Errorf("record of %d bytes exceeds limit", len(payload)))
	}
	rec := frame(payload)

	_, err := s.writer.Write(rec)
	if err == nil && s.opts.SyncMode != "async" {
		err = s.writer.Flush()
		if err == nil && s.opts.SyncMode == "fsync" {
			err = s.file.Sync()
		}
	}
	if err != nil {
		s.stats.WriteErrors++
		s.rollbackUnlocked(err)
		return errors.Kind(errors.ErrStoreIO, err)
	}

	s.size += int64(len(rec))
	s.stats.RecordsWritten++
	s.stats.BytesWritten += int64(len(rec))
	return nil
}

// rollbackUnlocked discards a partially written record. In async mode the
// buffer may also hold earlier records, so the store is marked broken
// instead.
func (s *Store) rollbackUnlocked(cause error) {
	if s.opts.SyncMode == "async" {
		s.broken = errors.Kind(errors.ErrStoreIO, fmt.Errorf("dataset broken after write failure: %w", cause))
		log.Error("dataset write failed", "path", s.path, "error", cause)
		return
	}

	err := s.file.Truncate(s.size)
	if err == nil {
		_, err = s.file.Seek(s.size, io.SeekStart)
	}
	if err != nil {
		s.broken = errors.Kind(errors.ErrStoreIO, fmt.Errorf("rollback after write failure: %w", err))
		log.Error("dataset rollback failed", "path", s.path, "error", err, "cause", cause)
		return
	}
	s.writer.Reset(s.file)
	log.Warn("dataset write failed, rolled back", "path", s.path, "error", cause)
}

// Flush writes buffered records to the file.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushUnlocked()
}

func (s *Store) flushUnlocked() error {
	if s.closed || s.writer == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		s.stats.WriteErrors++
		s.rollbackUnlocked(err)
		return errors.Kind(errors.ErrStoreIO, err)
	}
	return nil
}

// Close closes any open sessions, flushes and closes the file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	var errs []error
	now := s.opts.Now()
	for _, d := range s.days {
		for _, e := range d.sessions {
			if !e.open {
				continue
			}
			e.open = false
			e.info.Closed = true
			if s.broken == nil {
				ref := sessionRef{Day: e.info.Day, Seq: e.info.Seq}
				if err := s.writeRecordUnlocked(encodeClose(ref, now)); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	if s.broken == nil && s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			errs = append(errs, errors.Kind(errors.ErrStoreIO, err))
		} else if s.opts.SyncMode == "fsync" {
			if err := s.file.Sync(); err != nil {
				errs = append(errs, errors.Kind(errors.ErrStoreIO, err))
			}
		}
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, errors.Kind(errors.ErrStoreIO, err))
	}
	s.closed = true

	return errors.Join(errs...)
}

// =============================================================================
// Inspection
// =============================================================================

// Path returns the dataset file path.
func (s *Store) Path() string {
	return s.path
}

// Days returns the day group names in ascending order.
func (s *Store) Days() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	days := make([]string, 0, len(s.days))
	for name := range s.days {
		days = append(days, name)
	}
	sort.Strings(days)
	return days
}

// Sessions returns the sessions of a day group ordered by sequence number.
// An empty day returns all sessions, days ascending.
func (s *Store) Sessions(day string) []types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.SessionInfo
	for _, d := range s.sortedDaysUnlocked(day) {
		for _, e := range d.sessions {
			out = append(out, e.info)
		}
	}
	return out
}

// Session looks up a session by day and name.
func (s *Store) Session(day, name string) (types.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.findUnlocked(day, name)
	if e == nil {
		return types.SessionInfo{}, fmt.Errorf("%s/%s: %w", day, name, errors.ErrSessionNotFound)
	}
	return e.info, nil
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Store) findUnlocked(day, name string) *sessionEntry {
	d := s.days[day]
	if d == nil {
		return nil
	}
	for _, e := range d.sessions {
		if e.info.Name == name {
			return e
		}
	}
	return nil
}

func (s *Store) sortedDaysUnlocked(day string) []*dayIndex {
	if day != "" {
		if d := s.days[day]; d != nil {
			return []*dayIndex{d}
		}
		return nil
	}
	out := make([]*dayIndex, 0, len(s.days))
	for _, d := range s.days {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// readFramed reads one record and verifies its checksum.
func readFramed(r io.Reader) ([]byte, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length == 0 || length > maxRecordSize {
		return nil, fmt.Errorf("record length %d out of range", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read record payload: %w", err)
	}

	if crc := crc32.ChecksumIEEE(payload); crc != expectedCRC {
		return nil, fmt.Errorf("%w: crc mismatch: expected %x, got %x", errors.ErrCorruptRecord, expectedCRC, crc)
	}

	return payload, nil
}
