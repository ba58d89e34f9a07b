package sessionstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"iter"
	"os"

	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/storage/types"
)

// Filter selects the sessions whose readings Readings yields.
type Filter struct {
	// Day limits readings to one day group. Empty means all days.
	Day string

	// Session limits readings to one session name within Day.
	Session string

	// ClosedOnly skips sessions still being appended to.
	ClosedOnly bool
}

type rangeRef struct {
	session types.SessionInfo
	batches []batchRef
}

// Readings returns the readings selected by f in storage order: days
// ascending, sessions by sequence number, rows in append order.
//
// Each range over the returned sequence takes a fresh snapshot of the
// selected sessions, so the sequence is restartable and never observes a
// batch that was not fully written.
func (s *Store) Readings(f Filter) iter.Seq2[types.Reading, error] {
	return func(yield func(types.Reading, error) bool) {
		refs, err := s.snapshot(f)
		if err != nil {
			yield(types.Reading{}, err)
			return
		}
		if len(refs) == 0 {
			return
		}

		file, err := os.Open(s.path)
		if err != nil {
			yield(types.Reading{}, errors.Kind(errors.ErrStoreIO, fmt.Errorf("open dataset for reading: %w", err)))
			return
		}
		defer file.Close()

		for _, r := range refs {
			for _, b := range r.batches {
				cols, err := readBatch(file, b)
				if err != nil {
					yield(types.Reading{}, fmt.Errorf("%s: %w", r.session.Path(), err))
					return
				}
				for i := 0; i < b.rows; i++ {
					if !yield(cols.Row(i), nil) {
						return
					}
				}
			}
		}
	}
}

// SessionReadings returns the readings of a single session.
func (s *Store) SessionReadings(day, session string) iter.Seq2[types.Reading, error] {
	return s.Readings(Filter{Day: day, Session: session})
}

// snapshot flushes buffered records and copies the batch refs selected by f.
func (s *Store) snapshot(f Filter) ([]rangeRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.ErrStoreClosed
	}
	if err := s.flushUnlocked(); err != nil {
		return nil, err
	}

	if f.Session != "" {
		e := s.findUnlocked(f.Day, f.Session)
		if e == nil {
			return nil, fmt.Errorf("%s/%s: %w", f.Day, f.Session, errors.ErrSessionNotFound)
		}
		if f.ClosedOnly && e.open {
			return nil, nil
		}
		return []rangeRef{{session: e.info, batches: append([]batchRef(nil), e.batches...)}}, nil
	}

	var refs []rangeRef
	for _, d := range s.sortedDaysUnlocked(f.Day) {
		for _, e := range d.sessions {
			if f.ClosedOnly && e.open {
				continue
			}
			refs = append(refs, rangeRef{session: e.info, batches: append([]batchRef(nil), e.batches...)})
		}
	}
	return refs, nil
}

// readBatch reads and decodes one batch record.
func readBatch(file *os.File, b batchRef) (types.Columns, error) {
	buf := make([]byte, recordHeaderSize+b.length)
	if _, err := file.ReadAt(buf, b.offset); err != nil {
		return types.Columns{}, errors.Kind(errors.ErrStoreIO, fmt.Errorf("read batch at %d: %w", b.offset, err))
	}

	payload := buf[recordHeaderSize:]
	expected := binary.LittleEndian.Uint32(buf[4:8])
	if crc := crc32.ChecksumIEEE(payload); crc != expected {
		return types.Columns{}, fmt.Errorf("%w: batch at %d: crc mismatch", errors.ErrCorruptRecord, b.offset)
	}

	rec, err := decodeRecord(payload)
	if err != nil {
		return types.Columns{}, fmt.Errorf("%w: batch at %d: %v", errors.ErrCorruptRecord, b.offset, err)
	}
	if rec.Columns.Len() != b.rows {
		return types.Columns{}, fmt.Errorf("%w: batch at %d: %d rows, index has %d",
			errors.ErrCorruptRecord, b.offset, rec.Columns.Len(), b.rows)
	}
	return rec.Columns, nil
}
