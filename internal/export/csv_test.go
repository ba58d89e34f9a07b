package export

import (
	"bytes"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lerrors "github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/storage/types"
)

type memSource struct {
	sessions []types.SessionInfo
	rows     map[string][]types.Reading
	err      error
}

func (m *memSource) Sessions(string) []types.SessionInfo { return m.sessions }

func (m *memSource) SessionReadings(day, session string) iter.Seq2[types.Reading, error] {
	return func(yield func(types.Reading, error) bool) {
		for _, r := range m.rows[day+"/"+session] {
			if !yield(r, nil) {
				return
			}
		}
		if m.err != nil {
			yield(types.Reading{}, m.err)
		}
	}
}

func newSource() *memSource {
	return &memSource{
		sessions: []types.SessionInfo{
			{Day: "2024_01_01", Name: "session_001", Closed: true},
			{Day: "2024_01_01", Name: "session_002", Closed: false},
			{Day: "2024_01_02", Name: "session_001", Closed: true},
		},
		rows: map[string][]types.Reading{
			"2024_01_01/session_001": {{Timestamp: 1.5, Angle: 0.25, Distance: 2}},
			"2024_01_01/session_002": {{Timestamp: 9, Angle: 9, Distance: 9}},
			"2024_01_02/session_001": {{Timestamp: 3, Angle: -1, Distance: 0}},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteCSV(&buf, Readings(newSource()))
	if err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}

	want := "Timestamp,Angle,Distance\n1.5,0.25,2\n3,-1,0\n"
	if buf.String() != want {
		t.Errorf("csv =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestWriteCSV_EmptyHasHeader(t *testing.T) {
	var buf bytes.Buffer
	if _, err := WriteCSV(&buf, Readings(&memSource{})); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "Timestamp,Angle,Distance\n" {
		t.Errorf("csv = %q", buf.String())
	}
}

func TestConvertToCSV(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "scan.csv")

	n, err := ConvertToCSV(newSource(), dst)
	if err != nil {
		t.Fatalf("ConvertToCSV: %v", err)
	}
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(b), "Timestamp,Angle,Distance\n") {
		t.Errorf("missing header: %q", b)
	}

	if _, err := ConvertToCSV(newSource(), dst); !lerrors.Is(err, lerrors.ErrAlreadyExists) {
		t.Errorf("second convert error = %v, want ErrAlreadyExists", err)
	}
}

func TestConvertToCSV_ReadErrorRemovesFile(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "broken.csv")
	src := newSource()
	src.err = errors.New("bad batch")

	if _, err := ConvertToCSV(src, dst); err == nil || err.Error() != "bad batch" {
		t.Fatalf("error = %v, want bad batch", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Errorf("partial csv left behind: %v", err)
	}
}
