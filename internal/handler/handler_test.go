package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/xtxerr/lidarlog/internal/acquisition"
	"github.com/xtxerr/lidarlog/internal/catalog"
	"github.com/xtxerr/lidarlog/internal/driver"
	"github.com/xtxerr/lidarlog/internal/driver/fake"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/storage/parquet"
	"github.com/xtxerr/lidarlog/internal/telemetry"
	lidartest "github.com/xtxerr/lidarlog/internal/testing"
)

type fixture struct {
	t     *testing.T
	srv   *httptest.Server
	ctrl  *acquisition.Controller
	files *catalog.Catalog
}

type fixtureOption func(*Config)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	files, err := catalog.New(t.TempDir())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	cfg := acquisition.DefaultConfig()
	cfg.Sensor = driver.Config{
		Port:            "/dev/ttyUSB0",
		BaudRate:        128000,
		DeviceMode:      "tof",
		ScanFrequencyHz: 10,
		SampleRate:      5,
		ChannelMode:     "single",
	}
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.StopTimeout = 2 * time.Second
	ctrl := acquisition.New(cfg, fake.Simulated(16), files.ResolveDataset)

	hcfg := Config{
		Acquisition: ctrl,
		Files:       files,
		Parquet:     parquet.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&hcfg)
	}

	r := mux.NewRouter()
	New(hcfg).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		ctrl.Stop(context.Background())
	})

	return &fixture{t: t, srv: srv, ctrl: ctrl, files: files}
}

func (f *fixture) do(method, path string, body any) (int, []byte) {
	f.t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		f.t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		f.t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, out
}

func (f *fixture) expect(method, path string, body any, want int) []byte {
	f.t.Helper()
	status, out := f.do(method, path, body)
	if status != want {
		f.t.Fatalf("%s %s = %d, want %d: %s", method, path, status, want, out)
	}
	return out
}

// record creates <base>.lidar and records one closed session with readings.
func (f *fixture) record(base string) {
	f.t.Helper()
	f.expect(http.MethodPost, "/api/files", map[string]string{"filename": base}, http.StatusCreated)
	f.expect(http.MethodPost, "/api/lidar/start", map[string]string{"filename": base + ".lidar"}, http.StatusOK)

	err := lidartest.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return f.ctrl.Status().Rows > 0
	})
	if err != nil {
		f.t.Fatalf("no readings recorded: %v", err)
	}
	f.expect(http.MethodPost, "/api/lidar/stop", nil, http.StatusOK)
}

func decodeError(t *testing.T, b []byte) errorBody {
	t.Helper()
	var e errorBody
	if err := json.Unmarshal(b, &e); err != nil {
		t.Fatalf("decode error body %q: %v", b, err)
	}
	return e
}

func TestStart_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"missing filename", map[string]string{}, http.StatusBadRequest, "InvalidRequest"},
		{"missing dataset", map[string]string{"filename": "nope.lidar"}, http.StatusNotFound, "NotFound"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := f.do(http.MethodPost, "/api/lidar/start", tt.body)
			if status != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", status, tt.wantCode, out)
			}
			if got := decodeError(t, out).Code; got != tt.wantErr {
				t.Errorf("code = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestStart_RejectsNonDatasetFile(t *testing.T) {
	f := newFixture(t)

	path := filepath.Join(f.files.Dir(), "notes.txt")
	if err := os.WriteFile(path, []byte("keep me"), 0644); err != nil {
		t.Fatal(err)
	}

	status, out := f.do(http.MethodPost, "/api/lidar/start", map[string]string{"filename": "notes.txt"})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", status, out)
	}
	if got := decodeError(t, out).Code; got != "InvalidRequest" {
		t.Errorf("code = %q, want InvalidRequest", got)
	}
	if st := f.ctrl.Status(); st.State != "idle" {
		t.Errorf("state = %s, want idle", st.State)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "keep me" {
		t.Errorf("notes.txt = %q, %v; want it untouched", got, err)
	}
}

func TestStart_InvalidJSON(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/lidar/start", strings.NewReader("{"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStartStop_Lifecycle(t *testing.T) {
	f := newFixture(t)
	f.expect(http.MethodPost, "/api/files", map[string]string{"filename": "run"}, http.StatusCreated)

	out := f.expect(http.MethodPost, "/api/lidar/start", map[string]string{"filename": "run.lidar"}, http.StatusOK)
	var started startResponse
	if err := json.Unmarshal(out, &started); err != nil {
		t.Fatal(err)
	}
	if started.Message != "Lidar started" || started.Session.Session != "session_001" {
		t.Errorf("start response = %+v", started)
	}

	status, out := f.do(http.MethodPost, "/api/lidar/start", map[string]string{"filename": "run.lidar"})
	if status != http.StatusBadRequest || decodeError(t, out).Code != "AlreadyRunning" {
		t.Errorf("second start = %d %s", status, out)
	}

	var st acquisition.Status
	if err := json.Unmarshal(f.expect(http.MethodGet, "/api/lidar/status", nil, http.StatusOK), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != "running" && st.State != "starting" {
		t.Errorf("state = %q, want running", st.State)
	}

	f.expect(http.MethodGet, "/api/lidar/stop", nil, http.StatusOK)

	status, out = f.do(http.MethodPost, "/api/lidar/stop", nil)
	if status != http.StatusBadRequest || decodeError(t, out).Code != "NotRunning" {
		t.Errorf("stop when idle = %d %s", status, out)
	}
}

func TestStart_ConcurrentRequests(t *testing.T) {
	f := newFixture(t)
	f.expect(http.MethodPost, "/api/files", map[string]string{"filename": "run"}, http.StatusCreated)

	const callers = 8
	var ok, rejected atomic.Int32
	gt := lidartest.NewGoroutineTest(t)
	for i := 0; i < callers; i++ {
		gt.Go(func() error {
			b := strings.NewReader(`{"filename":"run.lidar"}`)
			resp, err := http.Post(f.srv.URL+"/api/lidar/start", "application/json", b)
			if err != nil {
				return err
			}
			resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusBadRequest:
				rejected.Add(1)
			default:
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			return nil
		})
	}
	gt.Wait()

	if ok.Load() != 1 || rejected.Load() != callers-1 {
		t.Errorf("started %d, rejected %d", ok.Load(), rejected.Load())
	}
}

func TestFiles_CreateListDelete(t *testing.T) {
	f := newFixture(t)

	out := f.expect(http.MethodPost, "/api/files", map[string]string{"filename": "scan"}, http.StatusCreated)
	var created createResponse
	if err := json.Unmarshal(out, &created); err != nil {
		t.Fatal(err)
	}
	if created.Filename != "scan.lidar" {
		t.Errorf("filename = %q, want scan.lidar", created.Filename)
	}

	f.expect(http.MethodPost, "/api/files", map[string]string{"filename": "scan"}, http.StatusBadRequest)
	f.expect(http.MethodPost, "/api/files", map[string]string{"filename": "../x"}, http.StatusBadRequest)
	f.expect(http.MethodPost, "/api/files", map[string]string{}, http.StatusBadRequest)

	var entries []catalog.Entry
	if err := json.Unmarshal(f.expect(http.MethodGet, "/api/files", nil, http.StatusOK), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "scan.lidar" || entries[0].Kind != catalog.KindDataset {
		t.Errorf("entries = %+v", entries)
	}

	f.expect(http.MethodDelete, "/api/files/scan.lidar", nil, http.StatusOK)
	f.expect(http.MethodDelete, "/api/files/scan.lidar", nil, http.StatusNotFound)
}

func TestFiles_DatasetInUse(t *testing.T) {
	f := newFixture(t)
	f.expect(http.MethodPost, "/api/files", map[string]string{"filename": "live"}, http.StatusCreated)
	f.expect(http.MethodPost, "/api/lidar/start", map[string]string{"filename": "live.lidar"}, http.StatusOK)

	checks := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodDelete, "/api/files/live.lidar", nil},
		{http.MethodPost, "/api/files/convert-to-csv", map[string]string{"filename": "live.lidar"}},
		{http.MethodPost, "/api/files/export-parquet", map[string]string{"filename": "live.lidar"}},
		{http.MethodGet, "/api/files/live.lidar/sessions", nil},
	}
	for _, c := range checks {
		status, out := f.do(c.method, c.path, c.body)
		if status != http.StatusBadRequest {
			t.Errorf("%s %s = %d, want 400: %s", c.method, c.path, status, out)
		}
	}

	f.expect(http.MethodPost, "/api/lidar/stop", nil, http.StatusOK)
	f.expect(http.MethodDelete, "/api/files/live.lidar", nil, http.StatusOK)
}

func TestFiles_ConvertToCSV(t *testing.T) {
	f := newFixture(t)
	f.record("scan")

	out := f.expect(http.MethodPost, "/api/files/convert-to-csv", map[string]string{"filename": "scan.lidar"}, http.StatusCreated)
	var resp csvResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.CSVFilename != "scan.csv" || resp.Rows == 0 {
		t.Errorf("response = %+v", resp)
	}

	f.expect(http.MethodPost, "/api/files/convert-to-csv", map[string]string{"filename": "scan.lidar"}, http.StatusBadRequest)

	body := f.expect(http.MethodGet, "/api/files/scan.csv/download", nil, http.StatusOK)
	if !strings.HasPrefix(string(body), "Timestamp,Angle,Distance\n") {
		t.Errorf("csv starts with %q", firstLine(body))
	}
}

func TestFiles_ConvertToCSV_MissingDataset(t *testing.T) {
	f := newFixture(t)
	f.expect(http.MethodPost, "/api/files/convert-to-csv", map[string]string{"filename": "none.lidar"}, http.StatusNotFound)
	f.expect(http.MethodPost, "/api/files/convert-to-csv", map[string]string{}, http.StatusBadRequest)
	if f.files.Exists("none.csv") {
		t.Error("failed conversion left a csv behind")
	}
}

func TestFiles_ExportParquet(t *testing.T) {
	f := newFixture(t)
	f.record("scan")

	out := f.expect(http.MethodPost, "/api/files/export-parquet", map[string]string{"filename": "scan.lidar"}, http.StatusCreated)
	var resp parquetResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Filename != "scan.parquet" || resp.Sessions != 1 || resp.Rows == 0 || resp.Size == 0 {
		t.Errorf("response = %+v", resp)
	}

	path, err := f.files.Resolve("scan.parquet")
	if err != nil {
		t.Fatal(err)
	}
	rows, err := parquet.ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(rows)) != resp.Rows {
		t.Errorf("parquet rows = %d, want %d", len(rows), resp.Rows)
	}

	// A second export of the same dataset does not overwrite.
	f.expect(http.MethodPost, "/api/files/export-parquet", map[string]string{"filename": "scan.lidar"}, http.StatusBadRequest)
}

func TestFiles_Sessions(t *testing.T) {
	f := newFixture(t)
	f.record("scan")

	var out []sessionSummary
	if err := json.Unmarshal(f.expect(http.MethodGet, "/api/files/scan.lidar/sessions", nil, http.StatusOK), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("sessions = %d, want 1", len(out))
	}
	if out[0].Summary.Count == 0 || out[0].Summary.Session != out[0].Name {
		t.Errorf("summary = %+v", out[0])
	}
}

func TestFiles_ReadingsScanWithoutQueryService(t *testing.T) {
	f := newFixture(t)
	f.record("scan")
	f.expect(http.MethodPost, "/api/files/export-parquet", map[string]string{"filename": "scan.lidar"}, http.StatusCreated)

	var all []parquet.ReadingRow
	if err := json.Unmarshal(f.expect(http.MethodGet, "/api/files/scan.parquet/readings", nil, http.StatusOK), &all); err != nil {
		t.Fatal(err)
	}
	if len(all) == 0 {
		t.Fatal("no readings returned")
	}

	var limited []parquet.ReadingRow
	if err := json.Unmarshal(f.expect(http.MethodGet, "/api/files/scan.parquet/readings?limit=3", nil, http.StatusOK), &limited); err != nil {
		t.Fatal(err)
	}
	if len(limited) != 3 || limited[0] != all[0] {
		t.Errorf("limited readings = %+v", limited)
	}

	var none []parquet.ReadingRow
	if err := json.Unmarshal(f.expect(http.MethodGet, "/api/files/scan.parquet/readings?day=1999_01_01", nil, http.StatusOK), &none); err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("readings of another day = %d, want 0", len(none))
	}

	f.expect(http.MethodGet, "/api/files/scan.lidar/readings", nil, http.StatusBadRequest)
	f.expect(http.MethodGet, "/api/files/missing.parquet/readings", nil, http.StatusNotFound)
}

func TestParseQuery(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
		check   func(t *testing.T, q queryArgs)
	}{
		{raw: "", check: func(t *testing.T, q queryArgs) {
			if q.min != nil || q.max != nil || q.limit != 0 {
				t.Errorf("empty query = %+v", q)
			}
		}},
		{raw: "min_angle=-1.5&max_angle=2&limit=10&day=2024-01-01", check: func(t *testing.T, q queryArgs) {
			if q.min == nil || *q.min != -1.5 || q.max == nil || *q.max != 2 || q.limit != 10 || q.day != "2024-01-01" {
				t.Errorf("query = %+v", q)
			}
		}},
		{raw: "min_angle=x", wantErr: true},
		{raw: "limit=-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/?"+tt.raw, nil)
			q, err := parseQuery(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, queryArgs{day: q.Day, min: q.MinAngle, max: q.MaxAngle, limit: q.Limit})
			}
		})
	}
}

type queryArgs struct {
	day      string
	min, max *float64
	limit    int
}

type stubIngester struct {
	calls int
	run   string
	err   error
}

func (s *stubIngester) Ingest(ctx context.Context, src telemetry.Source, runName string) (telemetry.Result, error) {
	s.calls++
	s.run = runName
	if s.err != nil {
		return telemetry.Result{}, s.err
	}
	var flows int64
	for _, info := range src.Sessions("") {
		for _, err := range src.SessionReadings(info.Day, info.Name) {
			if err != nil {
				return telemetry.Result{}, err
			}
			flows++
		}
	}
	return telemetry.Result{Run: runName, Flows: flows}, nil
}

func TestIngest(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t)
		f.expect(http.MethodPost, "/api/ingest", map[string]string{"filename": "a.lidar", "runname": "r"}, http.StatusBadRequest)
	})

	t.Run("missing run name", func(t *testing.T) {
		ing := &stubIngester{}
		f := newFixture(t, func(c *Config) { c.Ingester = ing })
		f.expect(http.MethodPost, "/api/ingest", map[string]string{"filename": "a.lidar"}, http.StatusBadRequest)
		if ing.calls != 0 {
			t.Errorf("ingester called %d times", ing.calls)
		}
	})

	t.Run("replays dataset", func(t *testing.T) {
		ing := &stubIngester{}
		f := newFixture(t, func(c *Config) { c.Ingester = ing })
		f.record("scan")

		var res telemetry.Result
		out := f.expect(http.MethodPost, "/api/ingest", map[string]string{"filename": "scan.lidar", "runname": "bench"}, http.StatusOK)
		if err := json.Unmarshal(out, &res); err != nil {
			t.Fatal(err)
		}
		if ing.run != "bench" || res.Flows == 0 {
			t.Errorf("result = %+v, run = %q", res, ing.run)
		}
	})

	t.Run("publisher failure", func(t *testing.T) {
		ing := &stubIngester{err: errors.Wrap(errors.ErrStoreIO, "publish")}
		f := newFixture(t, func(c *Config) { c.Ingester = ing })
		f.record("scan")
		f.expect(http.MethodPost, "/api/ingest", map[string]string{"filename": "scan.lidar", "runname": "bench"}, http.StatusInternalServerError)
	})
}

type countingRecorder struct {
	ok, failed map[string]int
}

func (c *countingRecorder) ExportFinished(format string, err error) {
	if err != nil {
		c.failed[format]++
		return
	}
	c.ok[format]++
}

func TestExportRecorder(t *testing.T) {
	rec := &countingRecorder{ok: map[string]int{}, failed: map[string]int{}}
	f := newFixture(t, func(c *Config) { c.Recorder = rec })
	f.record("scan")

	f.expect(http.MethodPost, "/api/files/convert-to-csv", map[string]string{"filename": "scan.lidar"}, http.StatusCreated)
	f.expect(http.MethodPost, "/api/files/convert-to-csv", map[string]string{"filename": "scan.lidar"}, http.StatusBadRequest)

	if rec.ok["csv"] != 1 || rec.failed["csv"] != 1 {
		t.Errorf("recorded ok=%v failed=%v", rec.ok, rec.failed)
	}
}

func TestToHandlerError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{errors.ErrFileNotFound, http.StatusNotFound},
		{errors.ErrAlreadyRunning, http.StatusBadRequest},
		{errors.ErrNotRunning, http.StatusBadRequest},
		{errors.ErrDatasetInUse, http.StatusBadRequest},
		{errors.NewMissingField("filename"), http.StatusBadRequest},
		{errors.ErrHardwareInit, http.StatusInternalServerError},
		{ErrInvalidRequestf("bad"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := ToHandlerError(tt.err).Status(); got != tt.wantStatus {
				t.Errorf("status = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
