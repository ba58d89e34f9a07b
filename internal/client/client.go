// Package client provides a client for the acquisition daemon's HTTP API.
//
// Error responses are decoded into *APIError, which unwraps to the
// matching sentinel so callers can use errors.Is.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/lidarlog/internal/acquisition"
	"github.com/xtxerr/lidarlog/internal/catalog"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/storage/types"
	"github.com/xtxerr/lidarlog/internal/telemetry"
)

// =============================================================================
// Errors
// =============================================================================

// APIError is an error response from the daemon.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return e.Message
}

// Unwrap maps the response code back to a sentinel error.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case errors.CodeNotFound.String():
		return errors.ErrNotFound
	case errors.CodeAlreadyExists.String():
		return errors.ErrAlreadyExists
	case errors.CodeAlreadyRunning.String():
		return errors.ErrAlreadyRunning
	case errors.CodeNotRunning.String():
		return errors.ErrNotRunning
	case errors.CodeInvalidRequest.String():
		return errors.ErrInvalidConfig
	case errors.CodeHardwareInit.String():
		return errors.ErrHardwareInit
	case errors.CodeShutdownTimeout.String():
		return errors.ErrShutdownTimeout
	default:
		return nil
	}
}

// =============================================================================
// Client
// =============================================================================

// Config holds client configuration.
type Config struct {
	// Addr is the daemon address, with or without scheme.
	Addr string

	// Timeout bounds each request. Exports of large datasets can take a
	// while, so keep it generous.
	Timeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:    "localhost:8000",
		Timeout: 5 * time.Minute,
	}
}

// Client talks to the daemon.
type Client struct {
	base string
	http *http.Client
}

// New creates a new client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	base := strings.TrimRight(cfg.Addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// BaseURL returns the daemon URL requests are sent to.
func (c *Client) BaseURL() string {
	return c.base
}

// =============================================================================
// Responses
// =============================================================================

// StartResult is returned by Start.
type StartResult struct {
	Message string                    `json:"message"`
	Session acquisition.SessionHandle `json:"session"`
}

// CreateResult is returned by Create.
type CreateResult struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
}

// CSVResult is returned by ConvertCSV.
type CSVResult struct {
	Message     string `json:"message"`
	CSVFilename string `json:"csvfilename"`
	Rows        int64  `json:"rows"`
}

// ParquetResult is returned by ExportParquet.
type ParquetResult struct {
	Message  string           `json:"message"`
	Filename string           `json:"filename"`
	Sessions int              `json:"sessions"`
	Rows     int64            `json:"rows"`
	Size     int64            `json:"size"`
	Stats    []map[string]any `json:"stats,omitempty"`
}

// SessionSummary describes one session of a dataset.
type SessionSummary struct {
	types.SessionInfo
	Summary types.SessionSummary `json:"summary"`
}

type message struct {
	Message string `json:"message"`
}

// =============================================================================
// Acquisition
// =============================================================================

// Start begins recording into filename.
func (c *Client) Start(ctx context.Context, filename string) (StartResult, error) {
	var out StartResult
	err := c.do(ctx, http.MethodPost, "/api/lidar/start", map[string]string{"filename": filename}, &out)
	return out, err
}

// Stop ends the running session.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/lidar/stop", nil, &message{})
}

// Status returns the controller status.
func (c *Client) Status(ctx context.Context) (acquisition.Status, error) {
	var out acquisition.Status
	err := c.do(ctx, http.MethodGet, "/api/lidar/status", nil, &out)
	return out, err
}

// =============================================================================
// Files
// =============================================================================

// Files lists the files directory.
func (c *Client) Files(ctx context.Context) ([]catalog.Entry, error) {
	var out []catalog.Entry
	err := c.do(ctx, http.MethodGet, "/api/files", nil, &out)
	return out, err
}

// Create creates an empty dataset and returns its final name.
func (c *Client) Create(ctx context.Context, filename string) (string, error) {
	var out CreateResult
	if err := c.do(ctx, http.MethodPost, "/api/files", map[string]string{"filename": filename}, &out); err != nil {
		return "", err
	}
	return out.Filename, nil
}

// Delete removes a file.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/files/"+url.PathEscape(name), nil, &message{})
}

// ConvertCSV converts a dataset to CSV. An empty csvName uses the default.
func (c *Client) ConvertCSV(ctx context.Context, filename, csvName string) (CSVResult, error) {
	body := map[string]string{"filename": filename}
	if csvName != "" {
		body["csvfilename"] = csvName
	}
	var out CSVResult
	err := c.do(ctx, http.MethodPost, "/api/files/convert-to-csv", body, &out)
	return out, err
}

// ExportParquet exports a dataset to parquet.
func (c *Client) ExportParquet(ctx context.Context, filename string) (ParquetResult, error) {
	var out ParquetResult
	err := c.do(ctx, http.MethodPost, "/api/files/export-parquet", map[string]string{"filename": filename}, &out)
	return out, err
}

// Sessions lists the sessions of a dataset with summaries.
func (c *Client) Sessions(ctx context.Context, filename string) ([]SessionSummary, error) {
	var out []SessionSummary
	err := c.do(ctx, http.MethodGet, "/api/files/"+url.PathEscape(filename)+"/sessions", nil, &out)
	return out, err
}

// Download copies a file to w and returns the number of bytes written.
func (c *Client) Download(ctx context.Context, name string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/files/"+url.PathEscape(name)+"/download", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

// Ingest replays a dataset into telemetry under runName.
func (c *Client) Ingest(ctx context.Context, filename, runName string) (telemetry.Result, error) {
	var out telemetry.Result
	err := c.do(ctx, http.MethodPost, "/api/ingest", map[string]string{"filename": filename, "runname": runName}, &out)
	return out, err
}

// =============================================================================
// Transport
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// send performs a request and converts non-2xx responses to *APIError.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	apiErr := &APIError{Status: resp.StatusCode}
	var eb struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &eb) == nil {
		apiErr.Code = eb.Code
		apiErr.Message = eb.Error
	} else {
		apiErr.Message = strconv.Itoa(resp.StatusCode) + ": " + strings.TrimSpace(string(raw))
	}
	return nil, apiErr
}
