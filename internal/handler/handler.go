// Package handler implements the HTTP control surface.
//
// Handlers are grouped by resource (acquisition, files, ingestion). Every
// failure is reported as a JSON error body whose status is derived from
// the sentinel error via errors.ErrorToCode.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/xtxerr/lidarlog/config"
	"github.com/xtxerr/lidarlog/internal/acquisition"
	"github.com/xtxerr/lidarlog/internal/catalog"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/logging"
	"github.com/xtxerr/lidarlog/internal/storage/parquet"
	"github.com/xtxerr/lidarlog/internal/storage/query"
	"github.com/xtxerr/lidarlog/internal/telemetry"
)

var log = logging.Component("handler")

// =============================================================================
// Dependencies
// =============================================================================

// Acquisition is the recording controller.
type Acquisition interface {
	Start(ctx context.Context, filename string) (acquisition.SessionHandle, error)
	Stop(ctx context.Context) error
	Status() acquisition.Status
	InUse(filename string) bool
	WhileNotRecording(filename string, fn func() error) error
}

// Ingester replays datasets into telemetry.
type Ingester interface {
	Ingest(ctx context.Context, src telemetry.Source, runName string) (telemetry.Result, error)
}

// ExportRecorder counts finished exports.
type ExportRecorder interface {
	ExportFinished(format string, err error)
}

type nopExportRecorder struct{}

func (nopExportRecorder) ExportFinished(string, error) {}

// Config holds handler dependencies. Query, Ingester and Recorder are
// optional.
type Config struct {
	Acquisition Acquisition
	Files       *catalog.Catalog
	Query       *query.Service
	Ingester    Ingester
	Recorder    ExportRecorder
	Parquet     parquet.Options
	MaxBody     int64
}

// =============================================================================
// Handler
// =============================================================================

// Handler serves the control surface.
type Handler struct {
	acq      Acquisition
	files    *catalog.Catalog
	query    *query.Service
	ingester Ingester
	rec      ExportRecorder
	parquet  parquet.Options
	maxBody  int64
}

// New creates a handler.
func New(cfg Config) *Handler {
	h := &Handler{
		acq:      cfg.Acquisition,
		files:    cfg.Files,
		query:    cfg.Query,
		ingester: cfg.Ingester,
		rec:      cfg.Recorder,
		parquet:  cfg.Parquet,
		maxBody:  cfg.MaxBody,
	}
	if h.rec == nil {
		h.rec = nopExportRecorder{}
	}
	if h.maxBody <= 0 {
		h.maxBody = config.DefaultMaxRequestBody
	}
	return h
}

// =============================================================================
// Error Handling - uses centralized error codes from errors package
// =============================================================================

// HandlerError is an error with a control surface code.
type HandlerError struct {
	Code    errors.Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status of the error.
func (e *HandlerError) Status() int {
	return errors.HTTPStatus(e.Code)
}

// NewErrorFromErr creates a handler error from a sentinel error.
// It automatically maps the error to the correct code.
func NewErrorFromErr(err error, msg string) *HandlerError {
	code := errors.ErrorToCode(err)
	fullMsg := msg
	if err != nil && msg != "" {
		fullMsg = fmt.Sprintf("%s: %v", msg, err)
	} else if err != nil {
		fullMsg = err.Error()
	}
	return &HandlerError{Code: code, Message: fullMsg, Cause: err}
}

// ErrInvalidRequestf creates a formatted invalid request error.
func ErrInvalidRequestf(format string, args ...interface{}) *HandlerError {
	return &HandlerError{
		Code:    errors.CodeInvalidRequest,
		Message: fmt.Sprintf(format, args...),
		Cause:   errors.ErrInvalidConfig,
	}
}

// ToHandlerError converts any error to a HandlerError.
// If the error is already a HandlerError, it is returned as-is.
func ToHandlerError(err error) *HandlerError {
	if err == nil {
		return nil
	}
	var herr *HandlerError
	if errors.As(err, &herr) {
		return herr
	}
	return NewErrorFromErr(err, "")
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// =============================================================================
// Helper functions
// =============================================================================

// HandlerFunc is a handler that reports failures by returning them.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Wrap adapts fn to http.Handler, writing returned errors as JSON.
func Wrap(fn HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		herr := ToHandlerError(err)
		status := herr.Status()
		logger := logging.WithContext(r.Context())
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		} else {
			logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
		}
		writeJSON(w, status, errorBody{Error: herr.Message, Code: herr.Code.String()})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response", "error", err)
	}
}

// decodeJSON decodes the request body into v. An empty body leaves v
// untouched.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return ErrInvalidRequestf("invalid JSON body: %v", err)
	}
	return nil
}

// message is the JSON shape of plain acknowledgements.
type message struct {
	Message string `json:"message"`
}
