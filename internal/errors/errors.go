// Package errors holds the error definitions for the entire project.
//
// This file provides:
// - Error codes for the control surface (closed enumeration)
// - Sentinel errors for all error conditions
// - Error category checking functions
// - ErrorToCode and HTTPStatus mapping
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Error codes - returned in JSON error bodies
// ============================================================================

// Code identifies an error kind on the control surface.
type Code int32

const (
	CodeUnknown Code = iota + 1
	CodeInvalidRequest
	CodeNotFound
	CodeAlreadyExists
	CodeInternal

	// Acquisition
	CodeAlreadyRunning
	CodeNotRunning
	CodeHardwareInit
	CodePoll
	CodeStoreIO
	CodeBatchMismatch
	CodeShutdownTimeout
)

// String returns a human-readable name for an error code.
func (c Code) String() string {
	switch c {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeInternal:
		return "Internal"
	case CodeAlreadyRunning:
		return "AlreadyRunning"
	case CodeNotRunning:
		return "NotRunning"
	case CodeHardwareInit:
		return "HardwareInit"
	case CodePoll:
		return "Poll"
	case CodeStoreIO:
		return "StoreIO"
	case CodeBatchMismatch:
		return "BatchMismatch"
	case CodeShutdownTimeout:
		return "ShutdownTimeout"
	default:
		return fmt.Sprintf("Code(%d)", int32(c))
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Acquisition state errors
	ErrAlreadyRunning  = errors.New("acquisition is already running")
	ErrNotRunning      = errors.New("acquisition is not running")
	ErrShutdownTimeout = errors.New("timed out waiting for polling loop to exit")
	ErrNoDriver        = errors.New("cleanup called but no driver is held")

	// Hardware errors
	ErrHardwareInit  = errors.New("hardware initialization failed")
	ErrPoll          = errors.New("poll failed")
	ErrPollExhausted = errors.New("too many consecutive poll failures")
	ErrNotConnected  = errors.New("driver not connected")

	// Store errors
	ErrStoreIO        = errors.New("store I/O error")
	ErrBatchMismatch  = errors.New("batch column lengths differ")
	ErrSessionClosed  = errors.New("session is closed")
	ErrSessionUnknown = errors.New("session does not belong to this store")
	ErrStoreClosed    = errors.New("store is closed")
	ErrCorruptRecord  = errors.New("corrupt record")
	ErrReadOnly       = errors.New("dataset opened read-only")
	ErrDatasetInUse   = errors.New("dataset is being recorded")

	// Not found / exists
	ErrNotFound        = errors.New("not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrAlreadyExists   = errors.New("already exists")

	// Validation errors
	ErrInvalidName   = errors.New("invalid name")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Internal errors
	ErrInternal = errors.New("internal error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrFileNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsStateError returns true if err is an acquisition state error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyRunning) ||
		errors.Is(err, ErrNotRunning)
}

// IsHardware returns true if err originates from the sensor driver.
func IsHardware(err error) bool {
	return errors.Is(err, ErrHardwareInit) ||
		errors.Is(err, ErrPoll) ||
		errors.Is(err, ErrPollExhausted) ||
		errors.Is(err, ErrNotConnected)
}

// IsStorage returns true if err originates from the session store.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStoreIO) ||
		errors.Is(err, ErrBatchMismatch) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrSessionUnknown) ||
		errors.Is(err, ErrStoreClosed) ||
		errors.Is(err, ErrCorruptRecord) ||
		errors.Is(err, ErrReadOnly)
}

// IsRecoverable returns true if the polling loop may continue after err.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrPoll) && !errors.Is(err, ErrPollExhausted)
}

// ============================================================================
// Error to code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its control surface code.
func ErrorToCode(err error) Code {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case Is(err, ErrAlreadyRunning):
		return CodeAlreadyRunning
	case Is(err, ErrNotRunning):
		return CodeNotRunning
	case Is(err, ErrShutdownTimeout):
		return CodeShutdownTimeout
	case Is(err, ErrHardwareInit):
		return CodeHardwareInit
	case Is(err, ErrBatchMismatch):
		return CodeBatchMismatch
	case Is(err, ErrStoreIO):
		return CodeStoreIO
	case Is(err, ErrPoll), Is(err, ErrPollExhausted):
		return CodePoll

	case IsNotFound(err):
		return CodeNotFound
	case Is(err, ErrAlreadyExists), Is(err, ErrDatasetInUse):
		return CodeAlreadyExists
	case IsValidation(err):
		return CodeInvalidRequest

	default:
		return CodeInternal
	}
}

// HTTPStatus maps an error code to the status used by the HTTP handlers.
// State conflicts are reported as 400, matching the behavior operators
// already script against.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeAlreadyRunning, CodeNotRunning, CodeAlreadyExists:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Kind attaches a sentinel kind to a lower-level cause, so both are
// visible to errors.Is.
func Kind(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewAlreadyExists creates an already-exists error with context.
func NewAlreadyExists(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrAlreadyExists)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
