// Package errors defines the structured error kinds shared by the hook, CLI and
// admin HTTP paths.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error kind codes.
const (
	CodeConfigMissing  = "CONFIG_MISSING"
	CodeLockTimeout    = "LOCK_TIMEOUT"
	CodeCorruptRecord  = "CORRUPT_RECORD"
	CodeIndexStale     = "INDEX_STALE"
	CodeIOFailure      = "IO_FAILURE"
	CodeInvalidRequest = "INVALID_REQUEST"
)

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Code is one of the Code* kind constants.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// WithDetail attaches a detail field and returns the same error.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError.
func New(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

// ConfigMissing reports a project that has not been initialized.
func ConfigMissing(root string) *AppError {
	return New(http.StatusNotFound, CodeConfigMissing, "project not initialized", nil).WithDetail("root", root)
}

// LockTimeout reports writer contention that exceeded the configured bound.
func LockTimeout(path string, err error) *AppError {
	return New(http.StatusServiceUnavailable, CodeLockTimeout, "timed out waiting for project lock", err).WithDetail("lock", path)
}

// CorruptRecord reports a stored record that failed to deserialize.
func CorruptRecord(line int, err error) *AppError {
	return New(http.StatusInternalServerError, CodeCorruptRecord, "corrupt record", err).WithDetail("line", line)
}

// IndexStale reports a derived index that no longer matches the turn log.
func IndexStale(reason string) *AppError {
	return New(http.StatusInternalServerError, CodeIndexStale, "search index is stale", nil).WithDetail("reason", reason)
}

// IOFailure wraps a disk-level failure.
func IOFailure(op string, err error) *AppError {
	return New(http.StatusInternalServerError, CodeIOFailure, op, err)
}

// InvalidRequest reports bad caller input on the admin path.
func InvalidRequest(message string) *AppError {
	return New(http.StatusBadRequest, CodeInvalidRequest, message, nil)
}

// IsKind reports whether err wraps an AppError with the given code.
func IsKind(err error, code string) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// StatusCode returns the HTTP status for err, defaulting to 500.
func StatusCode(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.HTTPStatusCode != 0 {
		return appErr.HTTPStatusCode
	}
	return http.StatusInternalServerError
}

// From returns err as an AppError, wrapping unknown errors as IOFailure.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return IOFailure("operation failed", err)
}
