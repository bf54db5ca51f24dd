package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the pipeline.
type ErrorCode string

// Request and configuration error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrConfiguration  ErrorCode = "CONFIGURATION_ERROR"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrNotFound       ErrorCode = "NOT_FOUND"
)

// Detector and upstream error codes
const (
	ErrDetectorUnavailable ErrorCode = "DETECTOR_UNAVAILABLE"
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrUpstreamError       ErrorCode = "UPSTREAM_ERROR"
	ErrServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
	ErrInvalidTransition   ErrorCode = "INVALID_TRANSITION"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	DetectorID string    `json:"detector_id,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithDetector records which detector produced the error.
func (e *Error) WithDetector(id string) *Error {
	e.DetectorID = id
	return e
}

// NewConfigurationError reports a request or registry that cannot be evaluated
// as configured: unknown strategy, malformed params, missing arguments.
func NewConfigurationError(format string, args ...any) *Error {
	return NewError(ErrConfiguration, fmt.Sprintf(format, args...)).
		WithHTTPStatus(http.StatusBadRequest)
}

// NewDetectorUnavailableError wraps a failed detector backend call.
func NewDetectorUnavailableError(detectorID string, cause error) *Error {
	return NewError(ErrDetectorUnavailable, "detector backend unavailable").
		WithCause(cause).
		WithDetector(detectorID).
		WithHTTPStatus(http.StatusServiceUnavailable).
		WithRetryable(true)
}

// NewTimeoutError reports a detector call that exceeded its own deadline.
func NewTimeoutError(detectorID string, cause error) *Error {
	return NewError(ErrTimeout, "detector call timed out").
		WithCause(cause).
		WithDetector(detectorID).
		WithHTTPStatus(http.StatusGatewayTimeout).
		WithRetryable(true)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConfigurationError reports whether err carries ErrConfiguration.
func IsConfigurationError(err error) bool {
	return GetErrorCode(err) == ErrConfiguration
}
