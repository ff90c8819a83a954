// Package errors provides a structured error system for the data-find server
// with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode represents a structured error code.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Inventory and access-list data errors
	ErrCodeMalformedLine ErrorCode = "MALFORMED_LINE"
	ErrCodeRefreshIO     ErrorCode = "REFRESH_IO"

	// Query errors
	ErrCodeNoCoverage     ErrorCode = "NO_COVERAGE"
	ErrCodeUnknownSeries  ErrorCode = "UNKNOWN_SERIES"
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// State errors
	ErrCodeNotReady           ErrorCode = "NOT_READY"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Authorization errors
	ErrCodeAuthorizationDenied ErrorCode = "AUTHORIZATION_DENIED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryData          ErrorCategory = "data"
	CategoryQuery         ErrorCategory = "query"
	CategoryState         ErrorCategory = "state"
	CategoryAuth          ErrorCategory = "auth"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinel errors for errors.Is comparisons. Matching is by code, so any
// DataFindError carrying the same code satisfies errors.Is.
var (
	ErrMalformedLine  = sentinel(ErrCodeMalformedLine, "malformed line")
	ErrRefreshIO      = sentinel(ErrCodeRefreshIO, "backing file unreadable")
	ErrNoCoverage     = sentinel(ErrCodeNoCoverage, "no coverage")
	ErrUnknownSeries  = sentinel(ErrCodeUnknownSeries, "unknown series")
	ErrInvalidRequest = sentinel(ErrCodeInvalidRequest, "invalid request")
	ErrNotReady       = sentinel(ErrCodeNotReady, "snapshot not ready")
	ErrShutdown       = sentinel(ErrCodeShutdownInProgress, "store shut down")
	ErrDenied         = sentinel(ErrCodeAuthorizationDenied, "authorization denied")
)

func sentinel(code ErrorCode, message string) *DataFindError {
	return &DataFindError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// DataFindError represents a structured error with context and metadata.
type DataFindError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	HTTPStatus int `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *DataFindError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *DataFindError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *DataFindError) Is(target error) bool {
	if t, ok := target.(*DataFindError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *DataFindError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("DataFindError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with default values for the code.
func NewError(code ErrorCode, message string) *DataFindError {
	return &DataFindError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Wrap creates a new error for code with cause attached.
func Wrap(code ErrorCode, cause error, message string) *DataFindError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeMalformedLine, ErrCodeRefreshIO:
		return CategoryData
	case ErrCodeNoCoverage, ErrCodeUnknownSeries, ErrCodeInvalidRequest:
		return CategoryQuery
	case ErrCodeNotReady, ErrCodeShutdownInProgress:
		return CategoryState
	case ErrCodeAuthorizationDenied:
		return CategoryAuth
	default:
		return CategoryInternal
	}
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:       http.StatusBadRequest,
		ErrCodeInvalidRequest:      http.StatusBadRequest,
		ErrCodeAuthorizationDenied: http.StatusForbidden,
		ErrCodeNoCoverage:          http.StatusOK,
		ErrCodeUnknownSeries:       http.StatusOK,
		ErrCodeNotReady:            http.StatusServiceUnavailable,
		ErrCodeShutdownInProgress:  http.StatusServiceUnavailable,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// StatusOf returns the HTTP status carried by err, or 500 when err is not a
// DataFindError.
func StatusOf(err error) int {
	var dfErr *DataFindError
	if As(err, &dfErr) && dfErr.HTTPStatus != 0 {
		return dfErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// WithDetail adds detailed information to an error
func (e *DataFindError) WithDetail(key string, value interface{}) *DataFindError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *DataFindError) WithComponent(component string) *DataFindError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *DataFindError) WithOperation(operation string) *DataFindError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *DataFindError) WithCause(cause error) *DataFindError {
	e.Cause = cause
	return e
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderr.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return stderr.As(err, target) }
