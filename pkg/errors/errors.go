// Package errors provides the structured error system for attachstore: error codes, categories,
// failure classes used by the retry policy, and default HTTP status mapping.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for attachstore operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Connection Errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeConnectionPool    ErrorCode = "CONNECTION_POOL"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Storage Errors
	ErrCodeObjectNotFound     ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeStorageWrite       ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageRead        ErrorCode = "STORAGE_READ"
	ErrCodeStorageDelete      ErrorCode = "STORAGE_DELETE"
	ErrCodeAccessDenied       ErrorCode = "ACCESS_DENIED"
	ErrCodeVerificationFailed ErrorCode = "VERIFICATION_FAILED"
	ErrCodeDirectoryFailed    ErrorCode = "DIRECTORY_FAILED"

	// Path Errors
	ErrCodePathInvalid ErrorCode = "PATH_INVALID"

	// Resource Errors
	ErrCodePoolExhausted ErrorCode = "POOL_EXHAUSTED"
	ErrCodePoolDrained   ErrorCode = "POOL_DRAINED"
	ErrCodeLimitExceeded ErrorCode = "LIMIT_EXCEEDED"

	// Operation Errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Authentication Errors
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodePermissionDenied     ErrorCode = "PERMISSION_DENIED"

	// Internal Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnknownError  ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryPath          ErrorCategory = "path"
	CategoryResource      ErrorCategory = "resource"
	CategoryOperation     ErrorCategory = "operation"
	CategoryAuth          ErrorCategory = "auth"
	CategoryInternal      ErrorCategory = "internal"
)

// Class is the failure class a remote operation error belongs to. The retry
// policy and the session pool act on the class, never on the raw error.
type Class string

const (
	// ClassTransient failures are retried with backoff.
	ClassTransient Class = "transient"
	// ClassNotFound means the remote object does not exist.
	ClassNotFound Class = "not_found"
	// ClassCancelled means the caller went away; never retried.
	ClassCancelled Class = "cancelled"
	// ClassCapacity means no session could be obtained in time.
	ClassCapacity Class = "capacity"
	// ClassFatal failures abort immediately.
	ClassFatal Class = "fatal"
)

// StoreError represents a structured error with context and metadata.
type StoreError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Class    Class                  `json:"class"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *StoreError) Error() string {
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
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *StoreError) Is(target error) bool {
	if storeErr, ok := target.(*StoreError); ok {
		return e.Code == storeErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *StoreError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Class=%s", e.Class))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

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

	return fmt.Sprintf("StoreError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with default values derived from the code.
func NewError(code ErrorCode, message string) *StoreError {
	class := DefaultClass(code)
	return &StoreError{
		Code:       code,
		Category:   GetCategory(code),
		Class:      class,
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Retryable:  class == ClassTransient,
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "OBJECT_") || strings.HasPrefix(codeStr, "STORAGE_") ||
		strings.HasPrefix(codeStr, "ACCESS_") || strings.HasPrefix(codeStr, "VERIFICATION_") ||
		strings.HasPrefix(codeStr, "DIRECTORY_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "PATH_"):
		return CategoryPath
	case strings.HasPrefix(codeStr, "POOL_") || strings.HasPrefix(codeStr, "LIMIT_"):
		return CategoryResource
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_") ||
		strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryOperation
	case strings.HasPrefix(codeStr, "AUTHENTICATION_") || strings.HasPrefix(codeStr, "PERMISSION_"):
		return CategoryAuth
	default:
		return CategoryInternal
	}
}

// DefaultClass returns the failure class an error code belongs to.
func DefaultClass(code ErrorCode) Class {
	switch code {
	case ErrCodeConnectionFailed, ErrCodeConnectionTimeout, ErrCodeNetworkError,
		ErrCodeOperationTimeout, ErrCodeRetryExhausted, ErrCodeStorageRead,
		ErrCodeStorageWrite, ErrCodeStorageDelete:
		return ClassTransient
	case ErrCodeObjectNotFound:
		return ClassNotFound
	case ErrCodeOperationCanceled:
		return ClassCancelled
	case ErrCodePoolExhausted:
		return ClassCapacity
	default:
		return ClassFatal
	}
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:        400, // Bad Request
		ErrCodeConfigValidation:     400,
		ErrCodePathInvalid:          400,
		ErrCodeValidationFailed:     400,
		ErrCodeAuthenticationFailed: 502, // remote rejected our credentials
		ErrCodePermissionDenied:     502,
		ErrCodeAccessDenied:         502,
		ErrCodeObjectNotFound:       404, // Not Found
		ErrCodeLimitExceeded:        413, // Payload Too Large
		ErrCodeOperationCanceled:    499, // Client Closed Request
		ErrCodeConnectionFailed:     502, // Bad Gateway
		ErrCodeNetworkError:         502,
		ErrCodeStorageRead:          502,
		ErrCodeStorageWrite:         502,
		ErrCodeStorageDelete:        502,
		ErrCodeRetryExhausted:       502,
		ErrCodeVerificationFailed:   502,
		ErrCodeDirectoryFailed:      502,
		ErrCodePoolExhausted:        503, // Service Unavailable
		ErrCodePoolDrained:          503,
		ErrCodeOperationTimeout:     504, // Gateway Timeout
		ErrCodeConnectionTimeout:    504,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// WithDetail adds detailed information to an error
func (e *StoreError) WithDetail(key string, value interface{}) *StoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *StoreError) WithComponent(component string) *StoreError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *StoreError) WithOperation(operation string) *StoreError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *StoreError) WithCause(cause error) *StoreError {
	e.Cause = cause
	return e
}

// WithClass overrides the failure class derived from the code.
func (e *StoreError) WithClass(class Class) *StoreError {
	e.Class = class
	e.Retryable = class == ClassTransient
	return e
}

// UserFacingMessage returns a simplified message suitable for API clients.
func (e *StoreError) UserFacingMessage() string {
	messages := map[ErrorCode]string{
		ErrCodeObjectNotFound:     "File not found",
		ErrCodeConnectionTimeout:  "Connection to file storage timed out",
		ErrCodeConnectionFailed:   "Failed to connect to file storage",
		ErrCodeNetworkError:       "Network error while talking to file storage",
		ErrCodeRetryExhausted:     "File storage is temporarily unavailable",
		ErrCodeVerificationFailed: "Uploaded file could not be verified",
		ErrCodePoolExhausted:      "File storage is busy, please retry",
		ErrCodePoolDrained:        "Service is shutting down",
		ErrCodeOperationTimeout:   "Operation timed out",
		ErrCodeLimitExceeded:      "File too large",
		ErrCodeValidationFailed:   "Invalid request",
	}

	if msg, exists := messages[e.Code]; exists {
		return msg
	}
	return "Internal storage error"
}
