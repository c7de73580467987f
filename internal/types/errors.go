package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and services MUST use these constants
// instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidBody  ErrorCode = "validation_invalid_body"
	ErrCodeValidationInvalidJSON  ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidStep  ErrorCode = "validation_invalid_step"
	ErrCodeValidationInvalidMode  ErrorCode = "validation_invalid_status_check_mode"

	// Not Found (404)
	ErrCodeNotFoundRun     ErrorCode = "not_found_run"
	ErrCodeNotFoundRule    ErrorCode = "not_found_rule"
	ErrCodeNotFoundJob     ErrorCode = "not_found_job"
	ErrCodeNotFoundAccount ErrorCode = "not_found_account"

	// Conflict (409)
	ErrCodeConflictRunFinished  ErrorCode = "conflict_run_already_finished"
	ErrCodeConflictDuplicateJob ErrorCode = "conflict_duplicate_job"

	// Saturation (503)
	ErrCodeQueueSaturated ErrorCode = "queue_saturated"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeInternalCrypto     ErrorCode = "internal_crypto_error"

	ErrCodeUpstreamUnavailable  ErrorCode = "upstream_vendor_unavailable"
	ErrCodeUpstreamRateLimited  ErrorCode = "upstream_vendor_rate_limited"
	ErrCodeUpstreamAuthRejected ErrorCode = "upstream_credentials_rejected"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case c == ErrCodeQueueSaturated:
		return http.StatusServiceUnavailable
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type. Domain and handler errors
// are expressed as AppError to enable consistent formatting, HTTP status
// mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
