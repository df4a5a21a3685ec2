package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType categorizes application errors across component boundaries.
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeTransient        ErrorType = "transient"
	ErrorTypeCircuitOpen      ErrorType = "circuit_open"
	ErrorTypeRetryExhausted   ErrorType = "retry_exhausted"
	ErrorTypeConfigValidation ErrorType = "config_validation"
	ErrorTypeConfigEncryption ErrorType = "config_encryption"
	ErrorTypeIntegrity        ErrorType = "integrity"
	ErrorTypeForbidden        ErrorType = "forbidden"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeInternal         ErrorType = "internal"
)

// AppError is the structured error carried across component boundaries.
// Details must already be masked before being attached; the logger treats
// them as safe to emit.
type AppError struct {
	Type          ErrorType              `json:"type"`
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Cause         error                  `json:"-"`
	Retryable     bool                   `json:"retryable"`
	StatusCode    int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithCorrelationID(id string) *AppError {
	e.CorrelationID = id
	return e
}

// NewInvalidEventError reports a schema or invariant failure at ingestion.
// Non-retryable; the worker routes these to the dead-letter stream.
func NewInvalidEventError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

// NewTransientError reports a network/timeout/5xx condition that the retry
// executor may attempt again.
func NewTransientError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeTransient,
		Code:       code,
		Message:    message,
		Retryable:  true,
		StatusCode: 503,
	}
}

// NewCircuitOpenError reports a call rejected by an open circuit breaker.
// Non-retryable within the current call; NextRetryTime tells the caller when
// the breaker will admit a trial request.
func NewCircuitOpenError(key string, nextRetry time.Time) *AppError {
	return &AppError{
		Type:       ErrorTypeCircuitOpen,
		Code:       "CIRCUIT_OPEN",
		Message:    fmt.Sprintf("circuit breaker open for %s", key),
		Retryable:  false,
		StatusCode: 503,
		Details: map[string]interface{}{
			"breaker_key":     key,
			"next_retry_time": nextRetry,
		},
	}
}

// NewRetryExhaustedError wraps the final cause after all attempts failed.
func NewRetryExhaustedError(attempts int, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeRetryExhausted,
		Code:       "RETRY_EXHAUSTED",
		Message:    fmt.Sprintf("operation failed after %d attempts", attempts),
		Cause:      cause,
		Retryable:  false,
		StatusCode: 503,
		Details: map[string]interface{}{
			"attempts": attempts,
		},
	}
}

// NewConfigValidationError reports a configuration constraint violation.
// Fatal at startup; CLI entry points exit 2.
func NewConfigValidationError(field string, value interface{}, constraint string) *AppError {
	return &AppError{
		Type:       ErrorTypeConfigValidation,
		Code:       "CONFIG_VALIDATION",
		Message:    fmt.Sprintf("config field %s violates constraint: %s", field, constraint),
		Retryable:  false,
		StatusCode: 500,
		Details: map[string]interface{}{
			"field":      field,
			"value":      value,
			"constraint": constraint,
		},
	}
}

// NewConfigEncryptionError reports a secure-storage failure (missing
// password, bad ciphertext, unsupported algorithm). Fatal at startup.
func NewConfigEncryptionError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConfigEncryption,
		Code:       "CONFIG_ENCRYPTION",
		Message:    message,
		Retryable:  false,
		StatusCode: 500,
	}
}

// NewIntegrityMismatchError reports a stored hash that no longer matches the
// recomputed canonical hash. Recorded in audit_integrity_log and raised as a
// COMPLIANCE/HIGH alert; never aborts a verification sweep.
func NewIntegrityMismatchError(auditLogID int64, expected, observed string) *AppError {
	return &AppError{
		Type:       ErrorTypeIntegrity,
		Code:       "INTEGRITY_MISMATCH",
		Message:    fmt.Sprintf("hash mismatch for audit log %d", auditLogID),
		Retryable:  false,
		StatusCode: 500,
		Details: map[string]interface{}{
			"audit_log_id":  auditLogID,
			"expected_hash": expected,
			"observed_hash": observed,
		},
	}
}

// NewForbiddenError reports cross-organization access.
func NewForbiddenError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
	}
}

// NewConflictError reports an idempotency-key collision with a differing
// payload. Dead-lettered for human review.
func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  false,
		StatusCode: 500,
	}
}

// IsType reports whether err (or anything it wraps) is an AppError of the
// given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// IsRetryable reports whether err should be retried by the resilience layer.
// Unknown error types are treated as non-retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// AsAppError extracts an AppError from err, wrapping unknown errors as
// internal so boundaries always see the structured form.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError(err.Error()).WithCause(err)
}
