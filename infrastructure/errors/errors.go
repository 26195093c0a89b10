// Package errors provides tagged-variant errors shared across the sync engine.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a distinct error variant.
type ErrorCode string

const (
	// Domain errors (consent, job queue, idempotency)
	ErrCodeNotFound                ErrorCode = "DOM_NOT_FOUND"
	ErrCodeInvalidStatusTransition ErrorCode = "DOM_INVALID_TRANSITION"
	ErrCodeAlreadyRejected         ErrorCode = "DOM_ALREADY_REJECTED"
	ErrCodeAlreadyAuthorised       ErrorCode = "DOM_ALREADY_AUTHORISED"
	ErrCodeValidationFailed        ErrorCode = "DOM_VALIDATION_FAILED"
	ErrCodeConcurrencyConflict     ErrorCode = "DOM_CONCURRENCY_CONFLICT"

	// Infrastructure errors (transmitter gateway)
	ErrCodeUnavailable          ErrorCode = "INFRA_UNAVAILABLE"
	ErrCodeUnauthorized         ErrorCode = "INFRA_UNAUTHORIZED"
	ErrCodeForbidden            ErrorCode = "INFRA_FORBIDDEN"
	ErrCodeRateLimited          ErrorCode = "INFRA_RATE_LIMITED"
	ErrCodeTimeout              ErrorCode = "INFRA_TIMEOUT"
	ErrCodeTransientServerError ErrorCode = "INFRA_TRANSIENT_SERVER_ERROR"
	ErrCodeProtocolError        ErrorCode = "INFRA_PROTOCOL_ERROR"

	// Queue errors
	ErrCodeRetryable ErrorCode = "QUEUE_RETRYABLE"
	ErrCodeTerminal  ErrorCode = "QUEUE_TERMINAL"

	// Idempotency errors
	ErrCodeIdempotencyConflict ErrorCode = "DOM_IDEMPOTENCY_CONFLICT"
)

// ServiceError is a structured, tagged error with a stable code, an HTTP
// status for the controller boundary, and optional structured details.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a structured detail field and returns the receiver.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// =============================================================================
// Domain Errors
// =============================================================================

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// InvalidStatusTransition is returned when a Consent or ProcessingJob attempts
// a transition not present in the state machine's table.
func InvalidStatusTransition(from, to string) *ServiceError {
	return New(ErrCodeInvalidStatusTransition, "invalid status transition", http.StatusUnprocessableEntity).
		WithDetails("from", from).
		WithDetails("to", to)
}

// AlreadyRejected is returned when revoking a Consent already in a terminal
// rejected state.
func AlreadyRejected() *ServiceError {
	return New(ErrCodeAlreadyRejected, "consent already rejected", http.StatusUnprocessableEntity)
}

func AlreadyAuthorised() *ServiceError {
	return New(ErrCodeAlreadyAuthorised, "consent already authorised", http.StatusUnprocessableEntity)
}

func ValidationFailed(field, reason string) *ServiceError {
	return New(ErrCodeValidationFailed, "validation failed", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// ConcurrencyConflict is returned when optimistic-concurrency version check
// fails twice in a row (the caller's single retry also lost the race).
func ConcurrencyConflict(aggregateID string) *ServiceError {
	return New(ErrCodeConcurrencyConflict, "concurrent modification conflict", http.StatusConflict).
		WithDetails("aggregateId", aggregateID)
}

// =============================================================================
// Infrastructure Errors
// =============================================================================

func Unavailable(operation string, err error) *ServiceError {
	return Wrap(ErrCodeUnavailable, "service unavailable", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

func RateLimited(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func TransientServerError(statusCode int, err error) *ServiceError {
	return Wrap(ErrCodeTransientServerError, "transient upstream error", http.StatusBadGateway, err).
		WithDetails("upstreamStatus", statusCode)
}

func ProtocolError(detail string) *ServiceError {
	return New(ErrCodeProtocolError, detail, http.StatusBadGateway)
}

// Internal wraps an unexpected error for the ambient HTTP/middleware layer.
func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeTransientServerError, message, http.StatusInternalServerError, err)
}

// InvalidToken is returned by service-to-service auth middleware when a JWT
// fails parsing or claim validation.
func InvalidToken(err error) *ServiceError {
	return Wrap(ErrCodeUnauthorized, "invalid authentication token", http.StatusUnauthorized, err)
}

// IdempotencyKeyConflict is returned when a request key is reused with a
// different payload than the one it was first observed with (replay
// protection, as opposed to the idempotency store's same-payload cache hit).
func IdempotencyKeyConflict(key string) *ServiceError {
	return New(ErrCodeIdempotencyConflict, "idempotency key reused with a different payload", http.StatusUnprocessableEntity).
		WithDetails("key", key)
}

// =============================================================================
// Queue Errors
// =============================================================================

// Retryable wraps an error that the job queue should retry with backoff.
func Retryable(cause error) *ServiceError {
	return Wrap(ErrCodeRetryable, "retryable failure", http.StatusServiceUnavailable, cause)
}

// Terminal wraps an error that should move a job straight to dead-letter.
func Terminal(cause error) *ServiceError {
	return Wrap(ErrCodeTerminal, "terminal failure", http.StatusUnprocessableEntity, cause)
}

// =============================================================================
// Helpers
// =============================================================================

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is implements errors.Is comparison by code, ignoring message/details.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}
