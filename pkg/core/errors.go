package core

import (
	"fmt"
)

// Error is the canonical error carried across the gateway. Every failure a
// handler or service reports is either an *Error or gets converted into one
// at the API boundary.
type Error struct {
	Type          ErrorType `json:"type"`
	Message       string    `json:"message"`
	Field         string    `json:"field,omitempty"`
	Code          string    `json:"code,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	ProviderError any       `json:"provider_error,omitempty"`
	RetryAfter    *int      `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field: %s)", e.Type, e.Message, e.Field)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrValidation rejects caller-supplied booking input. Never retried,
	// surfaced verbally through the assistant. Field names the offending input.
	ErrValidation ErrorType = "validation_error"

	// ErrInvalidRequest rejects a malformed payload before domain validation
	// is even attempted (undecodable body, missing envelope).
	ErrInvalidRequest ErrorType = "invalid_request_error"

	// ErrAuthentication rejects a request whose credential is missing or wrong.
	ErrAuthentication ErrorType = "authentication_error"

	// ErrPermission rejects a request that authenticated but is not allowed
	// (bad webhook signature, calendar access revoked).
	ErrPermission ErrorType = "permission_error"

	// ErrNotFound reports an unknown route or session.
	ErrNotFound ErrorType = "not_found_error"

	// ErrState reports an invalid session transition, such as starting a call
	// that is already in progress. A usage error, reported, never swallowed.
	ErrState ErrorType = "state_error"

	// ErrEngine reports a voice engine malfunction. The session is forced back
	// to idle whenever one of these surfaces.
	ErrEngine ErrorType = "engine_error"

	// ErrTransientService reports a calendar failure worth retrying
	// (timeout, 5xx, rate limit from the provider).
	ErrTransientService ErrorType = "transient_service_error"

	// ErrPermanentService reports a calendar failure retrying cannot fix
	// (expired authorization, permission denied, slot conflict).
	ErrPermanentService ErrorType = "permanent_service_error"

	// ErrRateLimit rejects a request that exceeded the gateway's own limits.
	ErrRateLimit ErrorType = "rate_limit_error"

	// ErrAPI is the opaque internal failure.
	ErrAPI ErrorType = "api_error"
)

// NewValidationError creates a field-level validation error. Reason is the one
// actionable message the assistant relays to the caller.
func NewValidationError(field, reason string) *Error {
	return &Error{
		Type:    ErrValidation,
		Message: reason,
		Field:   field,
	}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithField creates an invalid request error naming the
// offending field.
func NewInvalidRequestErrorWithField(message, field string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Field:   field,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewPermissionError creates a permission error.
func NewPermissionError(message string) *Error {
	return &Error{
		Type:    ErrPermission,
		Message: message,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewStateError creates an invalid-transition error.
func NewStateError(message string) *Error {
	return &Error{
		Type:    ErrState,
		Message: message,
	}
}

// NewEngineError creates a voice engine error. The message must already be
// human-readable; raw engine payloads belong in ProviderError.
func NewEngineError(message string) *Error {
	return &Error{
		Type:    ErrEngine,
		Message: message,
	}
}

// NewTransientServiceError creates a retryable calendar service error.
func NewTransientServiceError(message string) *Error {
	return &Error{
		Type:    ErrTransientService,
		Message: message,
	}
}

// NewPermanentServiceError creates a non-retryable calendar service error.
func NewPermanentServiceError(message string) *Error {
	return &Error{
		Type:    ErrPermanentService,
		Message: message,
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{
		Type:       ErrRateLimit,
		Message:    message,
		RetryAfter: &retryAfter,
	}
}

// NewAPIError creates a generic internal error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// IsRetryable returns true if another attempt may succeed.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrTransientService, ErrRateLimit:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if ue, ok := e.ProviderError.(error); ok {
		return ue
	}
	return nil
}
