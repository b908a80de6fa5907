package core

import (
	"errors"
	"fmt"
)

// Error represents a voice pipeline error surfaced to clients or logs.
type Error struct {
	Type     ErrorType `json:"type"`
	Message  string    `json:"message"`
	Param    string    `json:"param,omitempty"`
	Code     string    `json:"code,omitempty"`
	Provider string    `json:"provider,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest      ErrorType = "invalid_request_error"
	ErrUnauthenticated     ErrorType = "unauthenticated_error"
	ErrInvalidInterview    ErrorType = "invalid_interview_error"
	ErrProviderUnavailable ErrorType = "provider_unavailable_error"
	ErrTransportDropped    ErrorType = "transport_dropped_error"
	ErrOverloaded          ErrorType = "overloaded_error"
	ErrAPI                 ErrorType = "api_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Code:    "bad_request",
	}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
		Code:    "bad_request",
	}
}

// NewUnauthenticatedError creates an error for bad or missing credentials.
func NewUnauthenticatedError(message string) *Error {
	return &Error{
		Type:    ErrUnauthenticated,
		Message: message,
		Code:    "unauthenticated",
	}
}

// NewInvalidInterviewError creates an error for an interview that cannot be started.
func NewInvalidInterviewError(message string) *Error {
	return &Error{
		Type:    ErrInvalidInterview,
		Message: message,
		Code:    "invalid_interview",
	}
}

// NewProviderUnavailableError wraps a failed or timed-out provider call.
func NewProviderUnavailableError(provider string, underlying error) *Error {
	msg := "provider unavailable"
	if underlying != nil {
		msg = underlying.Error()
	}
	return &Error{
		Type:     ErrProviderUnavailable,
		Message:  fmt.Sprintf("%s: %s", provider, msg),
		Code:     "provider_unavailable",
		Provider: provider,
		cause:    underlying,
	}
}

// NewTransportDroppedError marks a connection that died underneath a session.
func NewTransportDroppedError(underlying error) *Error {
	msg := "connection dropped"
	if underlying != nil {
		msg = underlying.Error()
	}
	return &Error{
		Type:    ErrTransportDropped,
		Message: msg,
		Code:    "transport_dropped",
		cause:   underlying,
	}
}

// NewOverloadedError creates an overloaded error.
func NewOverloadedError(message string) *Error {
	return &Error{
		Type:    ErrOverloaded,
		Message: message,
		Code:    "overloaded",
	}
}

// NewAPIError creates a generic internal error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
		Code:    "internal",
	}
}

// IsRecoverable reports whether the session can continue after this error.
func (e *Error) IsRecoverable() bool {
	switch e.Type {
	case ErrProviderUnavailable, ErrInvalidRequest, ErrUnauthenticated, ErrInvalidInterview:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.cause
}

// IsType reports whether err is (or wraps) a *Error of the given type.
func IsType(err error, typ ErrorType) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Type == typ
}
