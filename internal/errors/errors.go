// Package errors defines the error codes shared by sessions, provisioning
// and the HTTP surface.
package errors

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	// Terminal codes recorded on a pairing session.
	ErrCodeSessionExpired  ErrorCode = "SESSION_EXPIRED"
	ErrCodeLoginFailed     ErrorCode = "LOGIN_FAILED"
	ErrCodeProvisionFailed ErrorCode = "PROVISION_FAILED"
	ErrCodeDatabase        ErrorCode = "DATABASE_ERROR"
	ErrCodeUnknown         ErrorCode = "UNKNOWN"

	// HTTP surface only.
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// AppError carries a stable code and a client-safe message. The cause is
// kept for logs and errors.Is/As but never serialized.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.cause
}

func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, cause: cause}
}

func SessionExpired() *AppError {
	return New(ErrCodeSessionExpired, "Pairing session expired before the account was linked")
}

func LoginFailed(cause error) *AppError {
	return Wrap(ErrCodeLoginFailed, "Could not link the messaging account", cause)
}

func ProvisionFailed(message string) *AppError {
	return New(ErrCodeProvisionFailed, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func Unknown(cause error) *AppError {
	return Wrap(ErrCodeUnknown, "Unexpected error", cause)
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the code of the first AppError in err's chain, or
// ErrCodeUnknown.
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeUnknown
}

// Message returns the client-facing message of an AppError, or a generic one.
func Message(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Message
	}
	return "Unexpected error"
}
