// Package errors provides the application error type and the stable
// error codes surfaced at the orchestrator boundary.
package errors

import (
	"errors"
	"fmt"
)

// Error codes, stable across versions.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAccessDenied  = "ACCESS_DENIED"
	ErrCodeAlreadyInUse  = "ALREADY_IN_USE"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeAuthorization = "AUTHORIZATION_ERROR"
	ErrCodeDecryption    = "DECRYPTION_ERROR"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with a stable code.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Validation creates a validation error naming the violated rule.
// Validation errors are never retried.
func Validation(rule string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: rule}
}

// Validationf creates a validation error with a formatted message.
func Validationf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// AlreadyInUse creates a conflict error for a resource identifier.
func AlreadyInUse(resource, name string) *AppError {
	return &AppError{
		Code:    ErrCodeAlreadyInUse,
		Message: fmt.Sprintf("%s '%s' is already in use", resource, name),
	}
}

// Timeout creates a timeout error for an operation.
func Timeout(operation string) *AppError {
	return &AppError{
		Code:    ErrCodeTimeout,
		Message: fmt.Sprintf("%s timed out", operation),
	}
}

// AccessDenied creates an access denied error.
func AccessDenied(message string) *AppError {
	return &AppError{Code: ErrCodeAccessDenied, Message: message}
}

// Internal creates an internal error wrapping the underlying cause.
func Internal(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message, Err: err}
}

// Wrap attaches a message to an existing error, preserving its code if it
// already is an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{Code: appErr.Code, Message: message, Err: err}
	}
	return &AppError{Code: ErrCodeInternal, Message: message, Err: err}
}

// CodeOf returns the stable code for an error, ErrCodeInternal if none.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
