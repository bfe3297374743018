// Package errors provides the error taxonomy shared by the sync subsystem.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an AppError.
type ErrorCode string

const (
	// General errors
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
	ErrInvalid       ErrorCode = "INVALID_INPUT"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Local durable store errors
	ErrStorage   ErrorCode = "STORAGE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Remote store errors
	ErrRemoteTransient ErrorCode = "REMOTE_TRANSIENT"
	ErrRemoteNotFound  ErrorCode = "REMOTE_NOT_FOUND"
	ErrRemoteRejected  ErrorCode = "REMOTE_REJECTED"

	// Board reconciliation
	ErrReconciliationAnomaly ErrorCode = "RECONCILIATION_ANOMALY"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsRetryable reports whether a failed remote call may succeed if replayed later.
func IsRetryable(err error) bool {
	return Is(err, ErrRemoteTransient)
}

// IsNotFound reports whether err means the remote or local target is gone.
func IsNotFound(err error) bool {
	return Is(err, ErrRemoteNotFound) || Is(err, ErrNotFound)
}
