// Package errors provides error code definitions for the CareSync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies an error class across package boundaries and in API
// responses.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrPermission ErrorCode = "PERMISSION_DENIED"

	// Store errors
	ErrStore            ErrorCode = "STORE_ERROR"
	ErrMigration        ErrorCode = "MIGRATION_FAILED"
	ErrRevisionMismatch ErrorCode = "REVISION_MISMATCH"

	// Sync errors
	ErrSyncFailed            ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout           ErrorCode = "SYNC_TIMEOUT"
	ErrConflict              ErrorCode = "CONFLICT_ERROR"
	ErrStrategyNotConfigured ErrorCode = "STRATEGY_NOT_CONFIGURED"

	// Archive errors
	ErrExportFailed     ErrorCode = "EXPORT_FAILED"
	ErrInvalidPassword  ErrorCode = "INVALID_PASSWORD"
	ErrCorruptedArchive ErrorCode = "CORRUPTED_ARCHIVE"
	ErrCryptoFailed     ErrorCode = "CRYPTO_FAILED"

	// Configuration errors
	ErrConfig ErrorCode = "CONFIG_INVALID"
)

// AppError couples a code with a human-readable message and an
// optional cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error renders as "[CODE] message" with the cause appended when set.
func (e *AppError) Error() string {
	msg := "[" + string(e.Code) + "] " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause to errors.Is and errors.As chains.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New builds a coded error with a fixed message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf builds a coded error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is reports whether err carries code, unwrapping as needed. Plain
// errors match no code.
func Is(err error, code ErrorCode) bool {
	var app *AppError
	return stderrors.As(err, &app) && app.Code == code
}

// CodeOf classifies err for API responses: the carried code, or
// ErrInternal for plain errors.
func CodeOf(err error) ErrorCode {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Code
	}
	return ErrInternal
}

// IsNotFound reports whether err is a missing-document signal.
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound)
}

// IsValidation reports whether err is a rejected-input signal.
func IsValidation(err error) bool {
	return Is(err, ErrValidation)
}
