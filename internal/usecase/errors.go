package usecase

import (
	"fmt"
	"time"
)

type ErrorCode string

const (
	ErrorInvalidInput          ErrorCode = "INVALID_INPUT"
	ErrorSessionNotFound       ErrorCode = "SESSION_NOT_FOUND"
	ErrorSessionRequired       ErrorCode = "SESSION_REQUIRED"
	ErrorSessionBusy           ErrorCode = "SESSION_BUSY"
	ErrorUnsupportedLanguage   ErrorCode = "UNSUPPORTED_LANGUAGE"
	ErrorLowConfidence         ErrorCode = "LOW_CONFIDENCE"
	ErrorAdmissionRejected     ErrorCode = "ADMISSION_REJECTED"
	ErrorDependencyUnavailable ErrorCode = "DEPENDENCY_UNAVAILABLE"
	ErrorService               ErrorCode = "SERVICE_ERROR"
	ErrorInternal              ErrorCode = "INTERNAL_ERROR"
)

// Error is the failed outcome of a use-case operation. Reason is a stable
// snake_case detail for logs and clients.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error

	// Supported lists the accepted language codes for
	// ErrorUnsupportedLanguage.
	Supported []string
	// RetryAfter hints when an overloaded or unavailable request may be
	// retried.
	RetryAfter time.Duration
	Dependency string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
