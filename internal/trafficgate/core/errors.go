// Package core defines sentinel errors.
package core

import "errors"

// ErrorCode represents a typed error code.
type ErrorCode string

const (
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	CodeNoInstanceAvailable ErrorCode = "NO_INSTANCE_AVAILABLE"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	CodeDownstreamFailure   ErrorCode = "DOWNSTREAM_FAILURE"
	CodeDegradedEnforcement ErrorCode = "DEGRADED_ENFORCEMENT"
	CodeConflict            ErrorCode = "CONFLICT"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
)

// AppError is a typed application error.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the error message.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wrap creates a new AppError.
func Wrap(code ErrorCode, msg string, err error) error {
	return &AppError{Code: code, Message: msg, Err: err}
}

// CodeOf returns the ErrorCode for an error.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// ErrInvalidInput indicates validation failures.
var ErrInvalidInput = &AppError{Code: CodeInvalidInput, Message: "invalid input"}

// ErrQuotaExceeded indicates a denied quota check.
var ErrQuotaExceeded = &AppError{Code: CodeQuotaExceeded, Message: "quota exceeded"}

// ErrNoInstanceAvailable indicates a cluster with no registered instances.
var ErrNoInstanceAvailable = &AppError{Code: CodeNoInstanceAvailable, Message: "no instance available"}

// ErrCircuitOpen indicates the breaker rejected the call.
var ErrCircuitOpen = &AppError{Code: CodeCircuitOpen, Message: "circuit open"}

// ErrDownstreamFailure indicates a failed or timed out downstream call.
var ErrDownstreamFailure = &AppError{Code: CodeDownstreamFailure, Message: "downstream call failed"}

// ErrConflict indicates optimistic concurrency conflicts.
var ErrConflict = &AppError{Code: CodeConflict, Message: "conflict"}

// ErrNotFound indicates missing resources.
var ErrNotFound = &AppError{Code: CodeNotFound, Message: "not found"}
