package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies task-level failures. Request-level failures are never
// errors; they are encoded in the measurement outcome.
type ErrorCode string

const (
	CodeInvalidDescriptor ErrorCode = "INVALID_DESCRIPTOR"
	CodeInvalidDataset    ErrorCode = "INVALID_DATASET"
	CodeTransportInit     ErrorCode = "TRANSPORT_INIT"
	CodeSinkDegraded      ErrorCode = "SINK_DEGRADED"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeCapacity          ErrorCode = "TASK_CAPACITY"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// AppError carries an error code alongside the message and optional cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidDescriptorError reports a descriptor that failed validation.
func NewInvalidDescriptorError(message string) *AppError {
	return &AppError{Code: CodeInvalidDescriptor, Message: message}
}

// NewInvalidDatasetError reports a dataset that failed to load or parse.
func NewInvalidDatasetError(message string, cause error) *AppError {
	return &AppError{Code: CodeInvalidDataset, Message: message, Err: cause}
}

// NewTransportInitError reports an HTTP transport that could not be built,
// including unusable TLS client material.
func NewTransportInitError(message string, cause error) *AppError {
	return &AppError{Code: CodeTransportInit, Message: message, Err: cause}
}

// NewSinkDegradedError reports a terminal summary write that failed after retries.
func NewSinkDegradedError(message string, cause error) *AppError {
	return &AppError{Code: CodeSinkDegraded, Message: message, Err: cause}
}

// NewNotFoundError reports a missing task handle.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// NewCapacityError reports a task rejected by the concurrent-task limit.
func NewCapacityError(message string) *AppError {
	return &AppError{Code: CodeCapacity, Message: message}
}

// NewInternalError reports an unexpected engine failure.
func NewInternalError(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: cause}
}

func codeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsInvalidDescriptor reports whether err is a descriptor validation error.
func IsInvalidDescriptor(err error) bool { return codeOf(err) == CodeInvalidDescriptor }

// IsInvalidDataset reports whether err is a dataset load error.
func IsInvalidDataset(err error) bool { return codeOf(err) == CodeInvalidDataset }

// IsTransportInit reports whether err is a transport initialization error.
func IsTransportInit(err error) bool { return codeOf(err) == CodeTransportInit }

// IsSinkDegraded reports whether err is a degraded sink error.
func IsSinkDegraded(err error) bool { return codeOf(err) == CodeSinkDegraded }

// IsNotFound reports whether err is a missing-task error.
func IsNotFound(err error) bool { return codeOf(err) == CodeNotFound }

// IsCapacity reports whether err is a task-limit rejection.
func IsCapacity(err error) bool { return codeOf(err) == CodeCapacity }
