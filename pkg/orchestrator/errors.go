// Package orchestrator implements the core of the RecoWave disaster-recovery
// orchestrator: admission control, launch-configuration management, wave
// execution and wave polling against an external recovery control plane.
package orchestrator

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary control-plane unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by the control plane.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource currently claimed elsewhere.
	// Examples: a source server participating in another in-flight job.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid input, missing protection group, exhausted quota.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error represents a classified orchestrator error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling. Codes are
	// part of the persisted state contract (error_code on executions and
	// waves) and must stay stable.
	Code string `json:"code,omitempty"`

	// Server is the source server id that caused the error, if applicable.
	Server string `json:"server,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Server != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (server=%s, operation=%s): %s",
			e.Class, e.Message, e.Server, e.Operation, e.unwrapMessage())
	}
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation=%s): %s",
			e.Class, e.Message, e.Operation, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *Error {
	return &Error{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Code: ErrCodeConflict, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewValidationError creates a permanent error flagged as bad input.
func NewValidationError(message string) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Code: ErrCodeValidation}
}

// NewNotFoundError creates a permanent error for a missing entity.
func NewNotFoundError(message string) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Code: ErrCodeNotFound}
}

// WithServer adds server context to an error.
func (e *Error) WithServer(serverID string) *Error {
	e.Server = serverID
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsNotFound returns true if the error carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// Error codes persisted on failed executions and waves.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeQuotaExceeded = "QUOTA_EXCEEDED"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeApplication   = "APPLICATION_ERROR"
	ErrCodePersistence   = "PERSISTENCE_ERROR"
	ErrCodeJobNotFound   = "JOB_NOT_FOUND"

	// Wave-start error codes surfaced to the UI layer.
	ErrCodeNoServersMatchTags    = "NO_SERVERS_MATCH_TAGS"
	ErrCodeNoServerSelection     = "NO_SERVER_SELECTION_CONFIGURED"
	ErrCodeDRSConflict           = "DRS_CONFLICT_EXCEPTION"
	ErrCodeDRSStartRecoveryError = "DRS_START_RECOVERY_FAILED"
)
