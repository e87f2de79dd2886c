// Package engine implements the action execution core of openherd: the
// action state machine, the dependency graph, the lock manager, and the
// dispatcher that drives actions from READY to a terminal status.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassContention indicates a lock or claim could not be obtained.
	// Callers may resubmit the request.
	ErrorClassContention ErrorClass = "contention"

	// ErrorClassTimeout indicates an action body exceeded its deadline.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid request, unknown target, driver rejection.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Target is the cluster/node/action id that caused the error, if applicable.
	Target string `json:"target,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Target != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (target=%s, operation=%s): %s",
			e.Class, e.Message, e.Target, e.Operation, e.unwrapMessage())
	}
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target=%s): %s",
			e.Class, e.Message, e.Target, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewContentionError creates a new contention error.
func NewContentionError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassContention, Message: message, Err: err}
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTimeout, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithTarget adds target context to an error.
func (e *EngineError) WithTarget(target string) *EngineError {
	e.Target = target
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// IsContention returns true if the error is classified as contention.
func IsContention(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassContention
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsTimeout returns true if the error is classified as a timeout.
func IsTimeout(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTimeout
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsNotFound returns true if the error carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and contention errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsContention(err)
}

// Common error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrCodeCycle           = "DEPENDENCY_CYCLE"
	ErrCodeContention      = "LOCK_CONTENTION"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeDriverFailed    = "DRIVER_FAILED"
	ErrCodePolicyRejected  = "POLICY_REJECTED"
	ErrCodeOwnershipLost   = "OWNERSHIP_LOST"
	ErrCodeBadTransition   = "BAD_TRANSITION"
	ErrCodeBadControl      = "BAD_CONTROL"
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodePrereqFailed    = "PREREQUISITE_FAILED"
	ErrCodeLifecycleExpiry = "LIFECYCLE_TIMEOUT"
)
