// Package apperrors provides structured application errors with exit-code mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	// ErrUsage marks bad CLI input detected locally, before any network call.
	ErrUsage = errors.New("usage error")
	// ErrAuth marks an invalid or missing credential.
	ErrAuth = errors.New("authentication error")
	// ErrSubmission marks a job creation rejected by the remote backend.
	ErrSubmission = errors.New("submission error")
	// ErrObservation marks a status or log endpoint unreachable beyond the
	// retry budget.
	ErrObservation = errors.New("observation error")
	// ErrRemoteJob marks a job that failed or errored on the backend. This is
	// a legitimate terminal outcome, not a client bug, and is never retried.
	ErrRemoteJob = errors.New("remote job error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For usage errors (e.g., "timeout", "env")
	Op       string // Operation that failed (e.g., "api.submit")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and cause for errors.Is() classification.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Sentinel, e.Cause}
	}
	return []error{e.Sentinel}
}

// Usage creates a usage error for a specific input field.
func Usage(field, message string) error {
	return &Error{
		Sentinel: ErrUsage,
		Message:  message,
		Field:    field,
	}
}

// Auth creates an authentication error.
func Auth(message string) error {
	return &Error{
		Sentinel: ErrAuth,
		Message:  message,
	}
}

// Submission creates a submission error wrapping the backend's rejection.
func Submission(op string, cause error) error {
	return &Error{
		Sentinel: ErrSubmission,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Observation creates an observation error after the retry budget is exhausted.
func Observation(op string, cause error) error {
	return &Error{
		Sentinel: ErrObservation,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// RemoteJob creates an error reporting a backend-side job failure verbatim.
func RemoteJob(message string) error {
	return &Error{
		Sentinel: ErrRemoteJob,
		Message:  message,
	}
}
