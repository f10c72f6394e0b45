package safeai

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrServerUnreachable is returned when the SafeAI server cannot be
	// contacted and the client is configured fail-closed.
	ErrServerUnreachable = errors.New("server unreachable")

	// ErrApprovalTimeout is returned when approval polling exceeds the
	// maximum wait time.
	ErrApprovalTimeout = errors.New("approval timeout")
)

// APIError is returned when the server answers with a non-2xx status.
type APIError struct {
	// StatusCode is the HTTP status the server returned.
	StatusCode int

	// Message is the server-provided error message, if any.
	Message string
}

// Error returns a human-readable description of the API error.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("safeai: server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("safeai: server returned %d", e.StatusCode)
}

// ServerUnreachableError is returned when the SafeAI server cannot be
// contacted in fail-closed mode.
type ServerUnreachableError struct {
	// Cause is the underlying transport error.
	Cause error
}

// Error returns a human-readable description.
func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

// Unwrap returns the underlying cause.
func (e *ServerUnreachableError) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}

// ApprovalTimeoutError is returned when WaitForApproval gives up before the
// pending request is decided.
type ApprovalTimeoutError struct {
	// ApprovalRequestID identifies the request that stayed pending.
	ApprovalRequestID string
}

// Error returns a human-readable description.
func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval timeout for request %s", e.ApprovalRequestID)
}

// Is supports errors.Is(err, ErrApprovalTimeout).
func (e *ApprovalTimeoutError) Is(target error) bool {
	return target == ErrApprovalTimeout
}
