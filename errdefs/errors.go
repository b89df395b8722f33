package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can react to it without string matching.
type Kind string

// Error kinds surfaced by runbox operations
const (
	KindImageNotFound        Kind = "ImageNotFound"
	KindSandboxNotFound      Kind = "SandboxNotFound"
	KindSessionNotFound      Kind = "SessionNotFound"
	KindJobNotFound          Kind = "JobNotFound"
	KindInvalidState         Kind = "InvalidState"
	KindInvalidArgument      Kind = "InvalidArgument"
	KindRuntimeError         Kind = "RuntimeError"
	KindResourceLimitInvalid Kind = "ResourceLimitInvalid"
	KindQueueFull            Kind = "QueueFull"
	KindRateLimited          Kind = "RateLimited"
)

// Error is the base error type for runbox
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an existing error with an Error of the given kind
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// KindOf returns the kind of the first Error in err's chain, or an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound reports whether err is any of the not-found kinds.
func IsNotFound(err error) bool {
	switch KindOf(err) {
	case KindImageNotFound, KindSandboxNotFound, KindSessionNotFound, KindJobNotFound:
		return true
	default:
		return false
	}
}

// Common error constructors

// ImageNotFound returns an error for a language image missing from the runtime
func ImageNotFound(image string) *Error {
	return New(KindImageNotFound, fmt.Sprintf("image not found: %s", image))
}

// SandboxNotFound returns an error for an unknown sandbox id
func SandboxNotFound(id string) *Error {
	return New(KindSandboxNotFound, fmt.Sprintf("sandbox not found: %s", id))
}

// SessionNotFound returns an error for an unknown terminal session id
func SessionNotFound(id string) *Error {
	return New(KindSessionNotFound, fmt.Sprintf("terminal session not found: %s", id))
}

// JobNotFound returns an error for an unknown job id
func JobNotFound(id string) *Error {
	return New(KindJobNotFound, fmt.Sprintf("job not found: %s", id))
}

// InvalidState returns an error for an operation not allowed in the current state
func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, fmt.Sprintf(format, args...))
}

// InvalidArgument returns an error for a malformed request
func InvalidArgument(format string, args ...any) *Error {
	return New(KindInvalidArgument, fmt.Sprintf(format, args...))
}

// RuntimeFailed returns an error for a failed container runtime call
func RuntimeFailed(op string, cause error) *Error {
	return Wrap(KindRuntimeError, fmt.Sprintf("runtime %s failed", op), cause)
}

// ResourceLimitInvalid returns an error for an unparseable or non-positive limit
func ResourceLimitInvalid(name, value string, cause error) *Error {
	return Wrap(KindResourceLimitInvalid, fmt.Sprintf("invalid %s limit %q", name, value), cause)
}

// QueueFull returns an error when the job queue cannot take more work
func QueueFull(capacity int) *Error {
	return New(KindQueueFull, fmt.Sprintf("job queue is full (capacity %d)", capacity))
}

// RateLimited returns an error for a call rejected by the admission limiter
func RateLimited() *Error {
	return New(KindRateLimited, "rate limit exceeded, retry later")
}
