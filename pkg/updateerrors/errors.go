// Package updateerrors defines the error kind shared by every component of
// the update agent's data plane, so callers can classify a failure without
// caring which component raised it (§7).
package updateerrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an UpdateError for retry and reporting purposes (§7).
type Kind string

const (
	KindConfig       Kind = "CONFIG"
	KindSize         Kind = "SIZE"
	KindNotFound     Kind = "NOT_FOUND"
	KindModified     Kind = "MODIFIED"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindStartup      Kind = "STARTUP"
	KindIO           Kind = "IO"
	KindProtocol     Kind = "PROTOCOL"
	KindTimeout      Kind = "TIMEOUT"
	KindCancelled    Kind = "CANCELLED"
)

// UpdateError is the single error type produced by pkg/chunkindex,
// pkg/verityhash, pkg/dmverity, pkg/nbdserver, and pkg/installer. Component is
// the package that raised it, for log correlation; it is not part of
// classification.
type UpdateError struct {
	Kind      Kind
	Component string
	Message   string
	Timestamp time.Time
	Retryable bool
	Cause     error
}

func (e *UpdateError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %s", e.Component, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *UpdateError) Unwrap() error {
	return e.Cause
}

// New builds an UpdateError. Retryable defaults to the kind's usual nature
// (see classifyRetryable) but can be overridden by callers that know better
// for a specific failure, e.g. a NOT_FOUND during polling that should not be
// retried until the next poll tick.
func New(kind Kind, component, message string, cause error) *UpdateError {
	return &UpdateError{
		Kind:      kind,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: classifyRetryable(kind),
		Cause:     cause,
	}
}

// Newf builds an UpdateError with a formatted message.
func Newf(kind Kind, component string, cause error, format string, args ...interface{}) *UpdateError {
	return New(kind, component, fmt.Sprintf(format, args...), cause)
}

func classifyRetryable(kind Kind) bool {
	switch kind {
	case KindIO, KindTimeout, KindNotFound:
		return true
	default:
		return false
	}
}

// Is reports whether err is an UpdateError of the given kind.
func Is(err error, kind Kind) bool {
	var ue *UpdateError
	if errors.As(err, &ue) {
		return ue.Kind == kind
	}
	return false
}

// IsRetryable reports whether err suggests the caller should retry, either
// immediately (per the short-retry interval) or at the next poll.
func IsRetryable(err error) bool {
	var ue *UpdateError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return false
}

// IsCancelled reports whether err stems from cooperative cancellation rather
// than a genuine failure, so callers can skip error reporting on shutdown.
func IsCancelled(err error) bool {
	return Is(err, KindCancelled)
}
