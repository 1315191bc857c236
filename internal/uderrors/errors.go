// Package uderrors defines the error taxonomy shared by every core
// component. It replaces a class-based exception hierarchy
// (each exception type carrying propagation rules baked into the class)
// with small sentinel-wrapping error types that satisfy errors.Is/As, so
// callers branch on error *kind* via the stdlib errors package instead of
// exception classes.
package uderrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of the shared propagation policy
// below: which errors retry, which are fatal, and which a caller should
// surface to its own caller unchanged.
type Kind int

const (
	// KindRetryable marks a transient failure: the caller should re-enqueue
	// the operation rather than treat it as final.
	KindRetryable Kind = iota
	// KindNotFound marks an operation whose target no longer exists; for
	// deletion-style operations this is treated as success.
	KindNotFound
	// KindMaxServicesReached marks a cache-growth attempt blocked by a
	// provider/service capacity limit.
	KindMaxServicesReached
	// KindInvalidService marks a malformed or unusable service definition.
	KindInvalidService
	// KindAccessDenied marks an access attempt rejected by calendar policy.
	KindAccessDenied
	// KindFatal marks a non-retryable failure requiring operator attention.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindNotFound:
		return "not_found"
	case KindMaxServicesReached:
		return "max_services_reached"
	case KindInvalidService:
		return "invalid_service"
	case KindAccessDenied:
		return "access_denied"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type every core component returns. Wrap
// lower-level errors into one of these via the New* constructors rather
// than returning raw driver/plug-in errors up the stack.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewRetryable builds a retryable error. Callers (Scheduler job runner,
// Deferred Deletion worker) re-enqueue the operation on this kind.
func NewRetryable(err error, format string, args ...any) *Error {
	return newError(KindRetryable, err, format, args...)
}

// NewNotFound builds a not-found error, treated as a successful deletion
// by the Deferred Deletion worker and as "nothing to do" elsewhere.
func NewNotFound(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

// NewMaxServicesReached builds the error the Cache Updater's growth path
// swallows (logs, does not abort the reconciliation cycle).
func NewMaxServicesReached(format string, args ...any) *Error {
	return newError(KindMaxServicesReached, nil, format, args...)
}

// NewInvalidService builds an error for a service definition the FSM
// cannot act on (missing publication, corrupt plug-in data, ...).
func NewInvalidService(err error, format string, args ...any) *Error {
	return newError(KindInvalidService, err, format, args...)
}

// NewAccessDenied builds the error the Service Manager façade returns when
// a calendar rule (or the fallback access policy) rejects a connection.
func NewAccessDenied(format string, args ...any) *Error {
	return newError(KindAccessDenied, nil, format, args...)
}

// NewFatal builds a non-retryable error. The Scheduler and Deferred
// Deletion worker bound the number of times they'll re-attempt these
// before abandoning the entry.
func NewFatal(err error, format string, args ...any) *Error {
	return newError(KindFatal, err, format, args...)
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
