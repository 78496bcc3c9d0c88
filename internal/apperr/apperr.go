// Package apperr defines the error kinds shared across the orchestrator so
// HTTP handlers and background workers can classify a failure without
// parsing strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way the rest of the system needs to react to
// it (retry, surface to caller, alert on-call, ...).
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNoProviderAvail   Kind = "no_provider_available"
	KindProviderError     Kind = "provider_error"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindConcurrentRequest Kind = "concurrent_request"
	KindInvalidSignature  Kind = "invalid_signature"
	KindUnknownProvider   Kind = "unknown_provider"
	KindMissingEventID    Kind = "missing_event_id"
	KindInternal          Kind = "internal_error"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// errors.As without string matching.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// isn't an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
