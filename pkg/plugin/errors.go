package plugin

import (
	"errors"
	"fmt"
)

// Kind classifies a plugin error so drivers can decide policy without
// inspecting plugin-specific failures. Plugins wrap their errors with
// the constructors below; anything unclassified defaults to transient.
type Kind string

// Error kinds.
const (
	// KindTransient errors are retried with backoff; checkpoints are
	// not advanced.
	KindTransient Kind = "transient"

	// KindFatal errors mark the component unhealthy; scheduling
	// continues with backoff but the condition is not expected to clear
	// on its own.
	KindFatal Kind = "fatal"

	// KindRejected means the remote refused the delivery with
	// client-error semantics. Terminal for that event/route; no retry.
	KindRejected Kind = "rejected"

	// KindValidation means an inbound request failed validation
	// (webhook signature, schema). Mapped to a 4xx response; nothing
	// is published.
	KindValidation Kind = "validation"
)

// Error is a classified plugin error.
type Error struct {
	Kind Kind
	Err  error
}

// Error returns the formatted message.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as retriable.
func Transient(err error) *Error { return &Error{Kind: KindTransient, Err: err} }

// Transientf is Transient with formatting.
func Transientf(format string, args ...any) *Error {
	return Transient(fmt.Errorf(format, args...))
}

// Fatal wraps err as non-recoverable.
func Fatal(err error) *Error { return &Error{Kind: KindFatal, Err: err} }

// Rejected wraps err as a terminal, non-retriable refusal.
func Rejected(err error) *Error { return &Error{Kind: KindRejected, Err: err} }

// Rejectedf is Rejected with formatting.
func Rejectedf(format string, args ...any) *Error {
	return Rejected(fmt.Errorf(format, args...))
}

// Validation wraps err as a request-validation failure.
func Validation(err error) *Error { return &Error{Kind: KindValidation, Err: err} }

// Classify returns the kind of err. Unwrapped/unknown errors classify
// as transient. Retrying is the safe default for I/O against external
// platforms.
func Classify(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}
