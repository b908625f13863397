// Package apperr defines the error taxonomy shared across the trust engine
// core: every public operation fails with one of a small set of kinds so
// callers can branch on errors.As rather than string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy.
type Kind string

const (
	// KindInvalidArgument covers malformed inputs, unknown enum values,
	// oversized content.
	KindInvalidArgument Kind = "invalid_argument"
	// KindNotFound covers a missing fact, agent, transaction, or checkpoint.
	KindNotFound Kind = "not_found"
	// KindConflict covers a de-duplication reject or a vote race abort.
	KindConflict Kind = "conflict"
	// KindIntegrityViolation covers a chain break, hash mismatch, or Merkle
	// mismatch. Produced only by verification APIs.
	KindIntegrityViolation Kind = "integrity_violation"
	// KindUnavailable covers a saturated writer queue; retry advised.
	KindUnavailable Kind = "unavailable"
	// KindInternal covers storage failure, I/O error, embedding provider
	// error. The cause is sanitized before crossing the façade boundary.
	KindInternal Kind = "internal"
	// KindCancelled covers a deadline or explicit cancellation.
	KindCancelled Kind = "cancelled"
)

// Error is the concrete error type returned by every public operation.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As traverse through it.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same Kind, allowing
// errors.Is(err, apperr.KindKind-sentinel) style checks via KindOf instead.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// InvalidArgument builds a KindInvalidArgument error.
func InvalidArgument(format string, args ...any) *Error {
	return newErr(KindInvalidArgument, fmt.Sprintf(format, args...), nil)
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return newErr(KindNotFound, fmt.Sprintf(format, args...), nil)
}

// Conflict builds a KindConflict error.
func Conflict(format string, args ...any) *Error {
	return newErr(KindConflict, fmt.Sprintf(format, args...), nil)
}

// IntegrityViolation builds a KindIntegrityViolation error.
func IntegrityViolation(format string, args ...any) *Error {
	return newErr(KindIntegrityViolation, fmt.Sprintf(format, args...), nil)
}

// Unavailable builds a KindUnavailable error.
func Unavailable(format string, args ...any) *Error {
	return newErr(KindUnavailable, fmt.Sprintf(format, args...), nil)
}

// Internal builds a KindInternal error wrapping cause. The cause is retained
// internally for logging but Sanitize must be called before it is returned
// across the façade boundary.
func Internal(msg string, cause error) *Error {
	return newErr(KindInternal, msg, cause)
}

// Cancelled builds a KindCancelled error.
func Cancelled(format string, args ...any) *Error {
	return newErr(KindCancelled, fmt.Sprintf(format, args...), nil)
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that were never classified (e.g. raw stdlib errors escaping a call site).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return KindInternal
}

// Sanitize strips the underlying cause from Internal-kind errors so no raw
// storage message, file path, or SQL fragment crosses the public boundary.
// Other kinds are returned unchanged.
func Sanitize(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	if e.Kind != KindInternal {
		return err
	}
	return &Error{Kind: KindInternal, Message: "internal error"}
}
