// Package errors provides error handling for the hub.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//   - Network portability for distributed systems
//
// On top of that it defines the hub's error taxonomy. Every error returned
// by the merge engine, the trie, and the sync engine wraps exactly one of
// the taxonomy sentinels so callers can decide between retrying, backing
// off, or giving up:
//
//	ErrValidation  malformed, unsigned or out-of-policy entity; never retried
//	ErrConflict    lost a CRDT comparison; never retried with the same data
//	ErrDuplicate   already merged; idempotent no-op
//	ErrUnavailable queue full, lock timeout, peer unreachable; back off
//	ErrStorage     durable layer failure; surfaced to the operator
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	if errors.Is(err, errors.ErrConflict) {
//	    // drop the message
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSafeDetails    = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
	CombineErrors      = crdb.CombineErrors
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions and panics
var (
	AssertionFailedf                 = crdb.AssertionFailedf
	NewAssertionErrorWithWrappedErrf = crdb.NewAssertionErrorWithWrappedErrf
)

// Taxonomy sentinels. Wrap these with errors.Wrap() to add context while
// preserving the kind.
var (
	// ErrValidation indicates a malformed, unsigned or out-of-policy entity
	ErrValidation = New("validation failure")

	// ErrConflict indicates the entity lost a CRDT comparison
	ErrConflict = New("conflict")

	// ErrDuplicate indicates the entity is already merged
	ErrDuplicate = New("duplicate")

	// ErrUnavailable indicates resource exhaustion or an unreachable peer
	ErrUnavailable = New("unavailable")

	// ErrStorage indicates a durable-layer I/O failure
	ErrStorage = New("storage failure")

	// ErrNotFound indicates the requested record or trie node does not exist
	ErrNotFound = New("not found")
)

// Validation sub-kinds the sync engine knows how to recover from.
var (
	// ErrUnknownSigner: the signer key is not (yet) known for the fid
	ErrUnknownSigner = Wrap(ErrValidation, "unknown signer")

	// ErrUnknownFid: the fid has no registration event locally
	ErrUnknownFid = Wrap(ErrValidation, "unknown fid")
)

// Kind names the taxonomy class of err, or "unknown" when err carries
// none of the sentinels. Returns "" for a nil error.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrValidation):
		return "validation_failure"
	case Is(err, ErrConflict):
		return "conflict"
	case Is(err, ErrDuplicate):
		return "duplicate"
	case Is(err, ErrUnavailable):
		return "unavailable"
	case Is(err, ErrStorage):
		return "storage_failure"
	case Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}

// IsValidation checks if an error is or wraps ErrValidation
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsConflict checks if an error is or wraps ErrConflict
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsDuplicate checks if an error is or wraps ErrDuplicate.
// Duplicates are not failures from the caller's perspective.
func IsDuplicate(err error) bool {
	return err != nil && Is(err, ErrDuplicate)
}

// IsUnavailable checks if an error is or wraps ErrUnavailable
func IsUnavailable(err error) bool {
	return err != nil && Is(err, ErrUnavailable)
}

// IsStorage checks if an error is or wraps ErrStorage
func IsStorage(err error) bool {
	return err != nil && Is(err, ErrStorage)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// Validationf creates a validation failure with a formatted message
func Validationf(format string, args ...interface{}) error {
	return Wrapf(ErrValidation, format, args...)
}

// Conflictf creates a conflict error with a formatted message
func Conflictf(format string, args ...interface{}) error {
	return Wrapf(ErrConflict, format, args...)
}

// Unavailablef creates an unavailable error with a formatted message
func Unavailablef(format string, args ...interface{}) error {
	return Wrapf(ErrUnavailable, format, args...)
}

// WrapStorage marks a durable-layer error as a storage failure, keeping the
// original cause for inspection.
func WrapStorage(err error, context string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, context), ErrStorage)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}
