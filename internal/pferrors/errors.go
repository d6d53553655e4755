// Package pferrors defines the bubble lifecycle engine's error taxonomy
// (spec §7): a small set of kinds, not Go types per error site, so that
// every layer above the core (CLI, watchdog loop) can map a single
// *Error.Kind to an exit code or retry policy without type-switching over
// dozens of sentinel values. Mirrors the teacher's per-package sentinel
// style (circuitbreaker.ErrCircuitOpen) generalized to one taxonomy.
package pferrors

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds named in spec.md §7.
type Kind string

const (
	// KindValidation covers invalid envelopes, invalid state snapshots,
	// invalid config, invalid id formats, and missing required payload
	// fields.
	KindValidation Kind = "validation"
	// KindConflict covers fingerprint mismatches, unexpected current
	// state, and sequence gaps detected under strict audit.
	KindConflict Kind = "conflict"
	// KindLockTimeout covers any lock budget elapsing.
	KindLockTimeout Kind = "lock_timeout"
	// KindPrecondition covers an operation not being allowed in the
	// current state.
	KindPrecondition Kind = "precondition"
	// KindNotFound covers unknown bubble ids, repo paths, or registry
	// entries.
	KindNotFound Kind = "not_found"
	// KindExternalCommand covers git or multiplexer command failures.
	KindExternalCommand Kind = "external_command"
	// KindRecovery covers a transcript append that succeeded while the
	// paired state write failed.
	KindRecovery Kind = "recovery"
)

// Error is the core's error type. Every error returned from internal/*
// exported functions is either an *Error or wraps one, so callers can use
// errors.As to recover the Kind.
type Error struct {
	Kind    Kind
	Path    string // the failing field/path, e.g. "payload.summary"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, pferrors.New(KindConflict, "", "")) style checks work.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs a bare *Error.
func New(kind Kind, path, message string) *Error {
	return &Error{Kind: kind, Path: path, Message: message}
}

// Wrap constructs an *Error that wraps cause.
func Wrap(kind Kind, path, message string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Message: message, Cause: cause}
}

// Validationf builds a KindValidation error with a formatted message.
func Validationf(path, format string, args ...any) *Error {
	return New(KindValidation, path, fmt.Sprintf(format, args...))
}

// Conflictf builds a KindConflict error with a formatted message.
func Conflictf(format string, args ...any) *Error {
	return New(KindConflict, "", fmt.Sprintf(format, args...))
}

// Preconditionf builds a KindPrecondition error with a formatted message.
func Preconditionf(format string, args ...any) *Error {
	return New(KindPrecondition, "", fmt.Sprintf(format, args...))
}

// NotFoundf builds a KindNotFound error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return New(KindNotFound, "", fmt.Sprintf(format, args...))
}

// LockTimeout builds a KindLockTimeout error naming the lock path and the
// timeout that elapsed, per spec §7's user-visible failure requirement.
func LockTimeout(lockPath string, timeoutMsg string) *Error {
	return New(KindLockTimeout, lockPath, "lock timeout after "+timeoutMsg)
}

// ExternalCommand builds a KindExternalCommand error carrying the command
// arguments and a stderr tail, per spec §7.
func ExternalCommand(argv []string, stderrTail string, cause error) *Error {
	msg := fmt.Sprintf("command %v failed", argv)
	if stderrTail != "" {
		msg += ": " + stderrTail
	}
	return &Error{Kind: KindExternalCommand, Message: msg, Cause: cause}
}

// Recovery builds a KindRecovery error: the transcript append succeeded
// but the paired state write failed. The caller must be told the
// transcript remains canonical and name the envelope id that was
// appended, per spec §7.
func Recovery(envelopeID string, cause error) *Error {
	return &Error{
		Kind:    KindRecovery,
		Message: fmt.Sprintf("envelope %s appended but state write failed; transcript remains canonical, recover state from transcript tail", envelopeID),
		Cause:   cause,
	}
}

// KindOf extracts the Kind from err, returning ok=false if err is not an
// *Error (or wrapping one).
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
