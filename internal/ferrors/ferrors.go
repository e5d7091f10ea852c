// Package ferrors defines the structured error model shared across ferrum's
// components: every fallible operation returns a *ferrors.Error carrying a
// Kind, a human-readable message, and an optional cause chain, rather than
// a free-form string (spec §7).
package ferrors

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind classifies the failure mode of an error so callers can decide
// whether to retry, fail fast, or render a derivation.
type Kind int

const (
	// KindParse: malformed input (requirement, marker, lockfile, metadata).
	// Always fatal to the current operation, never retried.
	KindParse Kind = iota
	// KindResolution: the resolver reached a proven unsatisfiable state.
	KindResolution
	// KindNetwork: transient I/O, retried with exponential backoff.
	KindNetwork
	// KindAuth: HTTP 401/403, policy-dependent (fatal or skip-index).
	KindAuth
	// KindBuild: a PEP 517 hook failed.
	KindBuild
	// KindHashMismatch: artifact hash differs from lock/--require-hashes.
	// Always fatal, never retried.
	KindHashMismatch
	// KindIncompatibleEnv: resolved distribution's tags don't match target.
	KindIncompatibleEnv
	// KindCancelled: caller-initiated cancellation.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindResolution:
		return "resolution"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindBuild:
		return "build"
	case KindHashMismatch:
		return "hash-mismatch"
	case KindIncompatibleEnv:
		return "incompatible-env"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the structured error type returned by every ferrum component.
type Error struct {
	Kind    Kind
	Context string // e.g. package name, file path, fingerprint
	cause   error
}

func (e *Error) Error() string {
	if e.cause == nil {
		if e.Context == "" {
			return e.Kind.String()
		}

		return fmt.Sprintf("%s: %s", e.Kind, e.Context)
	}

	if e.Context == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}

	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a structured error with no underlying cause.
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

// Wrap attaches a Kind and context to an existing error, preserving the
// cause chain via xerrors so %+v prints a frame trail.
func Wrap(kind Kind, context string, cause error) *Error {
	if cause == nil {
		return New(kind, context)
	}

	return &Error{Kind: kind, Context: context, cause: xerrors.Errorf("%s: %w", context, cause)}
}

// Is reports whether err is a *Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var fe *Error

	for err != nil {
		if e, ok := err.(*Error); ok {
			fe = e

			break
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}

		err = u.Unwrap()
	}

	return fe != nil && fe.Kind == kind
}

// Retryable reports whether the error kind is safe to retry with backoff.
func Retryable(err error) bool {
	return Is(err, KindNetwork)
}
