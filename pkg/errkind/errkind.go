// Package errkind defines the discrete error kinds surfaced by the
// governance core's mutating APIs. Validation paths return structured
// result lists instead; these kinds cover creation, routing and
// verification failures that callers branch on.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of failure classes.
type Kind string

const (
	InvalidArgument     Kind = "invalid_argument"
	NotFound            Kind = "not_found"
	PreconditionFailed  Kind = "precondition_failed"
	LimitExceeded       Kind = "limit_exceeded"
	SignatureInvalid    Kind = "signature_invalid"
	ChainBroken         Kind = "chain_broken"
	Expired             Kind = "expired"
	AuthorizationDenied Kind = "authorization_denied"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or "" when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
