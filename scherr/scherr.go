// Package scherr defines the error taxonomy shared by every scholium component.
// Errors carry a Kind so callers can branch on failure class without string
// matching, while still composing with errors.Is/As through Unwrap.
package scherr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure. The set is closed; components map their internal
// failures onto it at the boundary where the failure becomes observable.
type Kind int

const (
	// Internal marks an invariant violation. It is the zero value so that an
	// unclassified error never masquerades as a benign kind.
	Internal Kind = iota
	// InvalidInput marks rejected caller input: parse errors, cycles, unknown
	// templates or actions, malformed cron expressions, bad names, bad URLs.
	InvalidInput
	// NotFound marks an absent pipeline, session, or identifier.
	NotFound
	// Upstream marks a definitive source failure: 4xx/5xx after retries or an
	// unparseable body.
	Upstream
	// Transient marks a failure that may succeed on retry: network errors,
	// timeouts, rate-limit exhaustion.
	Transient
	// Cancelled marks deadline expiry or an explicit cancel.
	Cancelled
	// Conflict marks a constraint collision: fleet limits, overlapping runs,
	// reserved names.
	Conflict
)

// String returns the stable lowercase name used in logs and tool responses.
func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case Upstream:
		return "upstream"
	case Transient:
		return "transient"
	case Cancelled:
		return "cancelled"
	case Conflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is a classified error. It wraps an optional cause so callers can use
// errors.Is/As across the chain.
type Error struct {
	// Kind is the failure class.
	Kind Kind
	// Msg is the human-readable summary.
	Msg string
	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil && e.Msg != "" {
		return e.Msg + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Newf constructs a classified error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrapf wraps err with a classified error. A nil err yields nil so call sites
// can wrap unconditionally.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the Kind of err. Context cancellation and deadline expiry map
// to Cancelled; errors without a classified ancestor map to Internal.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Internal
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
