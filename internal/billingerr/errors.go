// Package billingerr classifies billing failures so callers can tell
// "deny" apart from "try again later".
package billingerr

import (
	"context"
	"errors"
)

// Kind is the failure class of a billing error.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindInsufficientFunds   Kind = "insufficient_funds"
	KindEntityNotFound      Kind = "entity_not_found"
	KindTransientConflict   Kind = "transient_conflict"
	KindRetryExhausted      Kind = "retry_exhausted"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindPaymentDeclined     Kind = "payment_declined"
	KindInternal            Kind = "internal"
)

// Error is a classified billing error. Two errors are equal under errors.Is
// when they share Kind and Code, so sentinels survive Wrap.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

// New returns a sentinel error of the given kind.
func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// Wrap attaches cause to a copy of sentinel.
func Wrap(sentinel *Error, cause error) error {
	if sentinel == nil {
		return cause
	}
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

// KindOf classifies err. Unclassified errors are KindInternal, except
// context deadlines which count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientConflict
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a caller may retry the whole operation later.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientConflict, KindRetryExhausted, KindUpstreamUnavailable:
		return true
	default:
		return false
	}
}
