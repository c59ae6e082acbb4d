// Package errs defines the error kinds shared by all application services.
// Every error returned across a service boundary carries a stable kind plus a
// human-readable message so callers can map it to a transport status without
// string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an application error.
type Kind string

const (
	KindBadRequest       Kind = "BAD_REQUEST"
	KindForbidden        Kind = "FORBIDDEN"
	KindNotFound         Kind = "NOT_FOUND"
	KindInactiveCurrency Kind = "INACTIVE_CURRENCY"
	KindNotImplemented   Kind = "NOT_IMPLEMENTED"
	KindInternal         Kind = "INTERNAL"
)

// Error is an application error with a stable kind.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// BadRequest marks invalid input, an invalid state transition or a policy
// violation.
func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Forbidden marks an authorization failure.
func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// NotFound marks an unknown account, transfer or currency.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InactiveCurrency marks an operation that requires an active currency.
func InactiveCurrency(format string, args ...any) *Error {
	return &Error{Kind: KindInactiveCurrency, Message: fmt.Sprintf(format, args...)}
}

// NotImplemented marks an explicitly unsupported configuration.
func NotImplemented(format string, args ...any) *Error {
	return &Error{Kind: KindNotImplemented, Message: fmt.Sprintf(format, args...)}
}

// Internal marks an invariant violation, such as malformed persisted state.
func Internal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to an application error, keeping its kind.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

func IsBadRequest(err error) bool { return IsKind(err, KindBadRequest) }
func IsForbidden(err error) bool  { return IsKind(err, KindForbidden) }
func IsNotFound(err error) bool   { return IsKind(err, KindNotFound) }
