// Package errors provides the typed errors returned by the market engine.
// Every rejected operation carries a stable Kind so callers (and the HTTP
// layer) can react without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies an operation failure.
type Kind string

const (
	// KindValidation rejects malformed input: bad prices, zero amounts,
	// unknown assets, expirations in the past.
	KindValidation Kind = "validation"
	// KindAuthorization rejects callers acting on objects they do not own,
	// or unauthorized feed producers.
	KindAuthorization Kind = "authorization"
	// KindPrecondition rejects operations the current state forbids, e.g.
	// risk-increasing updates to a margin-called position.
	KindPrecondition Kind = "precondition"
	// KindOverflow reports arithmetic that left the 64-bit amount range.
	KindOverflow Kind = "overflow"
	// KindDust rejects fills or orders whose receive side rounds to zero.
	KindDust Kind = "dust"
	// KindStaleFeed rejects operations that need a valid median feed when
	// none exists.
	KindStaleFeed Kind = "stale_feed"
	// KindNotFound reports a missing order, position or asset.
	KindNotFound Kind = "not_found"
	// KindSettled rejects margin operations on a globally settled asset.
	KindSettled Kind = "settled"
	// KindInsufficient reports an insufficient external balance.
	KindInsufficient Kind = "insufficient_funds"
	// KindInternal flags invariant violations; these should never surface.
	KindInternal Kind = "internal"
)

// Error is the concrete error type for engine failures.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.cause == nil:
		return string(e.Kind)
	case e.cause == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error of the same Kind, so sentinel checks work with
// errors.Is(err, errors.E(errors.KindDust)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// E builds a bare sentinel for Is matching.
func E(kind Kind) *Error { return &Error{Kind: kind} }

// New builds an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf walks the error chain and returns the first Kind found, or
// KindInternal when the chain has no typed error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Convenience constructors, one per kind used by the engine.

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func Authorization(format string, args ...interface{}) *Error {
	return New(KindAuthorization, format, args...)
}

func Precondition(format string, args ...interface{}) *Error {
	return New(KindPrecondition, format, args...)
}

func Overflow(format string, args ...interface{}) *Error {
	return New(KindOverflow, format, args...)
}

func Dust(format string, args ...interface{}) *Error {
	return New(KindDust, format, args...)
}

func StaleFeed(format string, args ...interface{}) *Error {
	return New(KindStaleFeed, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Settled(format string, args ...interface{}) *Error {
	return New(KindSettled, format, args...)
}

func Insufficient(format string, args ...interface{}) *Error {
	return New(KindInsufficient, format, args...)
}

func Internal(format string, args ...interface{}) *Error {
	return New(KindInternal, format, args...)
}
