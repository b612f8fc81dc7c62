// Package codeerr gives every rejected frame and internal failure a
// single error shape, so callers can branch with errors.As instead of
// string-matching, and so logging always attaches the same fields.
package codeerr

import "fmt"

// Kind classifies a failure for protocol/error-envelope purposes.
type Kind string

const (
	MalformedFrame     Kind = "MalformedFrame"
	UnknownMessageType Kind = "UnknownMessageType"
	NotJoined          Kind = "NotJoined"
	AlreadyJoined      Kind = "AlreadyJoined"
	MissingField       Kind = "MissingField"
	InvalidOperation   Kind = "InvalidOperation"
	DocumentNotFound   Kind = "DocumentNotFound"
	Capacity           Kind = "Capacity"
	ConnectionTimeout  Kind = "ConnectionTimeout"
	InternalMerge      Kind = "InternalMerge"
)

// Error is the concrete error type for every Kind above. Wrap an
// underlying cause in Err so errors.Is/errors.As still see through it.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether this error kind is session-fatal: InternalMerge
// is the only kind that tears down the whole session rather than being
// answered with a recoverable error reply.
func (e *Error) Fatal() bool { return e.Kind == InternalMerge }
