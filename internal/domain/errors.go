package domain

import (
	"errors"
	"fmt"
)

// Sentinel causes. Store implementations return these (possibly wrapped).
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrNotSender        = errors.New("only the sender may delete this message")
	ErrEmptyContent     = errors.New("message content is empty")
	ErrNotConnected     = errors.New("not connected")
	ErrRateLimited      = errors.New("sending too fast")
	ErrClosed           = errors.New("store closed")
)

// ErrorKind categorizes failures for the overlay.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindConnection covers network and initialization failures.
	KindConnection
	// KindPermission covers authorization denials.
	KindPermission
	// KindSend covers failed message inserts. The drafted text is preserved.
	KindSend
	// KindDelete covers failed soft deletes. The message stays unchanged.
	KindDelete
	// KindValidation covers input rejected locally without a round trip.
	KindValidation
)

// String returns the string representation of an ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection_error"
	case KindPermission:
		return "permission_error"
	case KindSend:
		return "send_error"
	case KindDelete:
		return "delete_error"
	case KindValidation:
		return "validation_error"
	default:
		return "unknown_error"
	}
}

// Error is the structured error returned by the overlay components.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindSend}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsPermission reports whether err is or wraps a permission denial.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || KindOf(err) == KindPermission
}
