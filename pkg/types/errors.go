package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the outcome taxonomy surfaced to callers.
var (
	ErrBadRequest    = errors.New("bad request")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrPoolExhausted = errors.New("pool exhausted")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrUnavailable   = errors.New("ipam unavailable")
	ErrInternal      = errors.New("internal error")
)

// Error attaches a taxonomy kind and operation context to a failure.
// errors.Is matches the kind; Unwrap exposes the cause.
type Error struct {
	Kind   error  // one of the sentinels above
	Op     string // operation that failed, e.g. "allocate"
	Detail string // human-readable reason
	Err    error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

// BadRequestf builds a validator-style rejection with a readable reason.
func BadRequestf(format string, a ...interface{}) *Error {
	return &Error{Kind: ErrBadRequest, Detail: fmt.Sprintf(format, a...)}
}

func NotFoundf(format string, a ...interface{}) *Error {
	return &Error{Kind: ErrNotFound, Detail: fmt.Sprintf(format, a...)}
}

func Conflictf(format string, a ...interface{}) *Error {
	return &Error{Kind: ErrConflict, Detail: fmt.Sprintf(format, a...)}
}

func PoolExhaustedf(format string, a ...interface{}) *Error {
	return &Error{Kind: ErrPoolExhausted, Detail: fmt.Sprintf(format, a...)}
}

func Unauthorizedf(format string, a ...interface{}) *Error {
	return &Error{Kind: ErrUnauthorized, Detail: fmt.Sprintf(format, a...)}
}

func Unavailablef(format string, a ...interface{}) *Error {
	return &Error{Kind: ErrUnavailable, Detail: fmt.Sprintf(format, a...)}
}

func Internalf(format string, a ...interface{}) *Error {
	return &Error{Kind: ErrInternal, Detail: fmt.Sprintf(format, a...)}
}

// WrapKind attaches a taxonomy kind to an underlying error.
func WrapKind(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err into the taxonomy; unclassified errors are internal.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrBadRequest, ErrNotFound, ErrConflict, ErrPoolExhausted,
		ErrUnauthorized, ErrUnavailable,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}
