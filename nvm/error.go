package nvm

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why an operation failed. Every Backend operation that
// fails returns an *Error carrying one of these.
type Kind int

const (
	// KindInvalidState means the backend was called in StateStop, or a
	// write/erase was attempted while another mutating operation was
	// already in progress.
	KindInvalidState Kind = iota
	// KindInvalidArgument means the requested range is out of bounds
	// or violates the backend's write alignment.
	KindInvalidArgument
	// KindIoFailure means the underlying bus, file, or chip reported a
	// hardware error.
	KindIoFailure
	// KindTimeout means a wait-busy poll exceeded its deadline.
	KindTimeout
	// KindCorruptedFormat means an on-flash structure failed its
	// format check. No backend in this module returns it: fee handles an
	// arena magic mismatch in Start's recovery, which reformats the
	// arena instead of failing.
	KindCorruptedFormat
)

func (k Kind) String() string {
	switch k {
	case KindInvalidState:
		return "invalid state"
	case KindInvalidArgument:
		return "invalid argument"
	case KindIoFailure:
		return "io failure"
	case KindTimeout:
		return "timeout"
	case KindCorruptedFormat:
		return "corrupted format"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the single error type returned by every Backend operation.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "mirror.Write".
	Op string
	// Err is the underlying cause, if any. It may itself be an *Error
	// from an underlying backend, in which case Kind is normally
	// copied from it so the original failure classification survives
	// propagation through composing layers.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap lets errors.Is / errors.As from the standard library see
// through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an *Error, wrapping cause (if non-nil) with
// github.com/pkg/errors so a %+v format carries a stack trace from the
// point of failure.
func NewError(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return &Error{Kind: kind, Op: op}
	}
	return &Error{Kind: kind, Op: op, Err: errors.Wrapf(cause, "%s", op)}
}

// Propagate wraps an error returned by an underlying backend, preserving
// its Kind when it is itself an *Error so a failure classification
// (e.g. KindIoFailure) survives being passed up through composing
// layers such as partition, mirror, and fee.
func Propagate(op string, err error) error {
	if err == nil {
		return nil
	}
	var nerr *Error
	if stderrors.As(err, &nerr) {
		return NewError(nerr.Kind, op, err)
	}
	return NewError(KindIoFailure, op, err)
}
