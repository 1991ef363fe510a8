package libiscsi

import (
	"errors"
	"fmt"

	"github.com/scaleoutsean/libiscsi-go/idbm"
)

// Error kinds. Every error returned by a Context operation matches exactly
// one of them with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrOutOfMemory     = errors.New("out of memory")
	ErrUpstream        = errors.New("upstream failure")
)

// Error carries the kind of a failure and the message recorded in the
// Context.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// upstream keeps a collaborator's message verbatim.
func upstream(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: ErrUpstream, Msg: err.Error(), Err: err}
}

// fromRecordDB classifies a record database error.
func fromRecordDB(err error) error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return err
	case errors.Is(err, idbm.ErrUnknownParam),
		errors.Is(err, idbm.ErrReadOnlyParam),
		errors.Is(err, idbm.ErrInvalidValue):
		return &Error{Kind: ErrInvalidArgument, Msg: err.Error(), Err: err}
	case errors.Is(err, idbm.ErrNotFound):
		return &Error{Kind: ErrNotFound, Msg: err.Error(), Err: err}
	default:
		return upstream(err)
	}
}
