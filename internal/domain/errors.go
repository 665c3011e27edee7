package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrValidation         = errors.New("validation error")
)

// Error carries one of the kinds above plus the operation that failed.
type Error struct {
	Kind error
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() error { return e.Kind }

func Errorf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return Errorf(ErrNotFound, op, format, args...)
}

func PermissionDenied(op, format string, args ...any) error {
	return Errorf(ErrPermissionDenied, op, format, args...)
}

func InvalidTransition(op, format string, args ...any) error {
	return Errorf(ErrInvalidTransition, op, format, args...)
}

func PreconditionFailed(op, format string, args ...any) error {
	return Errorf(ErrPreconditionFailed, op, format, args...)
}

func Validation(op, format string, args ...any) error {
	return Errorf(ErrValidation, op, format, args...)
}

// KindOf names the taxonomy bucket of err; anything unclassified is "internal".
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrPermissionDenied):
		return "PermissionDenied"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrPreconditionFailed):
		return "PreconditionFailed"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	}
	return "internal"
}
