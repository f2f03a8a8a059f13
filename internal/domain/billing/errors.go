package billing

import (
	"errors"
	"fmt"
)

// ErrorKind classifies billing errors so the HTTP layer can map them to a
// status code without string matching.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindNotFound
	KindConflict
)

type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func validationErr(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func notFoundErr(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func conflictErr(format string, args ...interface{}) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the ErrorKind of err, or ok=false when err is not a billing
// error (repository failures, context cancellation, etc.).
func KindOf(err error) (ErrorKind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return 0, false
}

// IsValidation reports whether err is a billing validation error.
func IsValidation(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindValidation
}

// IsNotFound reports whether err is a billing not-found error.
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}

// IsConflict reports whether err is a billing conflict error.
func IsConflict(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindConflict
}
