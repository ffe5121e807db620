// Package fatal marks errors that must abort the whole run.
//
// Inner layers return plain errors for recoverable conditions (transport hiccups, a forwarder
// that went away) and wrap anything that should stop the run in an *Error. The single handler
// in the driver's main reports the message and exits non-zero.
package fatal

import (
	"errors"
	"fmt"
)

// Error is an unrecoverable failure: an assertion was violated, a deadline passed, a response
// was malformed, or a precondition did not hold.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf formats according to fmt.Errorf and wraps the result as fatal.
func Errorf(format string, args ...any) error {
	return &Error{Err: fmt.Errorf(format, args...)}
}

// Wrap marks err as fatal. A nil err yields nil, and an already fatal err is returned as is.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if Is(err) {
		return err
	}
	return &Error{Err: err}
}

// Is reports whether any error in err's chain is fatal.
func Is(err error) bool {
	var fe *Error
	return errors.As(err, &fe)
}
