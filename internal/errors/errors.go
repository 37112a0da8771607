package errors

import (
	"github.com/pkg/errors"
)

// New returns an error with the provided message and a stack trace.
func New(message string) error {
	return errors.New(message)
}

// Errorf returns an error with the provided formatted message and a stack trace.
func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// WrapError annotates err with the provided message. The original error
// remains recoverable via errors.Cause and the standard Unwrap chain.
func WrapError(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
