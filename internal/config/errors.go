package config

import (
	"github.com/Jyppino/DoorPi-App/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("config: error")

	// ErrInvalid signals a configuration that can not be used to reach a server.
	ErrInvalid = errorFlag("config: invalid configuration")

	noError = errorFlag("")
)

// Error implements the error interface.
func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if Error == self || noError == self {
		return nil
	} else {
		return Error
	}
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}

func invalidError(msg string, args ...any) error {
	return utils.NewError(1, ErrInvalid, msg, args...)
}
