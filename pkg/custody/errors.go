package custody

import (
	"github.com/Jyppino/DoorPi-App/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("custody: error")

	// ErrAuthFailed signals that the Gate refused the user (wrong passphrase, too many attempts...).
	ErrAuthFailed = errorFlag("custody: authentication failed")

	// ErrAuthCanceled signals that the user or the caller aborted the authentication prompt.
	ErrAuthCanceled = errorFlag("custody: authentication canceled")

	// ErrKeyInvalidated signals that the private key can not be used after a successful
	// authentication. The key has to be reset & registered again.
	ErrKeyInvalidated = errorFlag("custody: key invalidated")

	// ErrKeyGeneration signals that a new keypair could not be generated or saved.
	ErrKeyGeneration = errorFlag("custody: key generation failed")

	// ErrAuthUnsupported signals that the Gate is not usable on this device.
	ErrAuthUnsupported = errorFlag("custody: authentication unsupported")

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

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}

// raiseError returns a utils.RaisedErr{} flagged with flag that wraps cause if not nil.
func raiseError(flag errorFlag, cause error, msg string, args ...any) error {
	if nil == cause {
		return utils.NewError(1, flag, msg, args...)
	}
	return utils.WrapError(cause, 1, flag, msg, args...)
}
