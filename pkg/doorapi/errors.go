package doorapi

import (
	"fmt"
	"net/http"

	"github.com/Jyppino/DoorPi-App/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("doorapi: error")

	// ErrUnreachable signals that the server did not respond.
	ErrUnreachable = errorFlag("doorapi: server unreachable")

	// ErrServerRejected signals a non 2xx server response. The error chain contains a *ServerError.
	ErrServerRejected = errorFlag("doorapi: server rejected request")

	// ErrInvalidResponse signals a 2xx response that could not be decoded.
	ErrInvalidResponse = errorFlag("doorapi: invalid server response")

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

// ServerError holds the status & message of a non 2xx server response.
type ServerError struct {
	Status  int
	Message string
}

// Error returns the server message or the HTTP status text if the server sent none.
func (self *ServerError) Error() string {
	if "" != self.Message {
		return self.Message
	}
	return fmt.Sprintf("%d %s", self.Status, http.StatusText(self.Status))
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
