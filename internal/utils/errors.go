package utils

import (
	"fmt"
	"path"
	"runtime"
	"strings"
)

// RaisedErr is an error that remembers where it was raised.
//
// Packages declare a private errorFlag string type with a few constant flags and
// attach one of them to every RaisedErr they return, so that callers can
// classify failures with errors.Is without parsing messages.
type RaisedErr struct {
	// Flag classifies the error (eg custody.ErrAuthCanceled).
	Flag error

	// Cause is the lower level error, if any.
	Cause error

	// Msg describes what failed.
	Msg string

	// Filename & Line locate the code that raised the error.
	Filename string
	Line     int
}

// Error implements the error interface.
func (self RaisedErr) Error() string {
	var sb strings.Builder
	if "" != self.Filename {
		fmt.Fprintf(&sb, "%s: %s (%s:%d)", path.Dir(self.Filename), self.Msg, self.Filename, self.Line)
	} else {
		sb.WriteString(self.Msg)
	}
	if nil != self.Cause {
		sb.WriteString("\n  ")
		sb.WriteString(self.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns Flag & Cause, allowing errors.Is to match any of them.
func (self RaisedErr) Unwrap() []error {
	rv := make([]error, 0, 2)
	if nil != self.Flag {
		rv = append(rv, self.Flag)
	}
	if nil != self.Cause {
		rv = append(rv, self.Cause)
	}
	return rv
}

// NewError returns a RaisedErr{} flagged with flag.
//
// skip counts the intermediary frames between the raising code and NewError,
// a package level newError helper calls NewError with skip set to 1.
func NewError(skip int, flag error, msg string, args ...any) error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	err := RaisedErr{Flag: flag, Msg: msg}
	setCaller(skip, &err)
	return err
}

// WrapError returns a RaisedErr{} flagged with flag that wraps cause.
// It returns nil if cause is nil, which allows writing
//
//	return wrapError(err, "failed doing x") // nil if err is nil
func WrapError(cause error, skip int, flag error, msg string, args ...any) error {
	if nil == cause {
		return nil
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	err := RaisedErr{Flag: flag, Cause: cause, Msg: msg}
	setCaller(skip, &err)
	return err
}

// Message returns the innermost message of err chain suitable for display to end users.
// It stops at the first error that is not a RaisedErr.
func Message(err error) string {
	for {
		re, ok := err.(RaisedErr)
		if !ok {
			if nil == err {
				return ""
			}
			return err.Error()
		}
		if nil == re.Cause {
			return re.Msg
		}
		err = re.Cause
	}
}

func setCaller(skip int, err *RaisedErr) {
	_, filename, line, ok := runtime.Caller(2 + skip)
	if ok {
		dirname, basename := path.Split(filename)
		err.Filename = path.Join(path.Base(dirname), basename)
		err.Line = line
	}
}
