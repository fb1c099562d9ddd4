// Package status carries an explicit failure kind on errors returned by the
// batching core, so callers can tell load failures, batch aborts and
// per-request failures apart without string matching.
package status

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Code classifies an Error.
type Code int

const (
	// Unknown is reported for errors that carry no Code.
	Unknown Code = iota
	Internal
	InvalidArg
	Unsupported
	Unavailable
	NotFound
)

var codeNames = map[Code]string{
	Unknown:     "UNKNOWN",
	Internal:    "INTERNAL",
	InvalidArg:  "INVALID_ARG",
	Unsupported: "UNSUPPORTED",
	Unavailable: "UNAVAILABLE",
	NotFound:    "NOT_FOUND",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is an error with a Code. It may wrap a cause.
type Error struct {
	Code  Code
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Msg + ": " + e.cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

// Cause lets github.com/pkg/errors.Cause walk through an Error.
func (e *Error) Cause() error { return e.cause }

// Errorf returns a new Error with the given code.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrapf annotates err with a message and a code. A nil err yields nil.
func Wrapf(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), cause: err}
}

// CodeOf returns the code of the outermost Error in err's chain, Unknown
// if there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// GRPCCode maps a Code onto the closest gRPC code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case Internal:
		return codes.Internal
	case InvalidArg:
		return codes.InvalidArgument
	case Unsupported:
		return codes.Unimplemented
	case Unavailable:
		return codes.Unavailable
	case NotFound:
		return codes.NotFound
	default:
		return codes.Unknown
	}
}

// ToGRPC converts err into a gRPC status error.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok && CodeOf(err) == Unknown {
		return err
	}
	return grpcstatus.Error(CodeOf(err).GRPCCode(), err.Error())
}
