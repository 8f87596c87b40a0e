// Package gateerr defines the error taxonomy shared by the command gateway.
//
// Every failure surfaced to a caller carries a Kind. Kinds are comparable
// error values, so callers test them with errors.Is:
//
//	if errors.Is(err, gateerr.InjectionDetected) { ... }
//
// Messages never contain raw parameter values or the pattern that matched.
package gateerr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind int

const (
	// ExecutionFailed is the catch-all for backend I/O failures.
	ExecutionFailed Kind = iota
	CommandNotFound
	CommandDisabled
	MissingParameter
	InvalidParameterType
	InjectionDetected
	PermissionDenied
	RemoteConfigMissing
	PoolExhausted
	HandshakeFailed
	ExecutionTimeout
	NotImplemented
)

var kindNames = map[Kind]string{
	ExecutionFailed:      "execution failed",
	CommandNotFound:      "command not found",
	CommandDisabled:      "command disabled",
	MissingParameter:     "missing parameter",
	InvalidParameterType: "invalid parameter type",
	InjectionDetected:    "injection detected",
	PermissionDenied:     "permission denied",
	RemoteConfigMissing:  "remote config missing",
	PoolExhausted:        "pool exhausted",
	HandshakeFailed:      "handshake failed",
	ExecutionTimeout:     "execution timeout",
	NotImplemented:       "not implemented",
}

// Error implements error so a Kind can be used as an errors.Is target.
func (k Kind) Error() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown error"
}

// String returns the kind name.
func (k Kind) String() string {
	return k.Error()
}

// Code returns the numeric error code used in results and audit records.
func (k Kind) Code() int {
	switch k {
	case CommandNotFound:
		return 3000
	case CommandDisabled:
		return 3001
	case ExecutionFailed:
		return 3002
	case ExecutionTimeout:
		return 3003
	case MissingParameter, InvalidParameterType:
		return 3004
	case PermissionDenied:
		return 2004
	case NotImplemented, RemoteConfigMissing:
		return 5000
	case PoolExhausted:
		return 5001
	case HandshakeFailed:
		return 5002
	case InjectionDetected:
		return 6000
	default:
		return 1000
	}
}

// ExitCode maps a kind to a process exit status for the CLI.
// Validation failures exit 2, configuration failures 3, transport failures 4.
func (k Kind) ExitCode() int {
	switch k {
	case MissingParameter, InvalidParameterType, InjectionDetected:
		return 2
	case CommandNotFound, CommandDisabled, RemoteConfigMissing, NotImplemented, PermissionDenied:
		return 3
	case PoolExhausted, HandshakeFailed:
		return 4
	case ExecutionTimeout:
		return 124
	default:
		return 1
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind  Kind
	Param string // offending parameter, if any
	Msg   string
	Err   error // underlying cause, if any
}

// New returns an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Param returns an Error of the given kind that names a parameter.
func Param(kind Kind, param, format string, args ...any) *Error {
	return &Error{Kind: kind, Param: param, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind wrapping err.
// A nil err returns nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind of err, or ExecutionFailed when err carries none.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ExecutionFailed
}
