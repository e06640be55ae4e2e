// Package errors defines the error taxonomy surfaced by the dispatch kernel.
// Every kernel failure carries a stable code so hosts can map it to their own
// wire representation without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Error codes reported to callers.
const (
	CodeInvalidActionFormat = "E_INVALID_ACTION_FORMAT"
	CodeModuleNotFound      = "E_MODULE_NOT_FOUND"
	CodeServiceNotFound     = "E_SERVICE_NOT_FOUND"
	CodeMethodNotFound      = "E_METHOD_NOT_FOUND"
	CodeExtensionNotFound   = "E_EXTENSION_NOT_FOUND"
	CodeNotAuthorized       = "E_NOTAUTHORIZED"
	CodeNoPrivilegeSetUser  = "E_NOPRIVILEGE_SETUSER"
	CodeServiceSetup        = "E_SERVICE_SETUP"
	CodeModuleSetup         = "E_MODULE_SETUP"
	CodeRegistryFrozen      = "E_REGISTRY_FROZEN"
)

// Sentinel errors, one per code. Use errors.Is against these.
var (
	ErrInvalidActionFormat = &Error{Code: CodeInvalidActionFormat, Message: "invalid action format, expected Module.method"}
	ErrModuleNotFound      = &Error{Code: CodeModuleNotFound, Message: "module not found"}
	ErrServiceNotFound     = &Error{Code: CodeServiceNotFound, Message: "service not found"}
	ErrMethodNotFound      = &Error{Code: CodeMethodNotFound, Message: "method not found"}
	ErrExtensionNotFound   = &Error{Code: CodeExtensionNotFound, Message: "context extension not found"}
	ErrNotAuthorized       = &Error{Code: CodeNotAuthorized, Message: "not authorized"}
	ErrNoPrivilegeSetUser  = &Error{Code: CodeNoPrivilegeSetUser, Message: "caller does not have privilege to set context identity"}
	ErrServiceSetup        = &Error{Code: CodeServiceSetup, Message: "service cannot be set up"}
	ErrModuleSetup         = &Error{Code: CodeModuleSetup, Message: "module cannot be set up"}
	ErrRegistryFrozen      = &Error{Code: CodeRegistryFrozen, Message: "system registry is frozen"}
)

// Common application-wide errors.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input provided")
)

// Error is a coded kernel error. Logger names the call-scoped logger that was
// active when the error was raised ("context" outside of any call).
type Error struct {
	Code    string
	Message string
	Logger  string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a coded error with the same code, so a raised
// error matches its sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Raise builds a coded error for code with a caller-specific message.
func Raise(code, message, logger string) *Error {
	return &Error{Code: code, Message: message, Logger: logger}
}

// Newf builds an error that matches sentinel and carries a formatted message.
func Newf(sentinel *Error, format string, args ...any) *Error {
	return &Error{Code: sentinel.Code, Message: fmt.Sprintf(format, args...)}
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// Code returns the code of the first coded error in err's chain, or "".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// Wrap adds context to an existing error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is and As mirror the standard library so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
