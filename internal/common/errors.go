package common

import (
	"fmt"

	"golang.org/x/xerrors"
)

type Code string

const (
	CodeLoadFailure        Code = "load-failure"
	CodeUnknownDocument    Code = "unknown-document"
	CodeUnregisteredClient Code = "unregistered-client"
	CodeSaveFailure        Code = "save-failure"
	CodeMalformedMessage   Code = "malformed-message"
)

// Error is an engine error that is reported back over the wire. None of them
// are fatal: each is scoped to one connection or document.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on the code so wrapped copies compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrUnknownDocument    = &Error{Code: CodeUnknownDocument, Message: "no active session for document"}
	ErrUnregisteredClient = &Error{Code: CodeUnregisteredClient, Message: "connection has not joined document"}
)

func LoadFailure(err error) *Error {
	return &Error{Code: CodeLoadFailure, Message: err.Error()}
}

func SaveFailure(err error) *Error {
	return &Error{Code: CodeSaveFailure, Message: err.Error()}
}

func Malformed(format string, args ...interface{}) *Error {
	return &Error{Code: CodeMalformedMessage, Message: fmt.Sprintf(format, args...)}
}

// AsError unwraps err to an engine Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if xerrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf maps err to a wire code, defaulting to malformed-message.
func CodeOf(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return CodeMalformedMessage
}
