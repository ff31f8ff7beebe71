package apperr

import "errors"

// Code is a machine-readable error category.
type Code string

const (
	// CodeNotFound means the session or attempt does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInvalidState means the operation is not allowed in the entity's current state.
	CodeInvalidState Code = "INVALID_STATE"
	// CodeSyncFailure means the store could not be reached during a write.
	CodeSyncFailure Code = "SYNC_FAILURE"
	// CodeUnknown is used for errors that carry no domain code.
	CodeUnknown Code = "UNKNOWN"
)

// Sentinels for errors.Is matching by code.
var (
	ErrNotFound     = &Error{Code: CodeNotFound}
	ErrInvalidState = &Error{Code: CodeInvalidState}
	ErrSyncFailure  = &Error{Code: CodeSyncFailure}
)

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// NotFound is shorthand for New(CodeNotFound, message).
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// InvalidState is shorthand for New(CodeInvalidState, message).
func InvalidState(message string) *Error {
	return New(CodeInvalidState, message)
}

// SyncFailure wraps a transport or store error.
func SyncFailure(message string, cause error) *Error {
	return Wrap(CodeSyncFailure, message, cause)
}

// CodeOf returns the code of the first domain error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Retryable reports whether err is worth replaying later.
// Domain rejections are final; anything else may be transient.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNotFound, CodeInvalidState:
		return false
	default:
		return err != nil
	}
}
