package session

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a machine-readable error kind. The transport layer
// maps these to status codes; the human message travels alongside.
type ErrorCode string

const (
	ErrNotFound       ErrorCode = "SESSION_NOT_FOUND"
	ErrAlreadyExited  ErrorCode = "SESSION_ALREADY_EXITED"
	ErrResizeDisabled ErrorCode = "RESIZE_DISABLED"
	ErrUnknownKey     ErrorCode = "UNKNOWN_KEY"
	ErrSpawnFailed    ErrorCode = "SPAWN_FAILED"
	ErrSpawnDisabled  ErrorCode = "SPAWN_DISABLED"
	ErrStreamCorrupt  ErrorCode = "STREAM_CORRUPT"
	ErrIO             ErrorCode = "IO_ERROR"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
)

// SessionError carries an error kind plus optional session context and cause.
type SessionError struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Cause     error
}

func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session %s, code %s)", e.Message, shortID(e.SessionID), e.Code)
	}
	return fmt.Sprintf("%s (code %s)", e.Message, e.Code)
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

// NewError creates a SessionError without a cause.
func NewError(code ErrorCode, sessionID, message string) *SessionError {
	return &SessionError{Code: code, Message: message, SessionID: sessionID}
}

// WrapError attaches a kind and session context to an underlying error.
func WrapError(code ErrorCode, sessionID, message string, cause error) *SessionError {
	return &SessionError{Code: code, Message: message, SessionID: sessionID, Cause: cause}
}

// IsCode reports whether err (or anything it wraps) carries the given kind.
func IsCode(err error, code ErrorCode) bool {
	var se *SessionError
	return errors.As(err, &se) && se.Code == code
}

// CodeOf extracts the error kind, or ErrIO for untyped errors.
func CodeOf(err error) ErrorCode {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrIO
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
