package adapter

import "fmt"

// ProtocolError is an error carrying a protocol status code. For WebDAV the
// code is an HTTP status.
//
// Unwrap exposes the underlying error so errors.Is still matches the
// original sentinel through the wrapper.
type ProtocolError interface {
	error

	Code() uint32
	Message() string
	Unwrap() error
}

// StatusError is the ProtocolError used by HTTP-based adapters.
type StatusError struct {
	Status int
	Msg    string
	Err    error
}

var _ ProtocolError = (*StatusError)(nil)

// NewStatusError creates a StatusError. An empty msg falls back to err's text.
func NewStatusError(status int, msg string, err error) *StatusError {
	return &StatusError{Status: status, Msg: msg, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d: %s", e.Status, e.Message())
	}
	return fmt.Sprintf("status %d: %s: %v", e.Status, e.Message(), e.Err)
}

// Code returns the status code.
func (e *StatusError) Code() uint32 { return uint32(e.Status) }

// Message returns a human-readable description.
func (e *StatusError) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "error"
}

func (e *StatusError) Unwrap() error { return e.Err }
