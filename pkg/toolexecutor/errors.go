package toolexecutor

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a tool failure.
type ErrorKind string

const (
	ErrNotFound            ErrorKind = "NOT_FOUND"
	ErrInvalidArgument     ErrorKind = "INVALID_ARGUMENT"
	ErrTimeout             ErrorKind = "TIMEOUT"
	ErrRateLimited         ErrorKind = "RATE_LIMITED"
	ErrAuthorizationDenied ErrorKind = "AUTHORIZATION_DENIED"
	ErrInternal            ErrorKind = "INTERNAL"
)

// Transient reports whether a retry may succeed.
func (k ErrorKind) Transient() bool {
	return k == ErrTimeout || k == ErrRateLimited
}

// ToolError is the typed failure of a tool invocation.
type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Tool    string    `json:"tool,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *ToolError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s: %s: %s", e.Tool, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// NewError builds a ToolError for handlers to return.
func NewError(kind ErrorKind, format string, args ...interface{}) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound is shorthand for a NOT_FOUND ToolError.
func NotFound(format string, args ...interface{}) *ToolError {
	return NewError(ErrNotFound, format, args...)
}

// InvalidArgument is shorthand for an INVALID_ARGUMENT ToolError.
func InvalidArgument(format string, args ...interface{}) *ToolError {
	return NewError(ErrInvalidArgument, format, args...)
}

// AsToolError classifies any handler error. Deadline errors become TIMEOUT
// and untyped errors become INTERNAL.
func AsToolError(tool string, err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		out := *te
		if out.Tool == "" {
			out.Tool = tool
		}
		return &out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ToolError{Kind: ErrTimeout, Tool: tool, Message: "deadline exceeded", Err: err}
	}
	return &ToolError{Kind: ErrInternal, Tool: tool, Message: err.Error(), Err: err}
}
