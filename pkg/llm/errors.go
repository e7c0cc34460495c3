package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrorKind classifies a completion failure.
type ErrorKind string

const (
	ErrTimeout  ErrorKind = "TIMEOUT"
	ErrInternal ErrorKind = "INTERNAL"
)

// Error is the typed failure of a completion.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	// Retryable marks failures another profile may not share:
	// rate limits, server errors and timeouts.
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("llm %s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("llm: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify wraps any provider error as *Error.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Provider: provider, Message: "deadline exceeded", Retryable: true, Err: err}
	}

	status := 0
	var anthropicErr *anthropic.Error
	var openaiErr *openai.Error
	switch {
	case errors.As(err, &anthropicErr):
		status = anthropicErr.StatusCode
	case errors.As(err, &openaiErr):
		status = openaiErr.StatusCode
	}

	out := &Error{Kind: ErrInternal, Provider: provider, Message: err.Error(), Err: err}
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		out.Kind = ErrTimeout
		out.Retryable = true
	case status == http.StatusTooManyRequests || status >= 500:
		out.Retryable = true
	}
	return out
}
