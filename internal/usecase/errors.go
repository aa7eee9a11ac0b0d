package usecase

import (
	"context"
	"errors"
	"fmt"

	"pm-agent/internal/graph"
	"pm-agent/internal/llm"
	"pm-agent/internal/tools"
)

type ErrorCode string

const (
	ErrorInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrorNotFound         ErrorCode = "NOT_FOUND"
	ErrorConflict         ErrorCode = "CONFLICT"
	ErrorAdapter          ErrorCode = "ADAPTER_ERROR"
	ErrorSchemaValidation ErrorCode = "SCHEMA_VALIDATION"
	ErrorConfiguration    ErrorCode = "CONFIGURATION_ERROR"
	ErrorScopeViolation   ErrorCode = "SCOPE_VIOLATION"
	ErrorRateLimited      ErrorCode = "RATE_LIMITED"
	ErrorUpstream         ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// AdapterError wraps a failure of an external collaborator such as the
// transcription service or the task backend.
type AdapterError struct {
	Adapter string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s adapter: %v", e.Adapter, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// classify maps err onto the error taxonomy. Errors that are already an
// *Error are returned unchanged.
func classify(err error, reason string) *Error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}

	var (
		cfgErr    *graph.ConfigurationError
		schemaErr *llm.SchemaValidationError
		scopeErr  *tools.ScopeViolationError
		adapter   *AdapterError
	)
	switch {
	case errors.As(err, &cfgErr):
		return newError(ErrorConfiguration, reason, err)
	case errors.Is(err, graph.ErrNotFound):
		return newError(ErrorNotFound, reason, err)
	case errors.Is(err, graph.ErrConflict), errors.Is(err, graph.ErrCompleted):
		return newError(ErrorConflict, reason, err)
	case errors.As(err, &schemaErr):
		return newError(ErrorSchemaValidation, reason, err)
	case errors.As(err, &scopeErr):
		return newError(ErrorScopeViolation, reason, err)
	}
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, reason, err)
	}
	switch {
	case errors.As(err, &adapter):
		return newError(ErrorAdapter, reason, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorUpstream, reason, err)
	}
	if _, ok := upstreamStatusCode(err); ok {
		return newError(ErrorUpstream, reason, err)
	}
	return newError(ErrorInternal, reason, err)
}
