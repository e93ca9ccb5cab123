package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/normanking/loom/internal/llm"
	"github.com/normanking/loom/internal/roles"
)

// Request validation errors, returned as the Go error from Submit and Confirm.
var (
	ErrEmptyQuery         = errors.New("query is empty")
	ErrUnknownRoutingMode = errors.New("unknown routing mode")
	ErrManualNeedsTarget  = errors.New("manual routing requires a role or a model id")
	ErrBackendRequired    = errors.New("backend is required with an explicit model id")
	ErrSuggestionNotFound = errors.New("suggestion not found")
	ErrSuggestionExpired  = errors.New("suggestion expired")
)

// Failure codes carried by OrchestrationError.
const (
	CodeRoleUnconfigured   = "role_unconfigured"
	CodeBackendUnavailable = "backend_unavailable"
	CodeModelNotFound      = "model_not_found"
	CodeGenerationTimeout  = "generation_timeout"
	CodeContextFailed      = "context_failed"
	CodeInternal           = "internal"
)

// OrchestrationError is the structured failure reported in Result.Error.
type OrchestrationError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable"`

	err error
}

// Error implements error.
func (e *OrchestrationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *OrchestrationError) Unwrap() error {
	return e.err
}

// classify converts a failure into a structured error with a hint for the
// caller. d is the descriptor that was in use, if any.
func classify(err error, d roles.ModelDescriptor) *OrchestrationError {
	oe := &OrchestrationError{Message: err.Error(), err: err}

	switch {
	case errors.Is(err, roles.ErrRoleUnconfigured):
		oe.Code = CodeRoleUnconfigured
		oe.Hint = "assign a model with 'loom roles set <role> <backend> <model>'"
	case errors.Is(err, llm.ErrModelNotFound):
		oe.Code = CodeModelNotFound
		oe.Hint = fmt.Sprintf("switch role %s to an installed model in configuration ('loom roles discover %s')", roleOrModel(d), d.Backend)
	case errors.Is(err, llm.ErrGenerationTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		oe.Code = CodeGenerationTimeout
		oe.Hint = fmt.Sprintf("retry, route to the fast role, or raise backends.%s.timeout_sec", d.Backend)
		oe.Retryable = true
	case errors.Is(err, llm.ErrBackendUnavailable):
		oe.Code = CodeBackendUnavailable
		oe.Hint = fmt.Sprintf("check that the %s backend is running and reachable", d.Backend)
		oe.Retryable = true
	default:
		oe.Code = CodeInternal
	}
	return oe
}

func roleOrModel(d roles.ModelDescriptor) string {
	if d.Role != "" {
		return string(d.Role)
	}
	return d.ModelID
}
