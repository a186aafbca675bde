// Package toolerrors provides the structured error type carried by tool
// invocation failures. ToolError preserves causal chains and supports
// errors.Is/As so that synthesized ToolResults never need to lose context
// to a flat string.
package toolerrors

import (
	"errors"
	"fmt"
)

// ToolError is a structured tool failure: a human-readable message plus an
// optional cause. Tool errors nest via Cause to retain diagnostics across
// retries and sub-agent hops.
type ToolError struct {
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying tool error, enabling chains via errors.Is/As.
	Cause *ToolError
}

// New constructs a ToolError with the given message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewWithCause constructs a ToolError wrapping an underlying error. The
// cause is converted into a ToolError chain so it survives serialization
// while still supporting errors.Is/As through Unwrap.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Message: message,
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// RetryReason classifies why a tool call failed in a way a planner or
// evaluator can act on without parsing free text.
type RetryReason string

const (
	RetryReasonInvalidArguments  RetryReason = "invalid_arguments"
	RetryReasonMissingFields     RetryReason = "missing_fields"
	RetryReasonMalformedResponse RetryReason = "malformed_response"
	RetryReasonTimeout           RetryReason = "timeout"
	RetryReasonRateLimited       RetryReason = "rate_limited"
	RetryReasonToolUnavailable   RetryReason = "tool_unavailable"
)

// RetryHint is machine-readable guidance for a failed step, carried on
// plan.StepResult; tools.Result has no field for it.
// It is advisory: the Permission/Mode gate ignores it, but a Plan-and-Execute
// Evaluator may read it when choosing Continue/Replan/Abort.
type RetryHint struct {
	Reason          RetryReason
	Tool            string
	RestrictToTool  bool
	MissingFields   []string
	Message         string
}
