// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed error taxonomy shared by every crew component.
// Each failure carries a code that identifies the stage that produced it, so callers
// can decide whether to retry, abort the run, or record a placeholder.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies crew errors for propagation policy and monitoring.
type ErrorCode string

const (
	// CodeConfiguration indicates missing credentials or a malformed agent/task registration.
	CodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// CodeTemplateBinding indicates a template placeholder with no value in the execution context.
	CodeTemplateBinding ErrorCode = "TEMPLATE_BINDING_ERROR"

	// CodeToolInvocation indicates a search or scrape call failed or was not permitted.
	CodeToolInvocation ErrorCode = "TOOL_INVOCATION_ERROR"

	// CodeInference indicates the text-generation capability failed.
	CodeInference ErrorCode = "INFERENCE_ERROR"

	// CodeAggregation indicates inconsistent or missing task outputs at aggregation time.
	CodeAggregation ErrorCode = "AGGREGATION_ERROR"

	// CodeDelegation indicates an illegal delegation request (unknown target, self target).
	CodeDelegation ErrorCode = "DELEGATION_ERROR"

	// CodeInvalidInput indicates the caller supplied invalid run parameters.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeRateLimit indicates the local rate limiter refused to wait any longer.
	CodeRateLimit ErrorCode = "RATE_LIMITED"

	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// CrewError is a typed error with context for logging and tracing.
// It implements the error interface and can be unwrapped with errors.As().
type CrewError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
}

// Error implements the error interface.
func (e *CrewError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *CrewError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *CrewError) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Err         string                 `json:"error,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Err:         cause,
		Recoverable: e.Recoverable,
		Context:     e.Context,
	})
}

// New creates a new CrewError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *CrewError {
	return &CrewError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
	}
}

// Newf creates a CrewError without cause and a formatted message.
func Newf(code ErrorCode, format string, args ...any) *CrewError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *CrewError) WithContext(key string, value interface{}) *CrewError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *CrewError) WithAttribute(key, value string) *CrewError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *CrewError) WithRecoverable(recoverable bool) *CrewError {
	e.Recoverable = recoverable
	return e
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *CrewError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// AsCrewError returns the first CrewError in the chain of err,
// wrapping unknown errors as internal.
func AsCrewError(err error) *CrewError {
	if err == nil {
		return nil
	}
	var ce *CrewError
	if stderrors.As(err, &ce) {
		return ce
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first CrewError in the chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *CrewError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// Is reports whether any CrewError in the chain of err carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if ce, ok := err.(*CrewError); ok && ce.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsRecoverable reports whether the first CrewError in the chain is flagged recoverable.
// Errors outside the taxonomy are treated as recoverable transport failures.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var ce *CrewError
	if stderrors.As(err, &ce) {
		return ce.Recoverable
	}
	return true
}
