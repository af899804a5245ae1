package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies an error for routing and retry decisions.
type ErrorKind string

const (
	// ErrorKindConfiguration indicates bad or missing parameters, or an invalid
	// workflow definition. Always detected before any side effect.
	ErrorKindConfiguration ErrorKind = "configuration"

	// ErrorKindTransientCapacity indicates the requested capacity is temporarily
	// unavailable. The only kind retried by CapacityReservationProcedure.
	ErrorKindTransientCapacity ErrorKind = "transient_capacity"

	// ErrorKindTimeout indicates a Waiter deadline elapsed.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindAPI indicates the control plane rejected a call.
	ErrorKindAPI ErrorKind = "api"

	// ErrorKindCapacityExhausted indicates every reservation attempt failed
	// with a transient capacity error.
	ErrorKindCapacityExhausted ErrorKind = "capacity_exhausted"

	// ErrorKindCancelled indicates the run context was cancelled or its
	// deadline passed.
	ErrorKindCancelled ErrorKind = "cancelled"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling. Provider
	// packages put the platform error code here (e.g. InsufficientInstanceCapacity).
	Code string `json:"code,omitempty"`

	// Step is the workflow step that produced the error, if any.
	Step string `json:"step,omitempty"`

	// Operation is the ResourceClient operation being performed.
	Operation string `json:"operation,omitempty"`

	// Attempts is the number of attempts made before giving up.
	Attempts int `json:"attempts,omitempty"`

	// Temporary marks API errors that a poller may tolerate.
	Temporary bool `json:"temporary,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Step != "" {
		prefix += fmt.Sprintf(" step %s:", e.Step)
	}
	msg := e.Message
	if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s", prefix, msg, e.Err.Error())
	}
	return fmt.Sprintf("%s %s", prefix, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Err: err}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return newError(ErrorKindConfiguration, message, err).WithCode(ErrCodeValidation)
}

// NewTransientCapacityError creates a new transient capacity error.
func NewTransientCapacityError(message string, err error) *EngineError {
	return newError(ErrorKindTransientCapacity, message, err)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return newError(ErrorKindTimeout, message, err).WithCode(ErrCodeTimeout)
}

// NewAPIError creates a new API error.
func NewAPIError(message string, err error) *EngineError {
	return newError(ErrorKindAPI, message, err)
}

// NewCapacityExhaustedError creates the terminal error returned once every
// reservation attempt has failed with a capacity error.
func NewCapacityExhaustedError(attempts int, last error) *EngineError {
	e := newError(ErrorKindCapacityExhausted,
		fmt.Sprintf("capacity unavailable after %d attempts", attempts), last)
	e.Attempts = attempts
	return e.WithCode(ErrCodeCapacityExhausted)
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return newError(ErrorKindCancelled, message, err).WithCode(ErrCodeCancelled)
}

// WithStep adds step context to an error.
func (e *EngineError) WithStep(step string) *EngineError {
	e.Step = step
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithTemporary marks the error as temporary.
func (e *EngineError) WithTemporary(temporary bool) *EngineError {
	e.Temporary = temporary
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first EngineError in err's chain, or the
// empty string if there is none.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool {
	return KindOf(err) == ErrorKindConfiguration
}

// IsTransientCapacity returns true if the error signals temporarily
// unavailable capacity.
func IsTransientCapacity(err error) bool {
	return KindOf(err) == ErrorKindTransientCapacity
}

// IsTimeout returns true if the error is a wait timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == ErrorKindTimeout
}

// IsAPI returns true if the error is a control-plane rejection.
func IsAPI(err error) bool {
	return KindOf(err) == ErrorKindAPI
}

// IsCapacityExhausted returns true if reservation retries were spent.
func IsCapacityExhausted(err error) bool {
	return KindOf(err) == ErrorKindCapacityExhausted
}

// IsCancelled returns true if the error stems from run cancellation. Bare
// context errors count as cancellation too.
func IsCancelled(err error) bool {
	if KindOf(err) == ErrorKindCancelled {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsTemporary returns true if the error is marked temporary.
func IsTemporary(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Temporary
	}
	return false
}

// classify wraps unclassified errors as API errors so every failure recorded
// by the engine carries a kind. Classified errors are copied so that builders
// applied by the caller never mutate an error value owned by a client.
func classify(err error) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		cp := *e
		if e.Details != nil {
			cp.Details = make(map[string]interface{}, len(e.Details))
			for k, v := range e.Details {
				cp.Details[k] = v
			}
		}
		return &cp
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewCancelledError("operation cancelled", err)
	}
	return NewAPIError("resource client call failed", err).WithCode(ErrCodeProviderFailed)
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeMissingParameter  = "MISSING_PARAMETER"
	ErrCodeUnresolvedRef     = "UNRESOLVED_REFERENCE"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCapacityExhausted = "CAPACITY_EXHAUSTED"
	ErrCodeCommandFailed     = "COMMAND_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeProviderFailed    = "PROVIDER_FAILED"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeSelector          = "OUTPUT_SELECTOR"
)
