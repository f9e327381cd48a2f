package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, provider API briefly unavailable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the cloud provider rate limited the call.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: an action already in flight, a concurrent registry write.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid request, quota exhausted, resource not found.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure kind for callers (see ErrCode* constants).
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)", e.Class, msg, e.Resource, e.Operation)
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
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
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
		Code:    ErrCodeRateLimited,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
		Code:    ErrCodeConflict,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewValidationError reports a request that can never be admitted as submitted.
func NewValidationError(format string, args ...interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(ErrCodeValidation)
}

// NewNotFoundError reports a missing registry entry.
func NewNotFoundError(kind, id string) *EngineError {
	return NewPermanentError(kind+" not found", nil).WithCode(ErrCodeNotFound).WithResource(id)
}

// NewQuotaExceededError reports that admitting a resource would exceed a limit.
func NewQuotaExceededError(scope string, t ResourceType, limit int) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s quota exceeded for %s resources (limit %d)", scope, t, limit), nil).
		WithCode(ErrCodeQuotaExceeded).
		WithDetail("scope", scope).
		WithDetail("limit", limit)
}

// NewActionPendingError reports that another mutating action is still in flight.
func NewActionPendingError(id string, pending Action) *EngineError {
	return NewConflictError(fmt.Sprintf("action %s still in flight", pending), nil).
		WithCode(ErrCodeActionPending).
		WithResource(id)
}

// NewCloudProviderError wraps a cloud API failure. Adapters use the class to
// tell the engine whether the call may be retried.
func NewCloudProviderError(class ErrorClass, provider string, err error) *EngineError {
	return (&EngineError{
		Class:   class,
		Message: "cloud provider " + provider + " call failed",
		Err:     err,
	}).WithCode(ErrCodeCloudProvider)
}

// NewProvisioningFailure reports that a provider refused an action at dispatch time.
func NewProvisioningFailure(id string, action Action, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s rejected by provider", action), err).
		WithCode(ErrCodeProvisioningFailure).
		WithResource(id).
		WithOperation(string(action))
}

// NewStaleCallbackError describes a callback whose sequence is behind the record.
func NewStaleCallbackError(id string, got, current int64) *EngineError {
	return NewConflictError(fmt.Sprintf("callback sequence %d behind accepted sequence %d", got, current), nil).
		WithCode(ErrCodeStaleCallback).
		WithResource(id)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
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

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if a provider call that failed with err may be retried.
// Only transient and throttled failures qualify; conflicts need a fresh decision.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsValidation returns true for requests rejected before admission.
func IsValidation(err error) bool { return HasCode(err, ErrCodeValidation) }

// IsNotFound returns true for missing registry entries.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }

// IsQuotaExceeded returns true when a quota limit blocked the request.
func IsQuotaExceeded(err error) bool { return HasCode(err, ErrCodeQuotaExceeded) }

// IsActionPending returns true when a mutating action was refused because another is in flight.
func IsActionPending(err error) bool { return HasCode(err, ErrCodeActionPending) }

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeAlreadyExists       = "ALREADY_EXISTS"
	ErrCodeQuotaExceeded       = "QUOTA_EXCEEDED"
	ErrCodeDependencyNotReady  = "DEPENDENCY_NOT_READY"
	ErrCodeProvisioningFailure = "PROVISIONING_FAILURE"
	ErrCodeStaleCallback       = "STALE_CALLBACK"
	ErrCodeActionPending       = "ACTION_PENDING"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeCloudProvider       = "CLOUD_PROVIDER_ERROR"
	ErrCodeInternal            = "INTERNAL_ERROR"
)
