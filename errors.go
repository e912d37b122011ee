package kin

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
var (
	// ErrConcurrencyConflict indicates an optimistic concurrency violation.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrStreamNotFound indicates the requested stream does not exist.
	ErrStreamNotFound = adapters.ErrStreamNotFound

	// ErrNoEvents indicates no events were provided for append.
	ErrNoEvents = adapters.ErrNoEvents

	// ErrValidationFailed indicates malformed or out-of-bounds input.
	ErrValidationFailed = errors.New("kin: validation failed")

	// ErrNotFound indicates the task does not exist or has been deleted.
	ErrNotFound = errors.New("kin: task not found")

	// ErrCorruptStream indicates an event history that cannot be folded.
	ErrCorruptStream = errors.New("kin: corrupt stream")

	// ErrTransient indicates a retryable infrastructure failure.
	ErrTransient = adapters.ErrTransient

	// ErrUnauthorized indicates the actor is not a member of the tenant.
	ErrUnauthorized = errors.New("kin: not authorized")

	// ErrUnknownEventKind indicates an event kind this build does not understand.
	ErrUnknownEventKind = errors.New("kin: unknown event kind")

	// ErrProjectionGap indicates an event arrived before its predecessors were projected.
	ErrProjectionGap = errors.New("kin: projection gap")

	// ErrHandlerPanicked indicates a command handler panicked.
	ErrHandlerPanicked = errors.New("kin: handler panicked")
)

// ErrorKind is the stable, client-visible classification of an error.
type ErrorKind string

// Error kinds.
const (
	KindValidation  ErrorKind = "validation"
	KindNotFound    ErrorKind = "not_found"
	KindConflict    ErrorKind = "concurrency_conflict"
	KindCorrupt     ErrorKind = "corrupt_stream"
	KindTransient   ErrorKind = "transient"
	KindUnauthorize ErrorKind = "authorization"
	KindInternal    ErrorKind = "internal"
)

// ValidationError represents malformed input or a command that the current
// task state does not allow.
type ValidationError struct {
	// CommandType is the command that failed validation, empty for events.
	CommandType string

	// Field is the offending field (optional).
	Field string

	// Message describes the failure.
	Message string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	subject := "input"
	if e.CommandType != "" {
		subject = fmt.Sprintf("command %q", e.CommandType)
	}
	if e.Field != "" {
		return fmt.Sprintf("kin: validation failed for %s field %q: %s", subject, e.Field, e.Message)
	}
	return fmt.Sprintf("kin: validation failed for %s: %s", subject, e.Message)
}

// Is reports whether this error matches the target error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// NewValidationError creates a new ValidationError.
func NewValidationError(cmdType, field, message string) *ValidationError {
	return &ValidationError{CommandType: cmdType, Field: field, Message: message}
}

// NotFoundError reports a missing or deleted task.
type NotFoundError struct {
	TenantID string
	TaskID   string
}

// Error returns the error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("kin: task %q not found in tenant %q", e.TaskID, e.TenantID)
}

// Is reports whether this error matches the target error.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConcurrencyError reports a conflict that survived every retry.
type ConcurrencyError struct {
	TenantID        string
	TaskID          string
	ExpectedVersion int64
	Attempts        int
	Cause           error
}

// Error returns the error message.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("kin: concurrency conflict on task %q after %d attempt(s) at version %d",
		e.TaskID, e.Attempts, e.ExpectedVersion)
}

// Is reports whether this error matches the target error.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// Unwrap returns the adapter conflict.
func (e *ConcurrencyError) Unwrap() error {
	return e.Cause
}

// CorruptStreamError reports an event history that must be inspected by hand.
type CorruptStreamError struct {
	TenantID string
	TaskID   string
	EventID  string
	Reason   string
	Cause    error
}

// Error returns the error message.
func (e *CorruptStreamError) Error() string {
	msg := fmt.Sprintf("kin: corrupt stream %s/%s", e.TenantID, e.TaskID)
	if e.EventID != "" {
		msg += fmt.Sprintf(" at event %s", e.EventID)
	}
	msg += ": " + e.Reason
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is reports whether this error matches the target error.
func (e *CorruptStreamError) Is(target error) bool {
	return target == ErrCorruptStream
}

// Unwrap returns the underlying cause.
func (e *CorruptStreamError) Unwrap() error {
	return e.Cause
}

// TransientError wraps a retryable storage or transport failure.
type TransientError struct {
	Op    string
	Cause error
}

// Error returns the error message.
func (e *TransientError) Error() string {
	return fmt.Sprintf("kin: transient failure during %s: %v", e.Op, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// Unwrap returns the underlying cause.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// NewTransientError marks err as retryable.
func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Cause: err}
}

// AuthorizationError reports an actor acting outside its tenant.
type AuthorizationError struct {
	TenantID string
	ActorID  string
}

// Error returns the error message.
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("kin: user %q is not a member of tenant %q", e.ActorID, e.TenantID)
}

// Is reports whether this error matches the target error.
func (e *AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}

// PanicError reports a recovered panic.
type PanicError struct {
	CommandType string
	Value       interface{}
	Stack       string
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("kin: handler panicked while processing %q: %v", e.CommandType, e.Value)
}

// Is reports whether this error matches the target error.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanicked
}

// KindOf classifies err into the stable error taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidationFailed), errors.Is(err, ErrNoEvents),
		errors.Is(err, adapters.ErrEmptyStreamKey), errors.Is(err, adapters.ErrInvalidVersion):
		return KindValidation
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStreamNotFound):
		return KindNotFound
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConflict
	case errors.Is(err, ErrCorruptStream), errors.Is(err, ErrUnknownEventKind):
		return KindCorrupt
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorize
	case errors.Is(err, ErrTransient), errors.Is(err, ErrProjectionGap),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindInternal
	}
}

// IsRetryable reports whether an operation failing with err may succeed when retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindConflict:
		return true
	default:
		return false
	}
}

// HTTPStatus maps err to the status code a transport layer should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorize:
		return http.StatusForbidden
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ClientError is the client-facing shape of a failure.
type ClientError struct {
	Kind          ErrorKind `json:"kind"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Retryable     bool      `json:"retryable"`
}

// Error returns the error message.
func (e *ClientError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewClientError converts err into a ClientError. Internal and corrupt-stream
// details are not exposed.
func NewClientError(err error, correlationID string) *ClientError {
	kind := KindOf(err)
	msg := err.Error()
	switch kind {
	case KindInternal, KindCorrupt:
		msg = "internal error"
	case KindTransient:
		msg = "service temporarily unavailable"
	}
	return &ClientError{
		Kind:          kind,
		Message:       msg,
		CorrelationID: correlationID,
		Retryable:     IsRetryable(err),
	}
}
