// Package errors provides centralized error definitions and error handling
// utilities for the tandem codebase. It defines domain-specific errors,
// semantic sentinel errors, error constructors with context wrapping, and
// classification helpers used by the retry and conflict-resolution layers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - AgentError: errors related to a delegated agent instance
//   - StreamError: errors raised while consuming a model response stream
//   - ControlError: errors from the execution control layer
//
// # Classification
//
// The streaming retry policy branches on exactly three transport
// categories, so each has a dedicated predicate:
//
//	if errors.IsQuotaExceeded(err) { ... }  // switch to fallback model
//	if errors.IsRateLimited(err) { ... }    // honor Retry-After
//	if errors.IsConnection(err) { ... }     // exponential backoff
//
// Everything else is fatal to the streaming call.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Scheduler-related sentinel errors
var (
	// ErrAgentNotFound indicates that an agent instance could not be found.
	ErrAgentNotFound = New("agent not found")
	// ErrUnknownAgentType indicates the requested agent type is not registered.
	ErrUnknownAgentType = New("unknown agent type")
	// ErrBatchAborted indicates the batch was aborted before the agent ran.
	ErrBatchAborted = New("batch aborted")
	// ErrTooManyConflicts indicates the batch exceeded its conflict ceiling.
	ErrTooManyConflicts = New("too many file conflicts in batch")
	// ErrResultExpired indicates a background result aged out of retention.
	ErrResultExpired = New("background result expired")
)

// Streaming-related sentinel errors
var (
	// ErrQuotaExceeded indicates the model's usage quota is exhausted.
	ErrQuotaExceeded = New("model quota exceeded")
	// ErrRateLimited indicates the provider asked us to slow down.
	ErrRateLimited = New("rate limited")
	// ErrStreamTruncated indicates the response was cut off by max-tokens.
	ErrStreamTruncated = New("response truncated by max tokens")
	// ErrRetriesExhausted indicates all retry attempts failed.
	ErrRetriesExhausted = New("retries exhausted")
)

// Control-related sentinel errors
var (
	// ErrExecutionAborted indicates the turn was aborted by the user.
	ErrExecutionAborted = New("execution aborted")
	// ErrPermissionDenied indicates the permission gate rejected a tool call.
	ErrPermissionDenied = New("permission denied")
	// ErrNotReversible indicates a rollback action has no inverse.
	ErrNotReversible = New("action is not reversible")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all domain error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// AgentError represents errors related to a delegated agent instance.
//
// Example:
//
//	err := errors.NewAgentError("spawn failed", errors.ErrUnknownAgentType)
//	err = err.WithAgentID("agent-1").WithAgentType("implement")
type AgentError struct {
	baseError
	AgentID   string
	AgentType string
}

// NewAgentError creates a new AgentError.
func NewAgentError(message string, cause error) *AgentError {
	return &AgentError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithAgentID adds an agent instance ID to the error context.
func (e *AgentError) WithAgentID(id string) *AgentError {
	e.AgentID = id
	return e
}

// WithAgentType adds an agent type tag to the error context.
func (e *AgentError) WithAgentType(t string) *AgentError {
	e.AgentType = t
	return e
}

// WithSeverity sets the error severity.
func (e *AgentError) WithSeverity(s Severity) *AgentError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *AgentError) Error() string {
	var parts []string
	if e.AgentID != "" {
		parts = append(parts, fmt.Sprintf("agent=%s", e.AgentID))
	}
	if e.AgentType != "" {
		parts = append(parts, fmt.Sprintf("type=%s", e.AgentType))
	}

	prefix := "agent error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("agent error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *AgentError) Is(target error) bool {
	if _, ok := target.(*AgentError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StreamError represents errors raised while consuming a model response stream.
//
// Example:
//
//	err := errors.NewStreamError("stream failed", errors.ErrQuotaExceeded)
//	err = err.WithModel("primary-large").WithAttempt(2)
type StreamError struct {
	baseError
	Model   string
	Attempt int
}

// NewStreamError creates a new StreamError.
func NewStreamError(message string, cause error) *StreamError {
	return &StreamError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
		Attempt: -1, // -1 indicates not set
	}
}

// WithModel adds the model ID to the error context.
func (e *StreamError) WithModel(model string) *StreamError {
	e.Model = model
	return e
}

// WithAttempt adds the attempt number to the error context.
func (e *StreamError) WithAttempt(n int) *StreamError {
	e.Attempt = n
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *StreamError) WithRetryable(r bool) *StreamError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *StreamError) Error() string {
	var parts []string
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Attempt >= 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}

	prefix := "stream error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("stream error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *StreamError) Is(target error) bool {
	if _, ok := target.(*StreamError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ControlError represents errors from the execution control layer.
type ControlError struct {
	baseError
	ActionID string
	Tool     string
}

// NewControlError creates a new ControlError.
func NewControlError(message string, cause error) *ControlError {
	return &ControlError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithActionID adds a rollback action ID to the error context.
func (e *ControlError) WithActionID(id string) *ControlError {
	e.ActionID = id
	return e
}

// WithTool adds the tool name to the error context.
func (e *ControlError) WithTool(tool string) *ControlError {
	e.Tool = tool
	return e
}

// Error returns the formatted error message.
func (e *ControlError) Error() string {
	var parts []string
	if e.ActionID != "" {
		parts = append(parts, fmt.Sprintf("action=%s", e.ActionID))
	}
	if e.Tool != "" {
		parts = append(parts, fmt.Sprintf("tool=%s", e.Tool))
	}

	prefix := "control error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("control error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ControlError) Is(target error) bool {
	if _, ok := target.(*ControlError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Transport Errors
// -----------------------------------------------------------------------------

// TransportError represents an error returned by a model provider's API.
// The status code drives retry classification.
type TransportError struct {
	StatusCode int
	Message    string
	// RetryAfter is the provider-supplied backoff hint, if any.
	RetryAfter time.Duration
}

// Error returns the formatted error message.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error %d: %s", e.StatusCode, e.Message)
}

// Is maps well-known status codes onto the streaming sentinel errors so
// callers can use errors.Is against ErrQuotaExceeded and ErrRateLimited.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrQuotaExceeded:
		return e.StatusCode == 402 || isQuotaMessage(e.Message)
	case ErrRateLimited:
		return e.StatusCode == 429 && !isQuotaMessage(e.Message)
	}
	return false
}

func isQuotaMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "quota") ||
		strings.Contains(m, "insufficient credit") ||
		strings.Contains(m, "billing")
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsQuotaExceeded reports whether err indicates an exhausted usage quota.
// Quota errors trigger a one-time switch to the unlimited fallback model.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsRateLimited reports whether err indicates a rate-limit response.
// Rate-limit errors retry after the provider-supplied or default backoff.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsConnection reports whether err is a connection-class failure
// (reset, refused, timeout, abort). Connection errors retry with
// exponential backoff up to the attempt ceiling.
func IsConnection(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		switch transportErr.StatusCode {
		case 502, 503, 504:
			return true
		}
		return false
	}

	// String fallback only for untyped errors from third-party libraries.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"no such host",
		"tls handshake",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is transient and the operation may
// succeed on retry. Quota errors are deliberately excluded: they are
// handled by model switching, not by retrying the same model.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) || IsConnection(err) {
		return true
	}
	type retryable interface{ IsRetryable() bool }
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// RetryAfter extracts the provider-supplied backoff hint from err,
// or 0 when none is present.
func RetryAfter(err error) time.Duration {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.RetryAfter
	}
	return 0
}
