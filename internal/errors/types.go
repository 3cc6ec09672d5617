package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Kind classifies errors for retry, circuit accounting, and replanning.
type Kind int

const (
	// KindTransient - retry-able transport errors; the only kind that counts
	// toward circuit failures.
	KindTransient Kind = iota
	// KindPermanent - non-retry-able errors; the step fails and the
	// replanner decides.
	KindPermanent
	// KindCircuitOpen - fast-fail because the endpoint's breaker is open.
	KindCircuitOpen
	// KindAgentRejected - the agent returned a structured failure; not a
	// transport error.
	KindAgentRejected
	// KindUnknownCapability - no online agent advertises the capability.
	KindUnknownCapability
	// KindInvalidRequest - malformed inbound payload.
	KindInvalidRequest
	// KindInterrupted - control flow, not a failure.
	KindInterrupted
	// KindConflict - checkpoint write collision.
	KindConflict
	// KindStoreUnavailable - checkpoint store down; fatal for the request.
	KindStoreUnavailable
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCircuitOpen:
		return "circuit_open"
	case KindAgentRejected:
		return "agent_rejected"
	case KindUnknownCapability:
		return "unknown_capability"
	case KindInvalidRequest:
		return "invalid_request"
	case KindInterrupted:
		return "interrupted"
	case KindConflict:
		return "conflict"
	case KindStoreUnavailable:
		return "store_unavailable"
	default:
		return "unknown"
	}
}

// TransientError represents an error that can be retried
type TransientError struct {
	Err        error
	RetryAfter int    // Seconds to wait before retry (from Retry-After header)
	StatusCode int    // HTTP status code if applicable
	Message    string // Planner-friendly message
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried
type PermanentError struct {
	Err        error
	StatusCode int    // HTTP status code if applicable
	Message    string // Planner-friendly message
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// CircuitOpenError is returned without touching the socket while an
// endpoint's breaker is open.
type CircuitOpenError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open for %s, retry after %s", e.Endpoint, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("circuit open for %s", e.Endpoint)
}

// AgentRejectedError carries a structured failure from a domain agent. It is
// application-level: never retried, never counted by the breaker.
type AgentRejectedError struct {
	Agent  string
	Reason string
}

func (e *AgentRejectedError) Error() string {
	return fmt.Sprintf("agent %s rejected the task: %s", e.Agent, e.Reason)
}

// UnknownCapabilityError means no online agent advertises the capability.
// The planner treats it as a constraint, not a fatal failure.
type UnknownCapabilityError struct {
	Capability string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("no agent advertises capability %q", e.Capability)
}

// InvalidRequestError marks a malformed inbound payload. The transport
// surface maps it to JSON-RPC error -32600.
type InvalidRequestError struct {
	Err     error
	Message string
}

func (e *InvalidRequestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("invalid request: %v", e.Err)
}

func (e *InvalidRequestError) Unwrap() error {
	return e.Err
}

// InterruptType distinguishes who asked the engine to stop.
type InterruptType string

const (
	// InterruptUserEscape is a user-initiated abort/modify request. It takes
	// priority over InterruptHumanInput when both race.
	InterruptUserEscape InterruptType = "user_escape"
	// InterruptHumanInput is raised from inside an agent driver when the
	// remote side needs clarification.
	InterruptHumanInput InterruptType = "human_input"
)

// InterruptedError suspends the engine at the next safe point. It is control
// flow, not a failure: callers resume with an answer or a plan modification.
type InterruptedError struct {
	Type     InterruptType
	Reason   string
	Question string
}

func (e *InterruptedError) Error() string {
	if e.Question != "" {
		return fmt.Sprintf("interrupted (%s): %s", e.Type, e.Question)
	}
	if e.Reason != "" {
		return fmt.Sprintf("interrupted (%s): %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("interrupted (%s)", e.Type)
}

// ConflictError reports a checkpoint write collision for a key that should
// have a single writer.
type ConflictError struct {
	Namespace string
	Key       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("write conflict on %s/%s", e.Namespace, e.Key)
}

// StoreUnavailableError means the checkpoint store cannot serve requests.
// Fatal for the current request.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("checkpoint store unavailable: %v", e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// IsTransient checks if an error is retry-able
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check if explicitly marked as transient
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	// Check explicit non-transient kinds before falling back to wire checks
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}
	if IsAgentRejected(err) || IsCircuitOpen(err) || IsInterrupted(err) ||
		IsUnknownCapability(err) || IsInvalidRequest(err) || IsStoreUnavailable(err) {
		return false
	}

	// Network errors (connection refused, timeout, etc.)
	if isNetworkError(err) {
		return true
	}

	// Syscall errors
	if isSyscallError(err) {
		return true
	}

	// Default: not transient
	return false
}

// IsPermanent checks if an error is non-retry-able
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return false
	}

	return false
}

// IsCircuitOpen checks for a breaker fast-fail.
func IsCircuitOpen(err error) bool {
	var circuitErr *CircuitOpenError
	return errors.As(err, &circuitErr)
}

// IsAgentRejected checks for a structured agent failure.
func IsAgentRejected(err error) bool {
	var rejectedErr *AgentRejectedError
	return errors.As(err, &rejectedErr)
}

// IsUnknownCapability checks for a capability lookup miss.
func IsUnknownCapability(err error) bool {
	var capErr *UnknownCapabilityError
	return errors.As(err, &capErr)
}

// IsInvalidRequest checks for a malformed inbound payload.
func IsInvalidRequest(err error) bool {
	var invalidErr *InvalidRequestError
	return errors.As(err, &invalidErr)
}

// IsInterrupted checks for engine control-flow suspension.
func IsInterrupted(err error) bool {
	var interruptErr *InterruptedError
	return errors.As(err, &interruptErr)
}

// AsInterrupted extracts the interrupt payload when err is one.
func AsInterrupted(err error) (*InterruptedError, bool) {
	var interruptErr *InterruptedError
	if errors.As(err, &interruptErr) {
		return interruptErr, true
	}
	return nil, false
}

// IsConflict checks for a checkpoint write collision.
func IsConflict(err error) bool {
	var conflictErr *ConflictError
	return errors.As(err, &conflictErr)
}

// IsStoreUnavailable checks for a down checkpoint store.
func IsStoreUnavailable(err error) bool {
	var storeErr *StoreUnavailableError
	return errors.As(err, &storeErr)
}

// KindOf classifies an error
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindPermanent
	case IsInterrupted(err):
		return KindInterrupted
	case IsCircuitOpen(err):
		return KindCircuitOpen
	case IsAgentRejected(err):
		return KindAgentRejected
	case IsUnknownCapability(err):
		return KindUnknownCapability
	case IsInvalidRequest(err):
		return KindInvalidRequest
	case IsConflict(err):
		return KindConflict
	case IsStoreUnavailable(err):
		return KindStoreUnavailable
	case IsTransient(err):
		return KindTransient
	default:
		// Default to permanent to avoid infinite retries
		return KindPermanent
	}
}

// FormatForPlanner converts technical errors into short, actionable text for
// replan prompts.
func FormatForPlanner(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case IsCircuitOpen(err):
		var circuitErr *CircuitOpenError
		errors.As(err, &circuitErr)
		return fmt.Sprintf("The agent at %s is temporarily unavailable (failing repeatedly). Avoid it or try a different approach.", circuitErr.Endpoint)
	case IsAgentRejected(err):
		var rejectedErr *AgentRejectedError
		errors.As(err, &rejectedErr)
		return fmt.Sprintf("Agent %s declined the task: %s. Rephrase the step or choose another agent.", rejectedErr.Agent, rejectedErr.Reason)
	case IsUnknownCapability(err):
		var capErr *UnknownCapabilityError
		errors.As(err, &capErr)
		return fmt.Sprintf("No available agent can handle %q. Plan around this capability or ask the user.", capErr.Capability)
	case IsStoreUnavailable(err):
		return "Persistent storage is unavailable; the workflow cannot continue safely."
	}

	errStr := err.Error()
	lowerErr := strings.ToLower(errStr)

	if strings.Contains(lowerErr, "timeout") || strings.Contains(lowerErr, "deadline exceeded") {
		return "The step timed out. It may be too broad; consider splitting it into smaller steps."
	}
	if strings.Contains(lowerErr, "connection refused") {
		return "The agent endpoint is not reachable. Avoid it for now or surface the outage to the user."
	}

	return errStr
}

// Helper functions

func isNetworkError(err error) bool {
	// net.Error with Timeout
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	// Connection errors
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	// Check error strings for common network error patterns
	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"broken pipe",
		"no such host",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func isSyscallError(err error) bool {
	// Connection reset, broken pipe, etc.
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status should be retried.
// 408 and 429 are transient alongside the 5xx family; other 4xx are permanent.
func IsTransientHTTPStatus(statusCode int) bool {
	if statusCode >= 500 {
		return true
	}
	return statusCode == 408 || statusCode == 429
}

// FromHTTPStatus wraps err with the kind the status implies.
func FromHTTPStatus(statusCode int, err error) error {
	if statusCode < 400 {
		return err
	}
	if IsTransientHTTPStatus(statusCode) {
		return &TransientError{Err: err, StatusCode: statusCode}
	}
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// Helper constructors

// NewTransientError creates a new transient error with a planner-friendly message
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{
		Err:     err,
		Message: message,
	}
}

// NewPermanentError creates a new permanent error with a planner-friendly message
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{
		Err:     err,
		Message: message,
	}
}

// NewInvalidRequest creates a request validation error.
func NewInvalidRequest(message string) *InvalidRequestError {
	return &InvalidRequestError{Message: message}
}

// NewUserEscape creates a user-initiated interrupt.
func NewUserEscape(reason string) *InterruptedError {
	return &InterruptedError{Type: InterruptUserEscape, Reason: reason}
}

// NewHumanInput creates an agent-initiated clarification interrupt.
func NewHumanInput(question string) *InterruptedError {
	return &InterruptedError{Type: InterruptHumanInput, Question: question}
}
