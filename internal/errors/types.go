package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// InvalidTaskError reports a task rejected during validation. No run is
// created when submit fails with this error.
type InvalidTaskError struct {
	Reason string
}

func (e *InvalidTaskError) Error() string {
	return fmt.Sprintf("invalid task: %s", e.Reason)
}

// NewInvalidTaskError builds an InvalidTaskError with a formatted reason.
func NewInvalidTaskError(format string, args ...any) *InvalidTaskError {
	return &InvalidTaskError{Reason: fmt.Sprintf(format, args...)}
}

// NoAgentAvailableError reports that no capable, non-disabled agent exists
// for the requested task type.
type NoAgentAvailableError struct {
	TaskType string
	AgentID  string // set when an explicit agent was requested
}

func (e *NoAgentAvailableError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("no agent available: agent %q cannot serve task type %q", e.AgentID, e.TaskType)
	}
	return fmt.Sprintf("no agent available for task type %q", e.TaskType)
}

// CapabilityError wraps a failure from an agent capability invocation.
type CapabilityError struct {
	AgentID string
	Err     error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %s failed: %v", e.AgentID, e.Err)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}

// AlreadyDecidedError reports a stale decision on a proposal that already has
// a terminal status. The losing caller gets this error and no side effect.
type AlreadyDecidedError struct {
	ProposalID string
	Status     string
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("proposal %s already decided: %s", e.ProposalID, e.Status)
}

// TimeoutError reports a run that exceeded its configured deadline.
type TimeoutError struct {
	RunID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run %s exceeded its deadline", e.RunID)
}

// ValidationError reports a rejected field in a configuration patch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing entity by kind and id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TransientError marks an error as retry-able regardless of its cause.
type TransientError struct {
	Err     error
	Message string
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

// PermanentError marks an error as non-retry-able regardless of its cause.
type PermanentError struct {
	Err     error
	Message string
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

// NewTransientError creates a transient error with a caller-facing message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError creates a permanent error with a caller-facing message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// IsTransient reports whether an error is worth retrying. Explicit markers win;
// otherwise network-class and throttling failures count as transient, and
// validation-class failures do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	// Validation-class failures are never retried.
	var invalid *InvalidTaskError
	var validation *ValidationError
	if errors.As(err, &invalid) || errors.As(err, &validation) {
		return false
	}

	var capErr *CapabilityError
	if errors.As(err, &capErr) && capErr.Err != nil {
		return IsTransient(capErr.Err)
	}

	if isNetworkError(err) {
		return true
	}

	if statusCode := extractHTTPStatusCode(err); statusCode > 0 {
		return isTransientHTTPStatus(statusCode)
	}

	return isSyscallError(err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

var httpStatusTokens = map[string]int{
	"400": 400, "401": 401, "403": 403, "404": 404, "409": 409,
	"422": 422, "429": 429, "500": 500, "502": 502, "503": 503, "504": 504,
}

func extractHTTPStatusCode(err error) int {
	lowerErr := strings.ToLower(err.Error())
	for token, code := range httpStatusTokens {
		if strings.Contains(lowerErr, "status "+token) || strings.Contains(lowerErr, "error "+token) {
			return code
		}
	}
	return 0
}
