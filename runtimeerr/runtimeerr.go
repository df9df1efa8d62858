// Package runtimeerr defines the closed error-code taxonomy shared across the
// runtime's components. Every error that crosses a component boundary
// carries one of these codes so callers can branch with errors.Is while
// structured detail (message, wrapped cause) travels with the error value.
package runtimeerr

import "fmt"

// Code is one of the closed set of runtime error codes.
type Code string

const (
	// Validation errors: surfaced to the caller, no side effects.
	CodeInvalidInput   Code = "INVALID_INPUT"
	CodeScopeMismatch  Code = "SCOPE_MISMATCH"
	CodeNotFound       Code = "NOT_FOUND"
	CodeStorageError   Code = "STORAGE_ERROR"

	// Tool errors: scoped to a single tool call, do not terminate the run.
	CodeToolError         Code = "TOOL_ERROR"
	CodeTimeout           Code = "TIMEOUT"
	CodeApprovalRejected  Code = "APPROVAL_REJECTED"
	CodePolicyBlocked     Code = "POLICY_BLOCKED"

	// Agent errors: terminate the run via run.failed.
	CodeAgentError     Code = "AGENT_ERROR"
	CodeBudgetExceeded Code = "BUDGET_EXCEEDED"
	CodeMaxSteps       Code = "MAX_STEPS"

	// Delegation errors.
	CodeDelegationCycle Code = "DELEGATION_CYCLE"
	CodeChildFailed     Code = "CHILD_FAILED"

	// Idempotency guard.
	CodeAlreadyResolved Code = "ALREADY_RESOLVED"
)

// Error is a structured runtime error carrying a closed taxonomy code, a
// human-readable message, and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, runtimeerr.New(code, "")) to match purely on code,
// which is the common comparison pattern ("is this a NOT_FOUND error").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// sentinels for errors.Is comparisons against a bare code, e.g.
// errors.Is(err, runtimeerr.ErrNotFound).
var (
	ErrInvalidInput      = &Error{Code: CodeInvalidInput}
	ErrScopeMismatch     = &Error{Code: CodeScopeMismatch}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrStorageError      = &Error{Code: CodeStorageError}
	ErrToolError         = &Error{Code: CodeToolError}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrApprovalRejected  = &Error{Code: CodeApprovalRejected}
	ErrPolicyBlocked     = &Error{Code: CodePolicyBlocked}
	ErrAgentError        = &Error{Code: CodeAgentError}
	ErrBudgetExceeded    = &Error{Code: CodeBudgetExceeded}
	ErrMaxSteps          = &Error{Code: CodeMaxSteps}
	ErrDelegationCycle   = &Error{Code: CodeDelegationCycle}
	ErrChildFailed       = &Error{Code: CodeChildFailed}
	ErrAlreadyResolved   = &Error{Code: CodeAlreadyResolved}
)
