// Package errors provides structured error types for drover.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for drover.
const (
	// Config errors (fatal at startup)
	CodeScopeMissing  Code = "SCOPE_MISSING"
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeUnknownRole   Code = "UNKNOWN_ROLE"

	// Store errors
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	CodeTransient          Code = "TRANSIENT"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"

	// Execution errors
	CodeAgentFailed  Code = "AGENT_FAILED"
	CodeHookFailed   Code = "HOOK_FAILED"
	CodeWorktree     Code = "WORKTREE"
	CodeLeaseExpired Code = "LEASE_EXPIRED"
)

// Category groups error codes for retry and exit-code decisions.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryConfig
	CategoryNotFound
	CategoryConflict
	CategoryPrecondition
	CategoryTransient
	CategoryExecution
)

var codeCategories = map[Code]Category{
	CodeScopeMissing:       CategoryConfig,
	CodeConfigInvalid:      CategoryConfig,
	CodeUnknownRole:        CategoryConfig,
	CodeNotFound:           CategoryNotFound,
	CodeConflict:           CategoryConflict,
	CodePreconditionFailed: CategoryPrecondition,
	CodeTransient:          CategoryTransient,
	CodeInvalidArgument:    CategoryPrecondition,
	CodeAgentFailed:        CategoryExecution,
	CodeHookFailed:         CategoryExecution,
	CodeWorktree:           CategoryExecution,
	CodeLeaseExpired:       CategoryExecution,
}

// DroverError is the structured error type for drover.
type DroverError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *DroverError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *DroverError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *DroverError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category.
func (e *DroverError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// Retryable reports whether the error is safe to retry with backoff.
// Only transient store errors qualify; conflicts require a re-read.
func (e *DroverError) Retryable() bool {
	return e.Category() == CategoryTransient
}

// MarshalJSON implements json.Marshaler.
func (e *DroverError) MarshalJSON() ([]byte, error) {
	type alias DroverError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a DroverError with the same code.
func (e *DroverError) Is(target error) bool {
	t, ok := target.(*DroverError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *DroverError) WithCause(err error) *DroverError {
	return &DroverError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrScopeMissing returns the fatal startup error for a missing scope.
func ErrScopeMissing(path string) *DroverError {
	return &DroverError{
		Code: CodeScopeMissing,
		What: "scope is not configured",
		Why:  fmt.Sprintf("The config at %s has no 'scope' key; every store request must carry one", path),
		Fix:  "Add 'scope: <tenant-tag>' to config.yaml. The scheduler refuses to run without it",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *DroverError {
	return &DroverError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .drover/config.yaml and fix the invalid field",
	}
}

// ErrUnknownRole returns an error for an agent blueprint with an unknown role.
func ErrUnknownRole(blueprint, role string) *DroverError {
	return &DroverError{
		Code: CodeUnknownRole,
		What: fmt.Sprintf("agent %q has unknown role %q", blueprint, role),
		Why:  "Roles are a closed set; the scheduler cannot build a descriptor for this one",
		Fix:  "Use one of the known role tags in the agents section of config.yaml",
	}
}

// ErrTaskNotFound returns a NotFound error for a task ID.
func ErrTaskNotFound(id string) *DroverError {
	return &DroverError{
		Code: CodeNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Why:  "No task with this ID exists in the store for the configured scope",
	}
}

// ErrConflict returns a version-mismatch error. Callers must re-read
// the task and re-decide rather than retrying the same write.
func ErrConflict(id string, haveVersion int64) *DroverError {
	return &DroverError{
		Code: CodeConflict,
		What: fmt.Sprintf("task %s was modified concurrently", id),
		Why:  fmt.Sprintf("Compare-and-set failed at version %d", haveVersion),
	}
}

// ErrPreconditionFailed returns an error for a transition blocked by state.
func ErrPreconditionFailed(id, reason string) *DroverError {
	return &DroverError{
		Code: CodePreconditionFailed,
		What: fmt.Sprintf("precondition failed for task %s", id),
		Why:  reason,
	}
}

// ErrTransient wraps a network or 5xx failure that is safe to retry.
func ErrTransient(op string, cause error) *DroverError {
	return &DroverError{
		Code:  CodeTransient,
		What:  fmt.Sprintf("transient store failure during %s", op),
		Cause: cause,
	}
}

// ErrInvalidArgument returns an error for a malformed request field.
func ErrInvalidArgument(field, reason string) *DroverError {
	return &DroverError{
		Code: CodeInvalidArgument,
		What: fmt.Sprintf("invalid argument: %s", field),
		Why:  reason,
	}
}

// ErrWorktree returns an error for a corrupt or mismatched worktree.
func ErrWorktree(taskID, reason string, cause error) *DroverError {
	return &DroverError{
		Code:  CodeWorktree,
		What:  fmt.Sprintf("worktree for task %s is unusable", taskID),
		Why:   reason,
		Cause: cause,
	}
}

// ErrLeaseExpired returns an error for a claim held past its lease.
func ErrLeaseExpired(taskID, agent string) *DroverError {
	return &DroverError{
		Code: CodeLeaseExpired,
		What: fmt.Sprintf("lease on task %s expired", taskID),
		Why:  fmt.Sprintf("Agent %s held the claim past lease_expires_at and its process is gone", agent),
	}
}

// AsDroverError attempts to convert an error to a DroverError.
// Returns nil if the error is not one.
func AsDroverError(err error) *DroverError {
	var de *DroverError
	if stderrors.As(err, &de) {
		return de
	}
	return nil
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	de := AsDroverError(err)
	return de != nil && de.Code == code
}

// Wrap wraps a generic error into a DroverError with unknown code.
func Wrap(err error, what string) *DroverError {
	return &DroverError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
