package tool

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout is the failure reason recorded when a call exceeds its budget.
var ErrTimeout = errors.New("timeout")

// ErrInterrupted is the failure reason recorded when the caller's context
// ends before or during a call. It does not count against tool health.
var ErrInterrupted = errors.New("interrupted")

var errCallDeadline = errors.New("tool call deadline exceeded")

// DuplicateToolError is returned when a name is registered twice.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.Name)
}

// UnknownToolError is returned for names that are not registered, are
// disabled, or are temporarily unavailable.
type UnknownToolError struct {
	Name   string
	Reason string
}

func (e *UnknownToolError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unknown tool %q", e.Name)
	}
	return fmt.Sprintf("tool %q is %s", e.Name, e.Reason)
}

// FieldViolation is one failed constraint on one argument.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// SchemaValidationError lists every argument that failed the input schema.
type SchemaValidationError struct {
	Tool       string
	Violations []FieldViolation
}

func (e *SchemaValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(parts, "; "))
}

// Fields returns the names of the violating fields in report order.
func (e *SchemaValidationError) Fields() []string {
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, v.Field)
	}
	return out
}

// ExecutionError wraps an error or panic raised by a tool implementation.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
