package tools

import "fmt"

// ErrToolUnavailable is returned when the model calls a tool that is
// not declared. The call is answered with an error result; it is a
// model mistake, not a failure of the generation.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ExecutionError is a tool invocation that failed. Its message is fed
// back to the model as the tool's result.
type ExecutionError struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error { return e.Err }
