// File: internal/crawler/errors.go
package crawler

import "fmt"

// ContextError reports a step that never reached the oracle: the target app
// lost the foreground or the device produced no usable capture. Consecutive
// occurrences are bounded by MaxContextFailures.
type ContextError struct {
	Reason string
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("app context check failed: %s", e.Reason)
}

// NewContextError creates a ContextError for a skipped step.
func NewContextError(reason string) *ContextError {
	return &ContextError{Reason: reason}
}

// DecisionError reports an oracle turn that produced no executable action,
// either because the provider failed or because the proposal could not be
// mapped onto the device.
type DecisionError struct {
	Err error
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("oracle decision failed: %v", e.Err)
}

func (e *DecisionError) Unwrap() error {
	return e.Err
}

// NewDecisionError wraps the cause of an unusable oracle turn.
func NewDecisionError(err error) *DecisionError {
	return &DecisionError{Err: err}
}

// ExecutionError reports a mapped action the device rejected or failed to
// perform. Stored on the step row and fed back to the oracle.
type ExecutionError struct {
	Action string
	Reason string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %q failed: %s", e.Action, e.Reason)
}

// NewExecutionError creates an ExecutionError for a failed dispatch.
func NewExecutionError(action, reason string) *ExecutionError {
	return &ExecutionError{Action: action, Reason: reason}
}
