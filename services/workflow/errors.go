package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrRunCancelled marks work abandoned because its run was cancelled.
	ErrRunCancelled = errors.New("run cancelled")

	ErrCycleDetected = errors.New("cycle detected")
	ErrNodeNotFound  = errors.New("node not found")

	ErrWorkflowNotFound       = errors.New("workflow not found")
	ErrRunNotFound            = errors.New("run not found")
	ErrDuplicateNodeExecution = errors.New("node execution already recorded")
	ErrWaitExhausted          = errors.New("run did not finish within the allowed polls")
)

// StructuralError fails a whole run before any node is dispatched.
type StructuralError struct {
	Err    error
	Detail string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("invalid workflow graph: %s: %s", e.Err, e.Detail)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// DependencyError fails a node whose upstream node failed or was cancelled.
// Cause is always the root failure, never another DependencyError.
type DependencyError struct {
	NodeID string
	Cause  error
}

func (e *DependencyError) Error() string {
	return "Dependency failed: " + e.Cause.Error()
}

func (e *DependencyError) Unwrap() error { return e.Cause }

func newDependencyError(nodeID string, cause error) *DependencyError {
	var de *DependencyError
	if errors.As(cause, &de) {
		return &DependencyError{NodeID: de.NodeID, Cause: de.Cause}
	}
	return &DependencyError{NodeID: nodeID, Cause: cause}
}

// TaskError is a failure reported by the external task itself.
type TaskError struct {
	TaskID  string
	Message string
}

func (e *TaskError) Error() string { return e.Message }

// isRootFailure reports whether err originated at the node itself rather than
// upstream or from cancellation.
func isRootFailure(err error) bool {
	var de *DependencyError
	return err != nil && !errors.As(err, &de) && !errors.Is(err, ErrRunCancelled)
}

type validationError struct {
	field string
	kind  string
}

func (e *validationError) Error() string {
	if e.kind == "missing" {
		return e.field + " is required"
	}
	return e.field + " is invalid"
}

func errMissing(field string) error { return &validationError{field: field, kind: "missing"} }
func errInvalid(field string) error { return &validationError{field: field, kind: "invalid"} }
