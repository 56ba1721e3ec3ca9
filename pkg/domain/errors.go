package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrPipelineNotFound  = errors.New("pipeline not found")
	ErrOperationNotFound = errors.New("operation not found")
	ErrDefinitionInvalid = errors.New("invalid definition")
)

// ValidationError reports a structural defect in a pipeline definition.
type ValidationError struct {
	PipelineID string
	NodeID     string
	EdgeID     string
	Reason     string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("pipeline")
	if e.PipelineID != "" {
		fmt.Fprintf(&b, " %q", e.PipelineID)
	}
	b.WriteString(" invalid")
	if e.NodeID != "" {
		fmt.Fprintf(&b, " at node %q", e.NodeID)
	}
	if e.EdgeID != "" {
		fmt.Fprintf(&b, " at edge %q", e.EdgeID)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func (e *ValidationError) Unwrap() error { return ErrDefinitionInvalid }

// MissingInputError reports pipeline inputs absent at the start of a run.
type MissingInputError struct {
	PipelineID string
	Names      []string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("pipeline %q: missing required inputs: %s", e.PipelineID, strings.Join(e.Names, ", "))
}

// ParameterCoercionError reports a value that could not be converted to its declared type.
type ParameterCoercionError struct {
	Param string
	Type  ParamType
	Err   error
}

func (e *ParameterCoercionError) Error() string {
	return fmt.Sprintf("parameter %q: cannot coerce to %s: %v", e.Param, e.Type, e.Err)
}

func (e *ParameterCoercionError) Unwrap() error { return e.Err }

// OperationExecutionError wraps a failure raised by a step body.
type OperationExecutionError struct {
	OperationID string
	Operation   string
	NodeID      string
	Err         error
}

func (e *OperationExecutionError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("operation %q (node %q) failed: %v", e.Operation, e.NodeID, e.Err)
	}
	return fmt.Sprintf("operation %q failed: %v", e.Operation, e.Err)
}

func (e *OperationExecutionError) Unwrap() error { return e.Err }

// MissingOutputError lists declared outputs that were not produced.
type MissingOutputError struct {
	Scope string // operation or pipeline name
	Names []string
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("%s: missing outputs: %s", e.Scope, strings.Join(e.Names, ", "))
}

// ConditionEvaluationError reports a malformed or failing condition expression.
type ConditionEvaluationError struct {
	NodeID     string
	Expression string
	Err        error
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("condition node %q: evaluating %q: %v", e.NodeID, e.Expression, e.Err)
}

func (e *ConditionEvaluationError) Unwrap() error { return e.Err }
