package flow

import (
	"errors"
	"fmt"
)

// ErrDefinitionMalformed indicates the definition document could not be
// decoded into a workflow: bad JSON, missing identifiers, duplicate node or
// edge IDs, or unknown enum values. Surfaced to the deploy caller.
var ErrDefinitionMalformed = errors.New("workflow definition malformed")

// ErrDefinitionInvalid indicates the validator rejected a structurally
// decodable definition. The accompanying ValidationResult carries the issue
// list; warnings alone never produce this error.
var ErrDefinitionInvalid = errors.New("workflow definition invalid")

// ErrDefinitionNotFound indicates no deployed definition matches the
// requested (workflowID, version, tenant) key.
var ErrDefinitionNotFound = errors.New("workflow definition not found")

// ErrNoBranchSatisfied indicates an exclusive or inclusive gateway found no
// outgoing edge whose condition held and no default branch. Fatal for the
// instance.
var ErrNoBranchSatisfied = errors.New("no gateway branch satisfied")

// ErrTransactionFailed wraps any failure inside a managed transaction
// boundary: the operation erred, the commit failed, or a forced rollback
// was requested.
var ErrTransactionFailed = errors.New("transaction failed")

// ErrTransactionValidation indicates the pre-commit validator rejected the
// transaction, or the operation produced a forbidden nil result. The
// boundary rolls back without committing.
var ErrTransactionValidation = errors.New("transaction validation failed")

// ErrCompensationFailed indicates a compensation handler itself failed
// after a commit-phase failure. This is the engine's only escalation beyond
// ordinary failure: the system may be inconsistent and needs operator
// attention.
var ErrCompensationFailed = errors.New("compensation failed")

// NodeExecutionError wraps any failure raised while executing a node:
// handler errors, transaction failures, and routing dead ends. The workflow
// executor converts it into a FAILED instance rather than rethrowing.
type NodeExecutionError struct {
	// NodeID identifies the node whose execution failed.
	NodeID string

	// Cause is the underlying failure.
	Cause error
}

// Error implements the error interface.
func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is / errors.As matching.
func (e *NodeExecutionError) Unwrap() error { return e.Cause }

// WrapNodeError wraps err in a NodeExecutionError for the given node.
// If err already is a NodeExecutionError it is returned unchanged so the
// innermost failing node stays attributed.
func WrapNodeError(nodeID string, err error) error {
	if err == nil {
		return nil
	}
	var ne *NodeExecutionError
	if errors.As(err, &ne) {
		return err
	}
	return &NodeExecutionError{NodeID: nodeID, Cause: err}
}
