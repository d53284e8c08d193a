// Package replay reconstructs workflow state from the append-only event
// log.
//
// Reconstruction is a pure fold over the timeline: no handler invocation,
// no network I/O, no clock reads. Any replica reading the same events
// derives the same state, which is what makes crash recovery and
// cross-replica resume deterministic.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/procflow-go/flow/store"
)

// NodeStatus is a node's status as derived from the event log.
type NodeStatus string

// Derived node statuses.
const (
	NodeActive    NodeStatus = "ACTIVE"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
)

// NodeState is one node's derived execution record.
type NodeState struct {
	NodeID      string
	Status      NodeStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMS  int64
	Error       string
}

// ReconstructedState is the full state derived from an execution's
// timeline.
type ReconstructedState struct {
	ExecutionID   string
	State         store.InstanceState
	CurrentNodeID string

	// Variables is the merge of all variable snapshots in sequence order.
	Variables map[string]any

	// CompletedNodes preserves completion order, de-duplicated.
	CompletedNodes []string

	// EdgeTraversals lists the edge IDs taken, in order.
	EdgeTraversals []string

	// Checkpoints maps checkpoint sequence numbers to names.
	Checkpoints map[int64]string

	StartTime *time.Time
	EndTime   *time.Time
	Error     string

	// LastSequence is the highest sequence number folded in.
	LastSequence int64

	Nodes map[string]*NodeState
}

// ResumePoint tells a replica where to pick up a recovered execution.
type ResumePoint struct {
	ExecutionID    string
	ResumeNodeID   string
	LastSequence   int64
	Variables      map[string]any
	CompletedNodes []string
}

// Engine reconstructs state from an event store.
type Engine struct {
	store store.EventStore
}

// NewEngine creates a replay engine on the event store.
func NewEngine(st store.EventStore) *Engine {
	return &Engine{store: st}
}

// ReconstructState folds the execution's events, in sequence order, into a
// ReconstructedState. A uptoSeq of zero folds the whole timeline; a
// positive value stops after that sequence number (inclusive).
func (e *Engine) ReconstructState(ctx context.Context, executionID string, uptoSeq int64) (*ReconstructedState, error) {
	timeline, err := e.store.Timeline(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}

	st := &ReconstructedState{
		ExecutionID: executionID,
		State:       store.StatePending,
		Variables:   map[string]any{},
		Checkpoints: map[int64]string{},
		Nodes:       map[string]*NodeState{},
	}
	for _, ev := range timeline {
		if uptoSeq > 0 && ev.SequenceNumber > uptoSeq {
			break
		}
		if err := apply(st, ev); err != nil {
			return nil, err
		}
		st.LastSequence = ev.SequenceNumber
	}
	return st, nil
}

func apply(st *ReconstructedState, ev *store.ExecutionEvent) error {
	switch ev.Type {
	case store.EventWorkflowStarted:
		st.State = store.StateRunning
		t := ev.Timestamp
		st.StartTime = &t

	case store.EventWorkflowCompleted:
		st.State = store.StateCompleted
		t := ev.Timestamp
		st.EndTime = &t

	case store.EventWorkflowFailed:
		st.State = store.StateFailed
		t := ev.Timestamp
		st.EndTime = &t
		st.Error = failureDetail(ev)

	case store.EventNodeStarted:
		node := st.node(ev.NodeID)
		node.Status = NodeActive
		t := ev.Timestamp
		node.StartedAt = &t
		st.CurrentNodeID = ev.NodeID

	case store.EventNodeCompleted:
		node := st.node(ev.NodeID)
		node.Status = NodeCompleted
		t := ev.Timestamp
		node.CompletedAt = &t
		node.DurationMS = ev.DurationMS
		st.addCompleted(ev.NodeID)
		if err := st.mergeVariables(ev.VariablesSnapshot); err != nil {
			return err
		}

	case store.EventNodeFailed:
		node := st.node(ev.NodeID)
		node.Status = NodeFailed
		t := ev.Timestamp
		node.CompletedAt = &t
		node.Error = failureDetail(ev)

	case store.EventVariableSet, store.EventVariableUpdated:
		if err := st.mergeVariables(ev.VariablesSnapshot); err != nil {
			return err
		}

	case store.EventGatewayBranchTaken:
		st.EdgeTraversals = append(st.EdgeTraversals, ev.EdgeTaken)

	case store.EventCheckpointCreated:
		st.Checkpoints[ev.SequenceNumber] = ev.DecisionResult
	}
	return nil
}

func failureDetail(ev *store.ExecutionEvent) string {
	if ev.ErrorMessage != "" {
		return ev.ErrorMessage
	}
	return ev.ErrorSnapshot
}

func (st *ReconstructedState) node(nodeID string) *NodeState {
	if n, ok := st.Nodes[nodeID]; ok {
		return n
	}
	n := &NodeState{NodeID: nodeID}
	st.Nodes[nodeID] = n
	return n
}

func (st *ReconstructedState) addCompleted(nodeID string) {
	for _, id := range st.CompletedNodes {
		if id == nodeID {
			return
		}
	}
	st.CompletedNodes = append(st.CompletedNodes, nodeID)
}

func (st *ReconstructedState) mergeVariables(snapshot string) error {
	if snapshot == "" {
		return nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(snapshot), &vars); err != nil {
		return fmt.Errorf("decode variables snapshot at seq %d: %w", st.LastSequence+1, err)
	}
	for k, v := range vars {
		st.Variables[k] = v
	}
	return nil
}

// CanResume reports whether the execution is resumable: derived state
// RUNNING with a known current node.
func (e *Engine) CanResume(ctx context.Context, executionID string) (bool, error) {
	st, err := e.ReconstructState(ctx, executionID, 0)
	if err != nil {
		return false, err
	}
	return st.State == store.StateRunning && st.CurrentNodeID != "", nil
}

// ResumePoint derives where a replica should continue the execution.
func (e *Engine) ResumePoint(ctx context.Context, executionID string) (*ResumePoint, error) {
	st, err := e.ReconstructState(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	return &ResumePoint{
		ExecutionID:    executionID,
		ResumeNodeID:   st.CurrentNodeID,
		LastSequence:   st.LastSequence,
		Variables:      st.Variables,
		CompletedNodes: st.CompletedNodes,
	}, nil
}

// ValidateReplayConsistency reconstructs the state twice and compares the
// structural fields. A mismatch means reconstruction is not deterministic,
// which would break crash recovery; this is a self-test hook for
// operators.
func (e *Engine) ValidateReplayConsistency(ctx context.Context, executionID string) (bool, error) {
	first, err := e.ReconstructState(ctx, executionID, 0)
	if err != nil {
		return false, err
	}
	second, err := e.ReconstructState(ctx, executionID, 0)
	if err != nil {
		return false, err
	}
	if first.State != second.State || first.CurrentNodeID != second.CurrentNodeID {
		return false, nil
	}
	if len(first.CompletedNodes) != len(second.CompletedNodes) {
		return false, nil
	}
	for i := range first.CompletedNodes {
		if first.CompletedNodes[i] != second.CompletedNodes[i] {
			return false, nil
		}
	}
	return true, nil
}

// NodeStates returns the per-node derived records for the execution.
func (e *Engine) NodeStates(ctx context.Context, executionID string) (map[string]*NodeState, error) {
	st, err := e.ReconstructState(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	return st.Nodes, nil
}
