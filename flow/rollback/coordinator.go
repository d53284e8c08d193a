// Package rollback implements the rollback coordinator: node-level undo
// with variable restoration, checkpoint-anchored partial rollback, and
// whole-workflow rollback ending in a CANCELLED instance.
package rollback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dshills/procflow-go/flow/comp"
	"github.com/dshills/procflow-go/flow/emit"
	"github.com/dshills/procflow-go/flow/state"
	"github.com/dshills/procflow-go/flow/store"
)

// ReasonCode classifies why a rollback was requested.
type ReasonCode string

// Rollback reason codes.
const (
	UserRequested    ReasonCode = "USER_REQUESTED"
	ExecutionFailed  ReasonCode = "EXECUTION_FAILED"
	ValidationFailed ReasonCode = "VALIDATION_FAILED"
	TimeoutExceeded  ReasonCode = "TIMEOUT_EXCEEDED"
)

// Reason is the structured rollback justification recorded on the
// timeline.
type Reason struct {
	Code    ReasonCode `json:"code"`
	Details string     `json:"details,omitempty"`
}

func (r Reason) snapshot() string {
	b, err := json.Marshal(r)
	if err != nil {
		return string(r.Code)
	}
	return string(b)
}

// Result is the outcome of a rollback operation.
type Result struct {
	Success bool

	// RolledBack and Failed list node IDs by individual outcome.
	RolledBack []string
	Failed     []string

	// Message carries failure detail when Success is false.
	Message string
}

// Checkpoint is one named CHECKPOINT_CREATED marker on the timeline.
type Checkpoint struct {
	Sequence int64
	Name     string
}

// Coordinator drives rollbacks through the compensation registry and the
// state manager.
type Coordinator struct {
	store    store.Store
	registry *comp.Registry
	states   *state.Manager
	emitter  emit.Emitter
	logger   zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEmitter attaches a telemetry emitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(c *Coordinator) { c.emitter = emitter }
}

// WithLogger attaches a zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator creates a rollback coordinator.
func NewCoordinator(st store.Store, registry *comp.Registry, states *state.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    st,
		registry: registry,
		states:   states,
		emitter:  emit.NewNullEmitter(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RollbackNode undoes one completed node: it compensates the node's
// committed effect and, when the compensated event carried a variables
// snapshot, restores the instance's variables from it.
func (c *Coordinator) RollbackNode(ctx context.Context, executionID, nodeID string, reason Reason) (Result, error) {
	inst, err := c.states.GetInstance(ctx, executionID)
	if err != nil {
		return Result{}, fmt.Errorf("rollback node %s: %w", nodeID, err)
	}

	if _, err := c.store.Append(ctx, store.AppendRequest{
		ExecutionID:   executionID,
		TenantID:      inst.TenantID,
		Type:          store.EventRollbackInitiated,
		NodeID:        nodeID,
		InputSnapshot: reason.snapshot(),
	}); err != nil {
		return Result{}, fmt.Errorf("record rollback start: %w", err)
	}

	res, err := c.registry.CompensateNode(ctx, executionID, nodeID)
	if err != nil {
		return Result{}, err
	}

	if res.Success {
		if err := c.restoreVariables(ctx, executionID, nodeID); err != nil {
			return Result{}, err
		}
		if _, err := c.store.Append(ctx, store.AppendRequest{
			ExecutionID: executionID,
			TenantID:    inst.TenantID,
			Type:        store.EventRollbackCompleted,
			NodeID:      nodeID,
		}); err != nil {
			return Result{}, fmt.Errorf("record rollback completion: %w", err)
		}
		c.emitter.Emit(emit.Event{
			ExecutionID: executionID,
			NodeID:      nodeID,
			Msg:         "rollback_completed",
			Meta:        map[string]any{"reason": string(reason.Code)},
		})
		return Result{Success: true, RolledBack: []string{nodeID}}, nil
	}

	if _, err := c.store.Append(ctx, store.AppendRequest{
		ExecutionID:   executionID,
		TenantID:      inst.TenantID,
		Type:          store.EventRollbackFailed,
		NodeID:        nodeID,
		Status:        store.EventFailed,
		ErrorSnapshot: res.Message,
	}); err != nil {
		return Result{}, fmt.Errorf("record rollback failure: %w", err)
	}
	c.logger.Warn().
		Str("execution_id", executionID).
		Str("node_id", nodeID).
		Str("reason", res.Message).
		Msg("node rollback failed")
	return Result{Failed: []string{nodeID}, Message: res.Message}, nil
}

// restoreVariables puts the instance's variables back to the snapshot the
// compensated NODE_COMPLETED event captured, when one was captured.
func (c *Coordinator) restoreVariables(ctx context.Context, executionID, nodeID string) error {
	events, err := c.store.EventsByNode(ctx, executionID, nodeID)
	if err != nil {
		return fmt.Errorf("load node events: %w", err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Type != store.EventNodeCompleted || ev.VariablesSnapshot == "" {
			continue
		}
		var vars map[string]any
		if err := json.Unmarshal([]byte(ev.VariablesSnapshot), &vars); err != nil {
			return fmt.Errorf("decode variables snapshot: %w", err)
		}
		return c.states.UpdateVariables(ctx, executionID, vars)
	}
	return nil
}

// RollbackToCheckpoint rolls back every node completed after the
// checkpoint sequence, newest first. Success requires every individual
// rollback to succeed; the result lists both outcomes.
func (c *Coordinator) RollbackToCheckpoint(ctx context.Context, executionID string, checkpointSeq int64, reason Reason) (Result, error) {
	timeline, err := c.store.Timeline(ctx, executionID)
	if err != nil {
		return Result{}, fmt.Errorf("load timeline: %w", err)
	}

	var targets []*store.ExecutionEvent
	for _, ev := range timeline {
		if ev.Type == store.EventNodeCompleted && ev.SequenceNumber > checkpointSeq {
			targets = append(targets, ev)
		}
	}

	var out Result
	out.Success = true
	for i := len(targets) - 1; i >= 0; i-- {
		res, err := c.RollbackNode(ctx, executionID, targets[i].NodeID, reason)
		if err != nil {
			return out, err
		}
		if res.Success {
			out.RolledBack = append(out.RolledBack, targets[i].NodeID)
			continue
		}
		out.Success = false
		out.Failed = append(out.Failed, targets[i].NodeID)
		out.Message = res.Message
	}
	return out, nil
}

// RollbackWorkflow compensates every completed node in reverse completion
// order, cancels the instance, and records WORKFLOW_ROLLED_BACK with the
// pre-rollback state attached.
func (c *Coordinator) RollbackWorkflow(ctx context.Context, executionID string, reason Reason) (Result, error) {
	inst, err := c.states.GetInstance(ctx, executionID)
	if err != nil {
		return Result{}, fmt.Errorf("rollback workflow: %w", err)
	}
	preState, err := json.Marshal(map[string]any{
		"state":           inst.State,
		"current_node_id": inst.CurrentNodeID,
		"variables":       inst.Variables,
		"reason":          reason,
	})
	if err != nil {
		return Result{}, fmt.Errorf("snapshot pre-rollback state: %w", err)
	}

	results, err := c.registry.CompensateWorkflow(ctx, executionID)
	if err != nil {
		return Result{}, err
	}

	var out Result
	out.Success = true
	for _, res := range results {
		if res.Success {
			out.RolledBack = append(out.RolledBack, res.NodeID)
			continue
		}
		out.Success = false
		out.Failed = append(out.Failed, res.NodeID)
		out.Message = res.Message
	}

	if err := c.states.CancelWorkflow(ctx, executionID); err != nil {
		return out, fmt.Errorf("cancel instance: %w", err)
	}
	if _, err := c.store.Append(ctx, store.AppendRequest{
		ExecutionID:   executionID,
		TenantID:      inst.TenantID,
		Type:          store.EventWorkflowRolledBack,
		InputSnapshot: string(preState),
	}); err != nil {
		return out, fmt.Errorf("record workflow rollback: %w", err)
	}

	c.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		Msg:         "workflow_rolled_back",
		Meta: map[string]any{
			"reason":      string(reason.Code),
			"rolled_back": len(out.RolledBack),
			"failed":      len(out.Failed),
		},
	})
	return out, nil
}

// CreateCheckpoint appends a named CHECKPOINT_CREATED marker and returns
// its sequence number for later RollbackToCheckpoint calls.
func (c *Coordinator) CreateCheckpoint(ctx context.Context, executionID, name string) (int64, error) {
	inst, err := c.states.GetInstance(ctx, executionID)
	if err != nil {
		return 0, fmt.Errorf("create checkpoint: %w", err)
	}
	ev, err := c.store.Append(ctx, store.AppendRequest{
		ExecutionID:    executionID,
		TenantID:       inst.TenantID,
		Type:           store.EventCheckpointCreated,
		DecisionResult: name,
	})
	if err != nil {
		return 0, fmt.Errorf("create checkpoint: %w", err)
	}
	return ev.SequenceNumber, nil
}

// Checkpoints lists the execution's checkpoints in sequence order.
func (c *Coordinator) Checkpoints(ctx context.Context, executionID string) ([]Checkpoint, error) {
	timeline, err := c.store.Timeline(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}
	var out []Checkpoint
	for _, ev := range timeline {
		if ev.Type == store.EventCheckpointCreated {
			out = append(out, Checkpoint{Sequence: ev.SequenceNumber, Name: ev.DecisionResult})
		}
	}
	return out, nil
}
