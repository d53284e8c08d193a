// Package exec drives workflow graphs: a node executor handling
// idempotent per-node execution and gateway routing, and a workflow
// executor owning the instance lifecycle around it (lease, start, drive,
// complete or fail, release).
//
// The executors are stateless between calls: every fact they need lives in
// the store, so any replica can pick up any instance whose lease it can
// acquire.
package exec

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/procflow-go/flow"
	"github.com/dshills/procflow-go/flow/emit"
	"github.com/dshills/procflow-go/flow/state"
	"github.com/dshills/procflow-go/flow/store"
)

// DefaultWorkerLimit bounds concurrent asynchronous executions per
// process.
const DefaultWorkerLimit = 16

// ErrNoStartEvent is returned when the graph carries no start event. The
// validator rejects such definitions at deploy time; this guards direct
// graph construction.
var ErrNoStartEvent = errors.New("graph has no start event")

// WorkflowExecutor owns the instance lifecycle: create, lease, drive the
// node recursion, finish, and always release the lease.
type WorkflowExecutor struct {
	nodes   *NodeExecutor
	states  *state.Manager
	store   store.Store
	metrics *flow.Metrics
	emitter emit.Emitter
	logger  zerolog.Logger
	workers *semaphore.Weighted
}

// Option configures a WorkflowExecutor.
type Option func(*WorkflowExecutor)

// WithMetrics attaches the Prometheus collectors.
func WithMetrics(m *flow.Metrics) Option {
	return func(e *WorkflowExecutor) { e.metrics = m }
}

// WithEmitter attaches a telemetry emitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(e *WorkflowExecutor) { e.emitter = emitter }
}

// WithLogger attaches a zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *WorkflowExecutor) { e.logger = logger }
}

// WithWorkerLimit bounds the async worker pool.
func WithWorkerLimit(n int64) Option {
	return func(e *WorkflowExecutor) { e.workers = semaphore.NewWeighted(n) }
}

// NewWorkflowExecutor creates a workflow executor around a node executor.
func NewWorkflowExecutor(nodes *NodeExecutor, states *state.Manager, st store.Store, opts ...Option) *WorkflowExecutor {
	e := &WorkflowExecutor{
		nodes:   nodes,
		states:  states,
		store:   st,
		emitter: emit.NewNullEmitter(),
		logger:  zerolog.Nop(),
		workers: semaphore.NewWeighted(DefaultWorkerLimit),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteSync creates an instance and runs it to a terminal (or paused)
// state in the caller's context, returning the final instance row.
//
// A failed workflow returns both the FAILED instance and the node error.
func (e *WorkflowExecutor) ExecuteSync(ctx context.Context, def *flow.WorkflowDefinition, vars map[string]any) (*store.WorkflowInstance, error) {
	graph := def.Graph()
	if graph.StartEvent == nil {
		return nil, ErrNoStartEvent
	}
	inst, err := e.states.CreateInstance(ctx, def.WorkflowID, def.Version, def.TenantID, vars)
	if err != nil {
		return nil, err
	}

	runErr := e.run(ctx, graph, inst.ExecutionID)

	final, getErr := e.states.GetInstance(ctx, inst.ExecutionID)
	if getErr != nil {
		return nil, getErr
	}
	return final, runErr
}

// ExecuteAsync creates an instance, returns its execution ID immediately,
// and drives the run on a background worker. Worker slots are bounded; a
// saturated pool delays the start, not the caller.
func (e *WorkflowExecutor) ExecuteAsync(ctx context.Context, def *flow.WorkflowDefinition, vars map[string]any) (string, error) {
	graph := def.Graph()
	if graph.StartEvent == nil {
		return "", ErrNoStartEvent
	}
	inst, err := e.states.CreateInstance(ctx, def.WorkflowID, def.Version, def.TenantID, vars)
	if err != nil {
		return "", err
	}

	go func() {
		// The run outlives the caller's request context.
		bg := context.Background()
		if err := e.workers.Acquire(bg, 1); err != nil {
			return
		}
		defer e.workers.Release(1)

		if err := e.run(bg, graph, inst.ExecutionID); err != nil {
			// Failure is already persisted on the instance; async callers
			// observe it through the store, not a return value.
			e.logger.Error().
				Str("execution_id", inst.ExecutionID).
				Err(err).
				Msg("async execution failed")
		}
	}()
	return inst.ExecutionID, nil
}

// ResumeExecution continues a paused or crashed instance from its current
// node. Completed nodes are skipped by the idempotency short-circuit, so
// resuming after a mid-workflow crash never re-runs committed work.
func (e *WorkflowExecutor) ResumeExecution(ctx context.Context, def *flow.WorkflowDefinition, executionID string) (*store.WorkflowInstance, error) {
	graph := def.Graph()
	inst, err := e.states.GetInstance(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if inst.State.Terminal() {
		return inst, fmt.Errorf("%w: resume of terminal instance", state.ErrInvalidTransition)
	}
	if inst.State == store.StatePaused {
		if err := e.states.ResumeFromPause(ctx, executionID); err != nil {
			return nil, err
		}
	}

	runErr := e.drive(ctx, graph, executionID, resumeNode(graph, inst))

	final, getErr := e.states.GetInstance(ctx, executionID)
	if getErr != nil {
		return nil, getErr
	}
	return final, runErr
}

// resumeNode picks where to continue: the persisted current node, falling
// back to the start event.
func resumeNode(graph *flow.WorkflowGraph, inst *store.WorkflowInstance) *flow.GraphNode {
	if inst.CurrentNodeID != "" {
		if node := graph.Node(inst.CurrentNodeID); node != nil {
			return node
		}
	}
	return graph.StartEvent
}

// run is the fresh-start loop: lease, start, drive from the start event.
func (e *WorkflowExecutor) run(ctx context.Context, graph *flow.WorkflowGraph, executionID string) error {
	return e.drive(ctx, graph, executionID, graph.StartEvent)
}

// drive is the shared execution skeleton: acquire the lease, mark
// running, recurse from the entry node, persist the outcome, and always
// release the lease.
func (e *WorkflowExecutor) drive(ctx context.Context, graph *flow.WorkflowGraph, executionID string, entry *flow.GraphNode) error {
	inst, err := e.states.GetInstance(ctx, executionID)
	if err != nil {
		return err
	}
	tenantID := inst.TenantID

	ok, err := e.states.AcquireLease(ctx, executionID)
	if err != nil {
		return err
	}
	if !ok {
		e.metrics.LockContention(tenantID)
		e.logger.Info().
			Str("execution_id", executionID).
			Msg("lease held by another replica, skipping")
		return nil
	}
	e.metrics.LockAcquired(tenantID)
	defer func() {
		if err := e.states.ReleaseLease(context.WithoutCancel(ctx), executionID); err != nil {
			e.logger.Error().Err(err).Str("execution_id", executionID).Msg("failed to release lease")
		}
	}()

	firstStart := inst.State == store.StatePending
	if err := e.states.StartExecution(ctx, executionID); err != nil {
		return err
	}
	if firstStart {
		if _, err := e.store.Append(ctx, store.AppendRequest{
			ExecutionID:       executionID,
			TenantID:          tenantID,
			Type:              store.EventWorkflowStarted,
			VariablesSnapshot: toJSON(inst.Variables),
		}); err != nil {
			return err
		}
		e.emitter.Emit(emit.Event{ExecutionID: executionID, Msg: "workflow_start"})
	}
	e.metrics.WorkflowStarted(tenantID, graph.WorkflowID)

	// Reload after StartExecution so the driver sees the persisted
	// variables and row version.
	inst, err = e.states.GetInstance(ctx, executionID)
	if err != nil {
		return err
	}
	ex := &execution{graph: graph, inst: inst, vars: copyVars(inst.Variables)}

	driveErr := e.nodes.executeNode(ctx, ex, entry)
	switch {
	case driveErr == nil, errors.Is(driveErr, errTerminated):
		if err := e.states.CompleteWorkflow(ctx, executionID); err != nil {
			return err
		}
		if _, err := e.store.Append(ctx, store.AppendRequest{
			ExecutionID:       executionID,
			TenantID:          tenantID,
			Type:              store.EventWorkflowCompleted,
			VariablesSnapshot: toJSON(ex.vars),
		}); err != nil {
			return err
		}
		e.metrics.WorkflowCompleted(tenantID, graph.WorkflowID)
		e.emitter.Emit(emit.Event{ExecutionID: executionID, Msg: "workflow_complete"})
		return nil

	case errors.Is(driveErr, errPauseRequested):
		// The instance is PAUSED with its progress persisted; a resume
		// call continues from the current node.
		return nil

	default:
		var ne *flow.NodeExecutionError
		failedNode := ""
		if errors.As(driveErr, &ne) {
			failedNode = ne.NodeID
		}
		if err := e.states.FailWorkflow(ctx, executionID, driveErr.Error(), failedNode); err != nil {
			return err
		}
		if _, err := e.store.Append(ctx, store.AppendRequest{
			ExecutionID:   executionID,
			TenantID:      tenantID,
			Type:          store.EventWorkflowFailed,
			NodeID:        failedNode,
			Status:        store.EventFailed,
			ErrorSnapshot: driveErr.Error(),
		}); err != nil {
			return err
		}
		e.metrics.WorkflowFailed(tenantID, graph.WorkflowID)
		e.emitter.Emit(emit.Event{
			ExecutionID: executionID,
			NodeID:      failedNode,
			Msg:         "workflow_failed",
			Meta:        map[string]any{"error": driveErr.Error()},
		})
		return driveErr
	}
}
