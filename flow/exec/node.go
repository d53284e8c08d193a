package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/procflow-go/flow"
	"github.com/dshills/procflow-go/flow/cond"
	"github.com/dshills/procflow-go/flow/emit"
	"github.com/dshills/procflow-go/flow/state"
	"github.com/dshills/procflow-go/flow/store"
)

// DefaultMaxSteps bounds node visits per execution so a cyclic graph with
// always-true conditions cannot recurse forever.
const DefaultMaxSteps = 10000

// ErrMaxStepsExceeded is returned when an execution visits more nodes than
// the configured limit.
var ErrMaxStepsExceeded = errors.New("max steps exceeded")

// execution is the in-flight state one workflow run threads through the
// recursion.
type execution struct {
	graph *flow.WorkflowGraph
	inst  *store.WorkflowInstance
	vars  map[string]any
	steps int
}

// NodeExecutor runs single nodes: idempotency short-circuit, handler
// dispatch, completion events, and gateway edge selection.
type NodeExecutor struct {
	states   *state.Manager
	store    store.Store
	handlers *HandlerRegistry
	metrics  *flow.Metrics
	emitter  emit.Emitter
	logger   zerolog.Logger
	clock    func() time.Time
	maxSteps int
}

// NodeOption configures a NodeExecutor.
type NodeOption func(*NodeExecutor)

// WithNodeMetrics attaches the Prometheus collectors.
func WithNodeMetrics(m *flow.Metrics) NodeOption {
	return func(e *NodeExecutor) { e.metrics = m }
}

// WithNodeEmitter attaches a telemetry emitter.
func WithNodeEmitter(emitter emit.Emitter) NodeOption {
	return func(e *NodeExecutor) { e.emitter = emitter }
}

// WithNodeLogger attaches a zerolog logger.
func WithNodeLogger(logger zerolog.Logger) NodeOption {
	return func(e *NodeExecutor) { e.logger = logger }
}

// WithMaxSteps overrides the per-execution node visit limit.
func WithMaxSteps(n int) NodeOption {
	return func(e *NodeExecutor) { e.maxSteps = n }
}

// NewNodeExecutor creates a node executor over the given registries. The
// builtin handlers (events, tasks, service, rule, user task, gateways) are
// registered as fallbacks after any custom handlers already in handlers.
func NewNodeExecutor(states *state.Manager, st store.Store, handlers *HandlerRegistry, services *ServiceRegistry, rules *RuleRegistry, opts ...NodeOption) *NodeExecutor {
	e := &NodeExecutor{
		states:   states,
		store:    st,
		handlers: handlers,
		emitter:  emit.NewNullEmitter(),
		logger:   zerolog.Nop(),
		clock:    func() time.Time { return time.Now().UTC() },
		maxSteps: DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(e)
	}

	svcHandler := &serviceTaskHandler{services: services}
	svcHandler.onRetry = func(req HandlerRequest, attempt int) {
		e.metrics.NodeRetried(req.TenantID, req.WorkflowID, req.Node.ID)
		e.logger.Warn().
			Str("execution_id", req.ExecutionID).
			Str("node_id", req.Node.ID).
			Int("attempt", attempt).
			Msg("retrying service task")
	}
	handlers.Register(userTaskHandler{})
	handlers.Register(svcHandler)
	handlers.Register(&businessRuleHandler{rules: rules})
	handlers.Register(passthroughHandler{})
	return e
}

// executeNode runs one node and recurses along the selected edges.
//
// The idempotency short-circuit is what makes crash-mid-workflow safe: a
// node recorded COMPLETED is never re-run, only re-routed.
func (e *NodeExecutor) executeNode(ctx context.Context, ex *execution, node *flow.GraphNode) error {
	if err := ctx.Err(); err != nil {
		return flow.WrapNodeError(node.ID, err)
	}
	ex.steps++
	if ex.steps > e.maxSteps {
		return flow.WrapNodeError(node.ID, fmt.Errorf("%w (%d)", ErrMaxStepsExceeded, e.maxSteps))
	}

	executionID := ex.inst.ExecutionID
	tenantID := ex.inst.TenantID

	if err := e.states.UpdateCurrentNode(ctx, executionID, node.ID); err != nil {
		return flow.WrapNodeError(node.ID, err)
	}
	if _, err := e.store.Append(ctx, store.AppendRequest{
		ExecutionID: executionID,
		TenantID:    tenantID,
		Type:        store.EventNodeEntered,
		NodeID:      node.ID,
		NodeType:    compensationType(node),
	}); err != nil {
		return flow.WrapNodeError(node.ID, err)
	}

	done, err := e.states.HasNodeBeenExecuted(ctx, executionID, node.ID)
	if err != nil {
		return flow.WrapNodeError(node.ID, err)
	}
	if done {
		// Already completed in a previous attempt or an earlier parallel
		// branch: skip straight to routing with the persisted variables.
		if _, err := e.store.Append(ctx, store.AppendRequest{
			ExecutionID: executionID,
			TenantID:    tenantID,
			Type:        store.EventNodeSkipped,
			NodeID:      node.ID,
			NodeType:    compensationType(node),
		}); err != nil {
			return flow.WrapNodeError(node.ID, err)
		}
		return e.selectAndFollow(ctx, ex, node)
	}

	if err := e.runHandler(ctx, ex, node); err != nil {
		return err
	}

	if node.Type == flow.NodeEndEvent && node.Config.Terminate {
		return errTerminated
	}
	return e.selectAndFollow(ctx, ex, node)
}

// runHandler records the attempt, dispatches the node's handler, and
// persists the outcome.
func (e *NodeExecutor) runHandler(ctx context.Context, ex *execution, node *flow.GraphNode) error {
	executionID := ex.inst.ExecutionID
	tenantID := ex.inst.TenantID

	rec, err := e.states.RecordNodeStart(ctx, executionID, node.ID, string(node.Type), ex.vars)
	if err != nil {
		return flow.WrapNodeError(node.ID, err)
	}
	inputJSON := toJSON(ex.vars)
	if _, err := e.store.Append(ctx, store.AppendRequest{
		ExecutionID:   executionID,
		TenantID:      tenantID,
		Type:          store.EventNodeStarted,
		NodeID:        node.ID,
		NodeType:      compensationType(node),
		Status:        store.EventInProgress,
		InputSnapshot: inputJSON,
	}); err != nil {
		return flow.WrapNodeError(node.ID, err)
	}

	handler, ok := e.handlers.Resolve(node)
	if !ok {
		err := fmt.Errorf("no handler registered for node type %s", node.Type)
		return e.failNode(ctx, ex, node, rec, err)
	}

	e.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		NodeID:      node.ID,
		Msg:         "node_start",
		Meta:        map[string]any{"node_type": string(node.Type)},
	})

	start := e.clock()
	output, handlerErr := handler.Execute(ctx, HandlerRequest{
		ExecutionID: executionID,
		WorkflowID:  ex.graph.WorkflowID,
		TenantID:    tenantID,
		Node:        node,
		Variables:   copyVars(ex.vars),
	})
	duration := e.clock().Sub(start)

	switch {
	case handlerErr == nil:
	case errors.Is(handlerErr, errPauseRequested):
		// The pause is a non-error stop: the node is recorded complete so
		// resumption continues from its outgoing edges.
		if err := e.completeNode(ctx, ex, node, rec, output, duration); err != nil {
			return err
		}
		if err := e.states.PauseWorkflow(ctx, executionID); err != nil {
			return flow.WrapNodeError(node.ID, err)
		}
		e.emitter.Emit(emit.Event{
			ExecutionID: executionID,
			NodeID:      node.ID,
			Msg:         "workflow_paused",
		})
		return errPauseRequested
	default:
		return e.failNode(ctx, ex, node, rec, handlerErr)
	}

	if len(output) > 0 {
		for k, v := range output {
			ex.vars[k] = v
		}
		if err := e.states.UpdateVariables(ctx, executionID, ex.vars); err != nil {
			return flow.WrapNodeError(node.ID, err)
		}
	}
	if err := e.completeNode(ctx, ex, node, rec, output, duration); err != nil {
		return err
	}

	e.metrics.NodeExecuted(tenantID, ex.graph.WorkflowID, string(node.Type), duration)
	e.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		NodeID:      node.ID,
		Msg:         "node_end",
		Meta:        map[string]any{"duration_ms": duration.Milliseconds()},
	})
	return nil
}

func (e *NodeExecutor) completeNode(ctx context.Context, ex *execution, node *flow.GraphNode, rec *store.NodeExecution, output map[string]any, duration time.Duration) error {
	if err := e.states.RecordNodeComplete(ctx, rec, output); err != nil {
		return flow.WrapNodeError(node.ID, err)
	}
	ev, err := e.store.Append(ctx, store.AppendRequest{
		ExecutionID:       ex.inst.ExecutionID,
		TenantID:          ex.inst.TenantID,
		Type:              store.EventNodeCompleted,
		NodeID:            node.ID,
		NodeType:          compensationType(node),
		OutputSnapshot:    toJSON(output),
		VariablesSnapshot: toJSON(ex.vars),
	})
	if err != nil {
		return flow.WrapNodeError(node.ID, err)
	}
	if err := e.store.MarkCompleted(ctx, ev.ID, duration.Milliseconds(), toJSON(output)); err != nil && !errors.Is(err, store.ErrEventTerminal) {
		return flow.WrapNodeError(node.ID, err)
	}
	return nil
}

func (e *NodeExecutor) failNode(ctx context.Context, ex *execution, node *flow.GraphNode, rec *store.NodeExecution, cause error) error {
	if err := e.states.RecordNodeFailure(ctx, rec, cause.Error()); err != nil {
		e.logger.Error().Err(err).Str("node_id", node.ID).Msg("failed to record node failure")
	}
	if _, err := e.store.Append(ctx, store.AppendRequest{
		ExecutionID:   ex.inst.ExecutionID,
		TenantID:      ex.inst.TenantID,
		Type:          store.EventNodeFailed,
		NodeID:        node.ID,
		NodeType:      compensationType(node),
		Status:        store.EventFailed,
		ErrorSnapshot: cause.Error(),
	}); err != nil {
		e.logger.Error().Err(err).Str("node_id", node.ID).Msg("failed to record node failure event")
	}
	e.emitter.Emit(emit.Event{
		ExecutionID: ex.inst.ExecutionID,
		NodeID:      node.ID,
		Msg:         "node_error",
		Meta:        map[string]any{"error": cause.Error()},
	})
	return flow.WrapNodeError(node.ID, cause)
}

// selectAndFollow picks the outgoing edges per the node's routing
// semantics, records each traversal, and recurses into the targets.
func (e *NodeExecutor) selectAndFollow(ctx context.Context, ex *execution, node *flow.GraphNode) error {
	edges := ex.graph.OutgoingEdges(node.ID)
	selected, err := e.selectEdges(node, edges, ex.vars)
	if err != nil {
		return e.routeFailure(ctx, ex, node, err)
	}

	for _, edge := range selected {
		if node.IsGateway() {
			e.metrics.GatewayEvaluated(ex.inst.TenantID, ex.graph.WorkflowID, string(node.Type))
		}
		if _, err := e.store.Append(ctx, store.AppendRequest{
			ExecutionID:    ex.inst.ExecutionID,
			TenantID:       ex.inst.TenantID,
			Type:           store.EventGatewayBranchTaken,
			NodeID:         node.ID,
			EdgeTaken:      edge.ID,
			DecisionResult: edge.Target,
		}); err != nil {
			return flow.WrapNodeError(node.ID, err)
		}
		e.emitter.Emit(emit.Event{
			ExecutionID: ex.inst.ExecutionID,
			NodeID:      node.ID,
			Msg:         "gateway_branch",
			Meta:        map[string]any{"edge": edge.ID, "target": edge.Target},
		})

		target := ex.graph.Node(edge.Target)
		if target == nil {
			return flow.WrapNodeError(node.ID, fmt.Errorf("edge %s targets unknown node %s", edge.ID, edge.Target))
		}
		if err := e.executeNode(ctx, ex, target); err != nil {
			// Pause and terminate unwind immediately; sibling branches of
			// a parallel fan-out are not continued past a terminate end.
			return err
		}
	}
	return nil
}

// routeFailure records a routing dead end as a node failure event before
// unwinding.
func (e *NodeExecutor) routeFailure(ctx context.Context, ex *execution, node *flow.GraphNode, cause error) error {
	if _, err := e.store.Append(ctx, store.AppendRequest{
		ExecutionID:   ex.inst.ExecutionID,
		TenantID:      ex.inst.TenantID,
		Type:          store.EventNodeFailed,
		NodeID:        node.ID,
		NodeType:      compensationType(node),
		Status:        store.EventFailed,
		ErrorSnapshot: cause.Error(),
	}); err != nil {
		e.logger.Error().Err(err).Str("node_id", node.ID).Msg("failed to record routing failure")
	}
	return flow.WrapNodeError(node.ID, cause)
}

// selectEdges applies the per-type routing semantics: single edge
// pass-through, XOR first-match, AND all, OR all-matching, each with
// default-branch fallback.
func (e *NodeExecutor) selectEdges(node *flow.GraphNode, edges []*flow.GraphEdge, vars map[string]any) ([]*flow.GraphEdge, error) {
	switch {
	case len(edges) == 0:
		return nil, nil
	case len(edges) == 1:
		return edges[:1], nil
	}

	switch node.Type {
	case flow.NodeExclusiveGateway, flow.NodeEventBasedGateway:
		for _, edge := range edges {
			if edge.IsDefault() {
				continue
			}
			if cond.Evaluate(edge.Condition, vars) {
				return []*flow.GraphEdge{edge}, nil
			}
		}
		if def := defaultEdge(edges); def != nil {
			return []*flow.GraphEdge{def}, nil
		}
		return nil, flow.ErrNoBranchSatisfied

	case flow.NodeParallelGateway:
		return edges, nil

	case flow.NodeInclusiveGateway:
		var matched []*flow.GraphEdge
		for _, edge := range edges {
			if edge.IsDefault() {
				continue
			}
			if cond.Evaluate(edge.Condition, vars) {
				matched = append(matched, edge)
			}
		}
		if len(matched) > 0 {
			return matched, nil
		}
		if def := defaultEdge(edges); def != nil {
			return []*flow.GraphEdge{def}, nil
		}
		return nil, flow.ErrNoBranchSatisfied
	}

	// Ill-formed but tolerated: a non-gateway node with several outgoing
	// edges takes the highest-priority one.
	e.logger.Warn().
		Str("node_id", node.ID).
		Int("edges", len(edges)).
		Msg("non-gateway node with multiple outgoing edges, taking first")
	return edges[:1], nil
}

func defaultEdge(edges []*flow.GraphEdge) *flow.GraphEdge {
	for _, edge := range edges {
		if edge.IsDefault() {
			return edge
		}
	}
	return nil
}

// compensationType is the type string node events are recorded under: the
// node's compensation key when declared, otherwise its node type. The
// compensation registry resolves type-level handlers against this value.
func compensationType(node *flow.GraphNode) string {
	if node.Config.CompensationKey != "" {
		return node.Config.CompensationKey
	}
	return string(node.Type)
}

func toJSON(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func copyVars(vars map[string]any) map[string]any {
	cp := make(map[string]any, len(vars))
	for k, v := range vars {
		cp[k] = v
	}
	return cp
}
