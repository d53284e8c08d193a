// Package comp implements the compensation registry: undo handlers for
// committed node effects, resolved per node instance or per node type, and
// driven entirely through the event log so every compensation attempt is
// auditable and replayable.
package comp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/procflow-go/flow/emit"
	"github.com/dshills/procflow-go/flow/store"
)

// Request carries what a compensation handler needs to undo a node's
// effect.
type Request struct {
	ExecutionID string
	NodeID      string

	// NodeType is the compensation type the node was recorded under, for
	// example "payment" or "inventory-reserve".
	NodeType string

	// OriginalOutput is the JSON output snapshot of the NODE_COMPLETED
	// event being compensated.
	OriginalOutput string
}

// Handler undoes the effect of a completed node. Handlers must be
// idempotent: crash recovery may invoke them more than once.
type Handler func(ctx context.Context, req Request) error

// Result is the outcome of compensating one node.
type Result struct {
	NodeID  string
	Success bool

	// Message carries the failure reason when Success is false.
	Message string

	// EventID is the COMPENSATION_COMPLETED event's ID on success.
	EventID string
}

// instanceKey builds the per-execution per-node registration key.
func instanceKey(executionID, nodeID string) string {
	return executionID + ":" + nodeID
}

// Registry holds compensation handlers and executes them against the event
// log. Handler registration is process-local; the events it appends are
// durable.
type Registry struct {
	store   store.Store
	emitter emit.Emitter
	logger  zerolog.Logger

	mu         sync.RWMutex
	byType     map[string]Handler
	byInstance map[string]Handler
}

// Option configures a Registry.
type Option func(*Registry)

// WithEmitter attaches a telemetry emitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(r *Registry) { r.emitter = emitter }
}

// WithLogger attaches a zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty compensation registry on the store.
func NewRegistry(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:      st,
		emitter:    emit.NewNullEmitter(),
		logger:     zerolog.Nop(),
		byType:     make(map[string]Handler),
		byInstance: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterForType registers a handler for every node recorded under the
// compensation type.
func (r *Registry) RegisterForType(nodeType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[nodeType] = h
}

// RegisterForNode registers a handler for one node of one execution. It
// takes precedence over any type-level handler.
func (r *Registry) RegisterForNode(executionID, nodeID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byInstance[instanceKey(executionID, nodeID)] = h
}

// UnregisterForNode drops a per-node registration, if present.
func (r *Registry) UnregisterForNode(executionID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byInstance, instanceKey(executionID, nodeID))
}

// HasHandlerForNode reports whether a per-node handler is registered.
func (r *Registry) HasHandlerForNode(executionID, nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byInstance[instanceKey(executionID, nodeID)]
	return ok
}

func (r *Registry) resolve(executionID, nodeID, nodeType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.byInstance[instanceKey(executionID, nodeID)]; ok {
		return h, true
	}
	h, ok := r.byType[nodeType]
	return h, ok
}

// CompensateNode undoes one node's committed effect.
//
// The returned error reports infrastructure failures (store I/O); business
// outcomes, including "no handler registered", land in the Result so
// callers can collect them. Every attempt appends COMPENSATION_INITIATED,
// and the outcome appends COMPENSATION_COMPLETED or COMPENSATION_FAILED.
// On success the original NODE_COMPLETED event is marked compensated with
// the completion event's ID.
func (r *Registry) CompensateNode(ctx context.Context, executionID, nodeID string) (Result, error) {
	events, err := r.store.EventsByNode(ctx, executionID, nodeID)
	if err != nil {
		return Result{}, fmt.Errorf("compensate %s: %w", nodeID, err)
	}
	if len(events) == 0 {
		return Result{NodeID: nodeID, Message: "no events recorded for node"}, nil
	}

	var completed *store.ExecutionEvent
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == store.EventNodeCompleted {
			completed = events[i]
			break
		}
	}
	if completed == nil {
		return Result{NodeID: nodeID, Message: "node never completed"}, nil
	}

	handler, ok := r.resolve(executionID, nodeID, completed.NodeType)
	if !ok {
		// Still auditable: the initiation is recorded even though nothing
		// can run.
		if _, err := r.append(ctx, completed, store.EventCompensationInitiated, ""); err != nil {
			return Result{}, err
		}
		return Result{NodeID: nodeID, Message: "no compensation handler registered"}, nil
	}

	if _, err := r.append(ctx, completed, store.EventCompensationInitiated, ""); err != nil {
		return Result{}, err
	}

	start := time.Now()
	handlerErr := handler(ctx, Request{
		ExecutionID:    executionID,
		NodeID:         nodeID,
		NodeType:       completed.NodeType,
		OriginalOutput: completed.OutputSnapshot,
	})
	durationMS := time.Since(start).Milliseconds()

	if handlerErr != nil {
		r.logger.Error().
			Str("execution_id", executionID).
			Str("node_id", nodeID).
			Err(handlerErr).
			Msg("compensation handler failed")
		r.emitter.Emit(emit.Event{
			ExecutionID: executionID,
			NodeID:      nodeID,
			Msg:         "compensation_failed",
			Meta:        map[string]any{"error": handlerErr.Error()},
		})
		if _, err := r.append(ctx, completed, store.EventCompensationFailed, handlerErr.Error()); err != nil {
			return Result{}, err
		}
		return Result{NodeID: nodeID, Message: handlerErr.Error()}, nil
	}

	compEvent, err := r.append(ctx, completed, store.EventCompensationCompleted, "")
	if err != nil {
		return Result{}, err
	}
	if err := r.store.MarkCompensated(ctx, completed.ID, compEvent.ID); err != nil {
		return Result{}, fmt.Errorf("mark %s compensated: %w", nodeID, err)
	}

	r.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		Sequence:    compEvent.SequenceNumber,
		NodeID:      nodeID,
		Msg:         "compensation_completed",
		Meta:        map[string]any{"duration_ms": durationMS},
	})
	return Result{NodeID: nodeID, Success: true, EventID: compEvent.ID}, nil
}

func (r *Registry) append(ctx context.Context, completed *store.ExecutionEvent, typ store.EventType, errMsg string) (*store.ExecutionEvent, error) {
	req := store.AppendRequest{
		ExecutionID: completed.ExecutionID,
		TenantID:    completed.TenantID,
		Type:        typ,
		NodeID:      completed.NodeID,
		NodeType:    completed.NodeType,
	}
	if errMsg != "" {
		req.Status = store.EventFailed
		req.ErrorSnapshot = errMsg
	}
	ev, err := r.store.Append(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", typ, err)
	}
	return ev, nil
}

// completionOrder returns the node IDs of the execution's NODE_COMPLETED
// events in completion order, de-duplicated keeping the first completion.
func (r *Registry) completionOrder(ctx context.Context, executionID string) ([]string, error) {
	timeline, err := r.store.Timeline(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}
	seen := make(map[string]bool)
	var order []string
	for _, ev := range timeline {
		if ev.Type != store.EventNodeCompleted || seen[ev.NodeID] {
			continue
		}
		seen[ev.NodeID] = true
		order = append(order, ev.NodeID)
	}
	return order, nil
}

// CompensateSequence compensates the completed nodes between the two
// anchors (inclusive) in reverse completion order, stopping at the first
// failure.
func (r *Registry) CompensateSequence(ctx context.Context, executionID, startNodeID, endNodeID string) ([]Result, error) {
	order, err := r.completionOrder(ctx, executionID)
	if err != nil {
		return nil, err
	}

	startIdx, endIdx := -1, -1
	for i, id := range order {
		if id == startNodeID {
			startIdx = i
		}
		if id == endNodeID {
			endIdx = i
		}
	}
	if startIdx == -1 || endIdx == -1 {
		return nil, fmt.Errorf("sequence anchors not found in completion order")
	}
	if startIdx > endIdx {
		startIdx, endIdx = endIdx, startIdx
	}

	var results []Result
	for i := endIdx; i >= startIdx; i-- {
		res, err := r.CompensateNode(ctx, executionID, order[i])
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results, nil
}

// CompensateWorkflow compensates every completed node of the execution in
// reverse completion order. Individual failures do not stop the sweep; all
// results are returned.
func (r *Registry) CompensateWorkflow(ctx context.Context, executionID string) ([]Result, error) {
	order, err := r.completionOrder(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var results []Result
	for i := len(order) - 1; i >= 0; i-- {
		res, err := r.CompensateNode(ctx, executionID, order[i])
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}
