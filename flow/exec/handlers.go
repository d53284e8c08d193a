package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/procflow-go/flow"
)

// errPauseRequested is returned by the user-task handler to stop the
// recursion without failing the instance; the workflow executor leaves the
// instance PAUSED.
var errPauseRequested = errors.New("workflow pause requested")

// errTerminated unwinds the recursion after a terminate end event
// completes, even when sibling branches are still pending. The workflow
// executor treats it as normal completion.
var errTerminated = errors.New("workflow terminated")

// HandlerRequest is what a node handler receives.
type HandlerRequest struct {
	ExecutionID string
	WorkflowID  string
	TenantID    string
	Node        *flow.GraphNode

	// Variables is the handler's own copy of the instance variables.
	// Returned output is merged back by the executor; mutating this map
	// directly has no effect.
	Variables map[string]any
}

// Handler executes one node type. Execute returns the variable updates to
// merge into the instance's variable map; nil means no updates.
type Handler interface {
	Supports(node *flow.GraphNode) bool
	Execute(ctx context.Context, req HandlerRequest) (map[string]any, error)
}

// HandlerRegistry resolves the handler for a node. Handlers are tried in
// registration order; the first whose Supports returns true wins.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{}
}

// Register appends a handler. Later registrations act as fallbacks for
// earlier ones, so custom handlers should be registered first.
func (r *HandlerRegistry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Resolve returns the first handler supporting the node.
func (r *HandlerRegistry) Resolve(node *flow.GraphNode) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.Supports(node) {
			return h, true
		}
	}
	return nil, false
}

// ServiceFunc is a named callable a SERVICE_TASK can invoke.
type ServiceFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// ServiceRegistry maps service names to callables. A node binds through
// NodeConfig.ServiceName, optionally refined by ServiceMethod
// ("name.method").
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]ServiceFunc
}

// NewServiceRegistry creates an empty service registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]ServiceFunc)}
}

// Register binds a callable under a name.
func (r *ServiceRegistry) Register(name string, fn ServiceFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = fn
}

func (r *ServiceRegistry) resolve(cfg flow.NodeConfig) (ServiceFunc, string, bool) {
	key := cfg.ServiceName
	if cfg.ServiceMethod != "" {
		key = cfg.ServiceName + "." + cfg.ServiceMethod
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.services[key]; ok {
		return fn, key, true
	}
	// Fall back to the bare service name when no method-qualified callable
	// is registered.
	fn, ok := r.services[cfg.ServiceName]
	return fn, cfg.ServiceName, ok
}

// RuleFunc evaluates a rule set against the given facts.
type RuleFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// RuleRegistry maps (ruleFile, ruleflowGroup) pairs to rule invokers.
type RuleRegistry struct {
	mu    sync.RWMutex
	rules map[string]RuleFunc
}

// NewRuleRegistry creates an empty rule registry.
func NewRuleRegistry() *RuleRegistry {
	return &RuleRegistry{rules: make(map[string]RuleFunc)}
}

func ruleKey(ruleFile, group string) string { return ruleFile + ":" + group }

// Register binds a rule invoker for a rule file and ruleflow group.
func (r *RuleRegistry) Register(ruleFile, group string, fn RuleFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[ruleKey(ruleFile, group)] = fn
}

func (r *RuleRegistry) resolve(ruleFile, group string) (RuleFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.rules[ruleKey(ruleFile, group)]
	return fn, ok
}

// passthroughHandler covers the node types that record their visit but run
// no work: events, plain tasks, manual tasks, and gateways (whose logic
// lives entirely in edge selection). SCRIPT_TASK is included: script
// evaluation is out of scope, so it copies variables through unchanged.
type passthroughHandler struct{}

func (passthroughHandler) Supports(node *flow.GraphNode) bool {
	switch node.Type {
	case flow.NodeStartEvent, flow.NodeEndEvent, flow.NodeIntermediateEvent,
		flow.NodeTask, flow.NodeManualTask, flow.NodeScriptTask,
		flow.NodeSubprocess, flow.NodeCallActivity:
		return true
	}
	return node.Type.IsGateway()
}

func (passthroughHandler) Execute(ctx context.Context, req HandlerRequest) (map[string]any, error) {
	return nil, nil
}

// userTaskHandler pauses the workflow: the instance transitions to PAUSED
// and execution stops until an external actor resumes it.
type userTaskHandler struct{}

func (userTaskHandler) Supports(node *flow.GraphNode) bool {
	return node.Type == flow.NodeUserTask
}

func (userTaskHandler) Execute(ctx context.Context, req HandlerRequest) (map[string]any, error) {
	return nil, errPauseRequested
}

// serviceTaskHandler invokes a named callable with input mappings applied,
// honoring the node's retry policy, and maps the result back into
// variables.
type serviceTaskHandler struct {
	services *ServiceRegistry

	// onRetry is called before each retry attempt; the executor wires it
	// to the retry metric.
	onRetry func(req HandlerRequest, attempt int)
}

func (h *serviceTaskHandler) Supports(node *flow.GraphNode) bool {
	return node.Type == flow.NodeServiceTask
}

func (h *serviceTaskHandler) Execute(ctx context.Context, req HandlerRequest) (map[string]any, error) {
	cfg := req.Node.Config
	fn, key, ok := h.services.resolve(cfg)
	if !ok {
		return nil, fmt.Errorf("service %q not registered", key)
	}

	input := applyMappings(req.Variables, cfg.InputMappings)

	attempts := 1
	if cfg.Retry != nil && cfg.Retry.MaxAttempts > 1 {
		attempts = cfg.Retry.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if h.onRetry != nil {
				h.onRetry(req, attempt)
			}
			if err := sleepBackoff(ctx, cfg.Retry, attempt); err != nil {
				return nil, err
			}
		}
		result, err := fn(ctx, input)
		if err == nil {
			return applyMappings(result, cfg.OutputMappings), nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("service %q failed after %d attempts: %w", key, attempts, lastErr)
}

// businessRuleHandler feeds the node's inputs through a registered rule
// invoker and maps the derived facts back into variables.
type businessRuleHandler struct {
	rules *RuleRegistry
}

func (h *businessRuleHandler) Supports(node *flow.GraphNode) bool {
	return node.Type == flow.NodeBusinessRuleTask
}

func (h *businessRuleHandler) Execute(ctx context.Context, req HandlerRequest) (map[string]any, error) {
	cfg := req.Node.Config
	fn, ok := h.rules.resolve(cfg.RuleFile, cfg.RuleflowGroup)
	if !ok {
		return nil, fmt.Errorf("rule set %q group %q not registered", cfg.RuleFile, cfg.RuleflowGroup)
	}

	input := applyMappings(req.Variables, cfg.InputMappings)
	result, err := fn(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("rule set %q: %w", cfg.RuleFile, err)
	}
	return applyMappings(result, cfg.OutputMappings), nil
}

// applyMappings copies src[from] to out[to] for each mapping. With no
// mappings the whole source map is copied through.
func applyMappings(src map[string]any, mappings map[string]string) map[string]any {
	out := make(map[string]any, len(src))
	if len(mappings) == 0 {
		for k, v := range src {
			out[k] = v
		}
		return out
	}
	for from, to := range mappings {
		if v, ok := src[from]; ok {
			out[to] = v
		}
	}
	return out
}

// sleepBackoff waits out the retry delay, doubling per attempt under the
// exponential strategy, and aborts early on context cancellation.
func sleepBackoff(ctx context.Context, policy *flow.RetryPolicy, attempt int) error {
	if policy == nil || policy.DelayMS <= 0 {
		return nil
	}
	delay := time.Duration(policy.DelayMS) * time.Millisecond
	if policy.BackoffStrategy == "exponential" {
		for i := 2; i < attempt; i++ {
			delay *= 2
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
