// Package flow provides the workflow graph model, definition parser, and
// structural validator for the procflow execution core.
//
// A workflow is deployed as a JSON definition document, parsed into a
// WorkflowDefinition, and compiled into an immutable WorkflowGraph that the
// execution engine drives. The graph model is pure data: it performs no I/O
// and holds no execution state.
package flow

// NodeType identifies the behavior of a graph node.
//
// The executor dispatches on NodeType through a registration table; it never
// inspects node configuration except through the handler selected for the
// type.
type NodeType string

// Supported node types.
const (
	NodeStartEvent        NodeType = "START_EVENT"
	NodeEndEvent          NodeType = "END_EVENT"
	NodeIntermediateEvent NodeType = "INTERMEDIATE_EVENT"
	NodeTask              NodeType = "TASK"
	NodeScriptTask        NodeType = "SCRIPT_TASK"
	NodeServiceTask       NodeType = "SERVICE_TASK"
	NodeUserTask          NodeType = "USER_TASK"
	NodeBusinessRuleTask  NodeType = "BUSINESS_RULE_TASK"
	NodeManualTask        NodeType = "MANUAL_TASK"
	NodeSubprocess        NodeType = "SUBPROCESS"
	NodeCallActivity      NodeType = "CALL_ACTIVITY"
	NodeExclusiveGateway  NodeType = "EXCLUSIVE_GATEWAY"
	NodeParallelGateway   NodeType = "PARALLEL_GATEWAY"
	NodeInclusiveGateway  NodeType = "INCLUSIVE_GATEWAY"
	NodeEventBasedGateway NodeType = "EVENT_BASED_GATEWAY"
)

var nodeTypes = map[NodeType]bool{
	NodeStartEvent:        true,
	NodeEndEvent:          true,
	NodeIntermediateEvent: true,
	NodeTask:              true,
	NodeScriptTask:        true,
	NodeServiceTask:       true,
	NodeUserTask:          true,
	NodeBusinessRuleTask:  true,
	NodeManualTask:        true,
	NodeSubprocess:        true,
	NodeCallActivity:      true,
	NodeExclusiveGateway:  true,
	NodeParallelGateway:   true,
	NodeInclusiveGateway:  true,
	NodeEventBasedGateway: true,
}

// Valid reports whether t is a recognized node type.
func (t NodeType) Valid() bool { return nodeTypes[t] }

// IsGateway reports whether t is one of the gateway node types.
func (t NodeType) IsGateway() bool {
	switch t {
	case NodeExclusiveGateway, NodeParallelGateway, NodeInclusiveGateway, NodeEventBasedGateway:
		return true
	}
	return false
}

// IsEvent reports whether t is a start, end, or intermediate event.
func (t NodeType) IsEvent() bool {
	switch t {
	case NodeStartEvent, NodeEndEvent, NodeIntermediateEvent:
		return true
	}
	return false
}

// GatewayType refines gateway routing semantics.
//
// XOR takes the first matching branch, AND takes every branch, OR takes
// every matching branch.
type GatewayType string

// Supported gateway types.
const (
	GatewayXOR GatewayType = "XOR"
	GatewayAND GatewayType = "AND"
	GatewayOR  GatewayType = "OR"
)

// Valid reports whether g is a recognized gateway type.
func (g GatewayType) Valid() bool {
	switch g {
	case GatewayXOR, GatewayAND, GatewayOR:
		return true
	}
	return false
}

// PathType classifies an edge for routing and observability.
type PathType string

// Supported edge path types.
const (
	PathSuccess     PathType = "success"
	PathError       PathType = "error"
	PathConditional PathType = "conditional"
	PathParallel    PathType = "parallel"
	PathDefault     PathType = "default"
)

// Valid reports whether p is a recognized path type. The empty string is
// accepted and treated as PathSuccess by the parser.
func (p PathType) Valid() bool {
	switch p {
	case PathSuccess, PathError, PathConditional, PathParallel, PathDefault, "":
		return true
	}
	return false
}

// RetryPolicy configures automatic retry of a node handler on failure.
//
// The executor retries the handler invocation up to MaxAttempts times
// (including the first attempt). DelayMS is the base delay between attempts;
// BackoffStrategy selects how the delay grows.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Zero or one means no retries.
	MaxAttempts int `json:"maxAttempts"`

	// BackoffStrategy is "fixed" or "exponential". Empty defaults to fixed.
	BackoffStrategy string `json:"backoffStrategy"`

	// DelayMS is the base delay between attempts in milliseconds.
	DelayMS int64 `json:"delayMs"`
}

// NodeConfig carries the type-specific configuration of a node.
//
// Only the fields relevant to the node's type are populated; the rest stay
// at their zero values. Handlers read their own fields and nothing else.
type NodeConfig struct {
	// ServiceName and ServiceMethod bind a SERVICE_TASK to a named callable
	// in the service registry.
	ServiceName   string `json:"serviceName,omitempty"`
	ServiceMethod string `json:"serviceMethod,omitempty"`

	// RuleFile and RuleflowGroup bind a BUSINESS_RULE_TASK to a rule set.
	RuleFile      string `json:"ruleFile,omitempty"`
	RuleflowGroup string `json:"ruleflowGroup,omitempty"`

	// Gateway is the routing semantics for gateway nodes.
	Gateway GatewayType `json:"gatewayType,omitempty"`

	// Terminate marks an END_EVENT that stops the whole workflow when it
	// completes, even if sibling branches are still pending.
	Terminate bool `json:"terminate,omitempty"`

	// InputMappings copies variables[src] into the handler input under tgt.
	// OutputMappings copies result[src] back into variables under tgt.
	InputMappings  map[string]string `json:"inputMappings,omitempty"`
	OutputMappings map[string]string `json:"outputMappings,omitempty"`

	// Retry configures per-attempt retry of the node handler.
	Retry *RetryPolicy `json:"retryPolicy,omitempty"`

	// CompensationKey names the compensation handler class for this node
	// (for example "payment" or "inventory-reserve"). Empty means the node
	// type string is used.
	CompensationKey string `json:"compensationKey,omitempty"`
}
